package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/untoldecay/bones/internal/events"
)

// Column codecs for the binary cache. Each write* function appends a
// self-contained, length-prefixed section to buf; each read* consumes
// exactly that section from r. Column order and codec choice is fixed by
// the encode/decode call sequence in cache.go.

func putUvarintTo(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putVarintTo(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// writeDelta writes wall_ts_us as a count prefix followed by
// zigzag-delta varints: each value is the signed difference from the
// previous timestamp, which is small and mostly positive for an
// append-ordered log.
func writeDelta(buf *bytes.Buffer, evs []events.Event) {
	putUvarintTo(buf, uint64(len(evs)))
	var prev int64
	for _, e := range evs {
		putVarintTo(buf, e.WallTSUs-prev)
		prev = e.WallTSUs
	}
}

func readDelta(r *bytes.Reader, n int) ([]int64, error) {
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if int(count) != n {
		return nil, fmt.Errorf("cache: delta column row count mismatch")
	}
	out := make([]int64, n)
	var prev int64
	for i := 0; i < n; i++ {
		d, err := binary.ReadVarint(r)
		if err != nil {
			return nil, err
		}
		prev += d
		out[i] = prev
	}
	return out, nil
}

// writeDict interns each distinct string once (in first-seen order) and
// writes the dictionary followed by a per-row index, the classic
// dictionary-encoding scheme for low-cardinality repeated string columns
// (agent, item_id, itc).
func writeDict(buf *bytes.Buffer, evs []events.Event, field func(events.Event) string) []string {
	index := make(map[string]int)
	var dict []string
	codes := make([]int, len(evs))
	for i, e := range evs {
		v := field(e)
		idx, ok := index[v]
		if !ok {
			idx = len(dict)
			dict = append(dict, v)
			index[v] = idx
		}
		codes[i] = idx
	}

	putUvarintTo(buf, uint64(len(dict)))
	for _, s := range dict {
		putUvarintTo(buf, uint64(len(s)))
		buf.WriteString(s)
	}
	putUvarintTo(buf, uint64(len(codes)))
	for _, c := range codes {
		putUvarintTo(buf, uint64(c))
	}
	return dict
}

func readDict(r *bytes.Reader, n int) ([]string, error) {
	dictLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	dict := make([]string, dictLen)
	for i := range dict {
		slen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		b := make([]byte, slen)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		dict[i] = string(b)
	}
	rowCount, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if int(rowCount) != n {
		return nil, fmt.Errorf("cache: dict column row count mismatch")
	}
	out := make([]string, n)
	for i := range out {
		code, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		if int(code) >= len(dict) {
			return nil, fmt.Errorf("cache: dict code out of range")
		}
		out[i] = dict[code]
	}
	return out, nil
}

// eventTypeCode/eventTypeFromCode give event_type a fixed 1-byte enum
// encoding instead of the dictionary codec, since there are only eleven
// values and the mapping never changes.
var eventTypeCode = map[events.Type]byte{
	events.TypeCreate: 0, events.TypeUpdate: 1, events.TypeMove: 2,
	events.TypeAssign: 3, events.TypeComment: 4, events.TypeLink: 5,
	events.TypeUnlink: 6, events.TypeDelete: 7, events.TypeCompact: 8,
	events.TypeSnapshot: 9, events.TypeRedact: 10,
}

var eventTypeFromCode = func() map[byte]events.Type {
	m := make(map[byte]events.Type, len(eventTypeCode))
	for t, c := range eventTypeCode {
		m[c] = t
	}
	return m
}()

func writeEnumColumn(buf *bytes.Buffer, evs []events.Event) {
	putUvarintTo(buf, uint64(len(evs)))
	for _, e := range evs {
		buf.WriteByte(eventTypeCode[e.EventType])
	}
}

func readEnumColumn(r *bytes.Reader, n int) ([]events.Type, error) {
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if int(count) != n {
		return nil, fmt.Errorf("cache: enum column row count mismatch")
	}
	out := make([]events.Type, n)
	for i := 0; i < n; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		t, ok := eventTypeFromCode[b]
		if !ok {
			return nil, fmt.Errorf("cache: unknown event type code %d", b)
		}
		out[i] = t
	}
	return out, nil
}

// writeRawColumn writes a length-prefixed raw byte blob per row, used for
// the parents JSON array and the canonical data JSON object: both are
// high-cardinality and not worth interning.
func writeRawColumn(buf *bytes.Buffer, evs []events.Event, encode func(events.Event) ([]byte, error)) error {
	putUvarintTo(buf, uint64(len(evs)))
	for _, e := range evs {
		b, err := encode(e)
		if err != nil {
			return err
		}
		putUvarintTo(buf, uint64(len(b)))
		buf.Write(b)
	}
	return nil
}

func readRawColumn(r *bytes.Reader, n int) ([][]byte, error) {
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if int(count) != n {
		return nil, fmt.Errorf("cache: raw column row count mismatch")
	}
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		blen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		b := make([]byte, blen)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func writeDataColumn(buf *bytes.Buffer, evs []events.Event) error {
	return writeRawColumn(buf, evs, func(e events.Event) ([]byte, error) {
		b, err := dataColumnJSON(e)
		if err != nil {
			return nil, err
		}
		return b, nil
	})
}

func writeHashColumn(buf *bytes.Buffer, evs []events.Event) {
	// event_hash is written with the same dictionary codec as agent/item_id
	// even though it is unique per row, to keep the decode path uniform;
	// the dictionary degenerates to one entry per row. This section
	// follows the seven event columns.
	index := make(map[string]int)
	var dict []string
	codes := make([]int, len(evs))
	for i, e := range evs {
		v := e.EventHash
		idx, ok := index[v]
		if !ok {
			idx = len(dict)
			dict = append(dict, v)
			index[v] = idx
		}
		codes[i] = idx
	}
	putUvarintTo(buf, uint64(len(dict)))
	for _, s := range dict {
		putUvarintTo(buf, uint64(len(s)))
		buf.WriteString(s)
	}
	putUvarintTo(buf, uint64(len(codes)))
	for _, c := range codes {
		putUvarintTo(buf, uint64(c))
	}
}
