// Package serialize implements the canonical TSV-framed event line format
// (spec §4.4): exactly 8 tab-separated columns, with the data column a
// canonical (key-sorted, whitespace-free) JSON object.
//
// This plays the role the teacher's JSONL layer plays for types.Issue
// (internal/merge/merge.go readIssues/writeIssues, internal/audit/audit.go
// Append) but the wire shape is TSV-with-an-embedded-JSON-column rather
// than one-JSON-object-per-line, because the spec's event envelope needs
// fields (parents, event_type, item_id) available for fast scanning
// without paying to parse the data payload — mirrored here by
// ParseLinePartial, which never touches column 7.
package serialize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/untoldecay/bones/internal/boneserr"
	"github.com/untoldecay/bones/internal/events"
)

const numColumns = 8

// PartialEvent is a borrowed view over a parsed line: the envelope
// columns are available without having decoded or validated the data
// payload or the hash. ParseLine builds on it; it suits scans that
// don't need the payload.
type PartialEvent struct {
	WallTSUs   int64
	Agent      string
	ITC        string
	ParentsRaw string // raw column 4: "" or a JSON array literal
	EventType  events.Type
	ItemID     string
	DataRaw    string // raw column 7: canonical JSON object literal
	EventHash  string
}

// WriteLine serializes e into the canonical 8-column line (without a
// trailing newline), writing hash verbatim as column 8. It does not
// compute or check the hash; e.EventHash is ignored.
func WriteLine(e events.Event, hash string) (string, error) {
	if strings.ContainsAny(e.Agent, "\t\n") {
		return "", fmt.Errorf("serialize: agent must not contain tab or newline: %q", e.Agent)
	}
	if strings.ContainsAny(e.ITC, "\t\n") {
		return "", fmt.Errorf("serialize: itc must not contain tab or newline: %q", e.ITC)
	}
	if strings.ContainsAny(e.ItemID, "\t\n") {
		return "", fmt.Errorf("serialize: item_id must not contain tab or newline: %q", e.ItemID)
	}

	parentsCol, err := parentsColumn(e.Parents)
	if err != nil {
		return "", err
	}
	dataCol, err := DataColumn(e.EventType, e.Data)
	if err != nil {
		return "", err
	}

	cols := []string{
		strconv.FormatInt(e.WallTSUs, 10),
		e.Agent,
		e.ITC,
		parentsCol,
		string(e.EventType),
		e.ItemID,
		dataCol,
		hash,
	}
	return strings.Join(cols, "\t"), nil
}

func parentsColumn(parents []string) (string, error) {
	if len(parents) == 0 {
		return "", nil
	}
	b, err := canonicalJSON(parents)
	if err != nil {
		return "", fmt.Errorf("serialize: encode parents: %w", err)
	}
	return string(b), nil
}

// DataColumn encodes a Data variant to its canonical JSON object string
// for the given event type.
func DataColumn(t events.Type, d events.Data) (string, error) {
	var payload any
	switch t {
	case events.TypeCreate:
		payload = d.Create
	case events.TypeUpdate:
		payload = d.Update
	case events.TypeMove:
		payload = d.Move
	case events.TypeAssign:
		payload = d.Assign
	case events.TypeComment:
		payload = d.Comment
	case events.TypeLink:
		payload = d.Link
	case events.TypeUnlink:
		payload = d.Unlink
	case events.TypeDelete:
		payload = d.Delete
	case events.TypeCompact:
		payload = d.Compact
	case events.TypeSnapshot:
		payload = d.Snapshot
	case events.TypeRedact:
		payload = d.Redact
	default:
		return "", fmt.Errorf("serialize: unknown event type %q", t)
	}
	if payload == nil {
		return "", fmt.Errorf("serialize: nil payload for event type %q", t)
	}
	b, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("serialize: encode data: %w", err)
	}
	return string(b), nil
}

// canonicalJSON marshals v, then round-trips it through a generic
// interface{} and re-marshals — json.Marshal already sorts map keys at
// every level, so the second pass yields key-sorted, whitespace-free,
// shortest-round-trippable-number output for any input, structs
// included.
func canonicalJSON(v any) ([]byte, error) {
	first, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(first))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeNumbers(generic))
}

// normalizeNumbers converts json.Number back into float64/int64 so the
// second marshal pass emits the shortest round-trippable form rather than
// preserving the original literal's digit string verbatim.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalizeNumbers(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeNumbers(vv)
		}
		return out
	default:
		return v
	}
}

// ParseLinePartial splits a line into its 8 columns without decoding the
// data payload or validating the hash. lineNo is used only for error
// messages.
func ParseLinePartial(line string, lineNo int) (PartialEvent, error) {
	cols := strings.Split(line, "\t")
	if len(cols) != numColumns {
		return PartialEvent{}, &boneserr.InvalidEventLineError{
			Line: lineNo, Column: len(cols),
			Reason: fmt.Sprintf("expected %d columns, got %d", numColumns, len(cols)),
		}
	}
	ts, err := strconv.ParseInt(cols[0], 10, 64)
	if err != nil {
		return PartialEvent{}, &boneserr.InvalidEventLineError{Line: lineNo, Column: 1, Reason: "wall_ts_us: " + err.Error()}
	}
	return PartialEvent{
		WallTSUs:   ts,
		Agent:      cols[1],
		ITC:        cols[2],
		ParentsRaw: cols[3],
		EventType:  events.Type(cols[4]),
		ItemID:     cols[5],
		DataRaw:    cols[6],
		EventHash:  cols[7],
	}, nil
}

// ParseLine fully decodes and type-checks a line into an events.Event. It
// does not verify the hash; call hashing.Verify on the result for that.
func ParseLine(line string, lineNo int) (events.Event, error) {
	p, err := ParseLinePartial(line, lineNo)
	if err != nil {
		return events.Event{}, err
	}

	var parents []string
	if p.ParentsRaw != "" {
		if err := json.Unmarshal([]byte(p.ParentsRaw), &parents); err != nil {
			return events.Event{}, &boneserr.InvalidEventLineError{Line: lineNo, Column: 4, Reason: "parents: " + err.Error()}
		}
	}

	data, err := parseData(p.EventType, []byte(p.DataRaw))
	if err != nil {
		return events.Event{}, &boneserr.InvalidEventLineError{Line: lineNo, Column: 7, Reason: "data: " + err.Error()}
	}

	return events.Event{
		WallTSUs:  p.WallTSUs,
		Agent:     p.Agent,
		ITC:       p.ITC,
		Parents:   parents,
		EventType: p.EventType,
		ItemID:    p.ItemID,
		Data:      data,
		EventHash: p.EventHash,
	}, nil
}

func parseData(t events.Type, raw []byte) (events.Data, error) {
	var d events.Data
	switch t {
	case events.TypeCreate:
		v := &events.CreateData{}
		if err := json.Unmarshal(raw, v); err != nil {
			return d, err
		}
		d.Create = v
	case events.TypeUpdate:
		v := &events.UpdateData{}
		if err := json.Unmarshal(raw, v); err != nil {
			return d, err
		}
		d.Update = v
	case events.TypeMove:
		v := &events.MoveData{}
		if err := json.Unmarshal(raw, v); err != nil {
			return d, err
		}
		d.Move = v
	case events.TypeAssign:
		v := &events.AssignData{}
		if err := json.Unmarshal(raw, v); err != nil {
			return d, err
		}
		d.Assign = v
	case events.TypeComment:
		v := &events.CommentData{}
		if err := json.Unmarshal(raw, v); err != nil {
			return d, err
		}
		d.Comment = v
	case events.TypeLink:
		v := &events.LinkData{}
		if err := json.Unmarshal(raw, v); err != nil {
			return d, err
		}
		d.Link = v
	case events.TypeUnlink:
		v := &events.UnlinkData{}
		if err := json.Unmarshal(raw, v); err != nil {
			return d, err
		}
		d.Unlink = v
	case events.TypeDelete:
		v := &events.DeleteData{}
		if err := json.Unmarshal(raw, v); err != nil {
			return d, err
		}
		d.Delete = v
	case events.TypeCompact:
		v := &events.CompactData{}
		if err := json.Unmarshal(raw, v); err != nil {
			return d, err
		}
		d.Compact = v
	case events.TypeSnapshot:
		v := &events.SnapshotData{}
		if err := json.Unmarshal(raw, v); err != nil {
			return d, err
		}
		d.Snapshot = v
	case events.TypeRedact:
		v := &events.RedactData{}
		if err := json.Unmarshal(raw, v); err != nil {
			return d, err
		}
		d.Redact = v
	default:
		return d, fmt.Errorf("unknown event type %q", t)
	}
	return d, nil
}

// ParseLines splits shard content into individual events, skipping
// comment lines ("#..."), blank lines, and a trailing partial line
// (crash truncation — spec §4.5 crash semantics). It tolerates a missing
// trailing newline.
func ParseLines(content []byte, startLineNo int, strict bool) ([]events.Event, error) {
	lines := strings.Split(string(content), "\n")
	var out []events.Event
	for i, raw := range lines {
		lineNo := startLineNo + i
		line := raw
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		cols := strings.Count(line, "\t") + 1
		isLast := i == len(lines)-1
		if cols != numColumns {
			if isLast && !strict {
				// Truncated trailing line from a crash mid-append;
				// discard silently per spec §4.5.
				continue
			}
			return out, &boneserr.InvalidEventLineError{
				Line: lineNo, Column: cols,
				Reason: fmt.Sprintf("expected %d columns, got %d", numColumns, cols),
			}
		}
		e, err := ParseLine(line, lineNo)
		if err != nil {
			if isLast && !strict {
				continue
			}
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ParentsJSON encodes a parents slice to its canonical JSON array form,
// the same bytes that would appear in column 4 of a serialized line.
// Exported for the binary cache, which stores this column as a raw
// length-prefixed blob rather than decoding it into PartialEvent.
func ParentsJSON(parents []string) ([]byte, error) {
	if len(parents) == 0 {
		return nil, nil
	}
	return canonicalJSON(parents)
}

// UnmarshalParents decodes a canonical parents JSON array into dst.
func UnmarshalParents(raw []byte, dst *[]string) error {
	return json.Unmarshal(raw, dst)
}

// DecodeDataColumn decodes a raw data column for event type t into an
// events.Data. Exported for the binary cache.
func DecodeDataColumn(t events.Type, raw []byte) (events.Data, error) {
	return parseData(t, raw)
}

// SortKeys is exported for callers (the binary cache) that need the same
// stable key order canonicalJSON would have produced, without paying for
// a full round-trip.
func SortKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
