// Package cache implements the binary columnar event cache (spec §3.7,
// §4.8): a single events.bin file that lets a process skip re-parsing
// and re-sorting every shard on every startup, refreshed only when the
// shard directory's fingerprint changes.
//
// The fingerprint-gated rebuild mirrors the teacher's dirty-tracking
// idiom in internal/storage/sqlite/dirty_helpers.go (a cheap metadata
// probe decides whether the expensive rebuild runs), and the binary
// layout — fixed header, column sections, CRC trailer — follows the
// shape of the teacher's own compact snapshot format
// (internal/storage/sqlite/compact.go) generalized from "one JSON blob"
// to "one section per column" so a reader can skip columns it doesn't
// need.
package cache

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc64"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/untoldecay/bones/internal/boneserr"
	"github.com/untoldecay/bones/internal/events"
	"github.com/untoldecay/bones/internal/serialize"
	"github.com/untoldecay/bones/internal/shard"
)

const (
	magic         = "BNCH"
	formatVersion = 1
	headerSize    = 32
)

var crcTable = crc64.MakeTable(crc64.ISO)

// Fingerprint is a cheap, collision-resistant summary of shard directory
// state used to decide whether the cache is stale (spec §4.8): a single
// CRC-64 digest folded over every shard file's (name, size, mtime).
type Fingerprint struct {
	CreatedAtUs int64
	Digest      uint64
}

// ComputeFingerprint builds a Fingerprint from the shard directory's
// current metadata. It never reads shard contents.
func ComputeFingerprint(shardDir string) (Fingerprint, error) {
	entries, err := os.ReadDir(shardDir)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("cache: read shard dir: %w", err)
	}
	type entry struct {
		name  string
		size  int64
		mtime int64
	}
	var items []entry
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".events" {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			return Fingerprint{}, fmt.Errorf("cache: stat %s: %w", ent.Name(), err)
		}
		items = append(items, entry{name: ent.Name(), size: info.Size(), mtime: info.ModTime().UnixNano()})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].name < items[j].name })

	var buf bytes.Buffer
	for _, e := range items {
		fmt.Fprintf(&buf, "%s\x00%d\x00%d\x00", e.name, e.size, e.mtime)
	}
	return Fingerprint{Digest: crc64.Checksum(buf.Bytes(), crcTable)}, nil
}

func (fp Fingerprint) hash() uint64 { return fp.Digest }

// Equal reports whether two fingerprints describe the same shard
// directory state.
func (fp Fingerprint) Equal(other Fingerprint) bool {
	return fp.Digest == other.Digest
}

// Manager owns one cache file alongside a shard.Manager.
type Manager struct {
	path    string
	shards  *shard.Manager
	disabled bool
}

// New returns a cache Manager writing to path (typically
// ".bones/cache/events.bin"). If disabled is true, Load always falls
// back to a full shard replay and Rebuild is a no-op, per
// SPEC_FULL.md §10.1's cache.disabled config flag.
func New(path string, shards *shard.Manager, disabled bool) *Manager {
	return &Manager{path: path, shards: shards, disabled: disabled}
}

// Load returns the full event set, using the cache when it is fresh and
// falling back to (and then re-encoding from) a full shard replay
// otherwise — the "4-step fallback" of spec §4.8: fingerprint compare,
// decode-on-hit, shard-replay-on-miss, best-effort re-encode.
func (m *Manager) Load() ([]events.Event, error) {
	currentFP, err := ComputeFingerprint(m.shards.Dir())
	if err != nil {
		return nil, err
	}

	if !m.disabled {
		evs, ok, err := m.tryLoadCached(currentFP)
		if err == nil && ok {
			return evs, nil
		}
		if err != nil {
			slog.Warn("cache: unreadable cache file, replaying shards", "path", m.path, "err", err)
		}
	}

	content, err := m.shards.Replay()
	if err != nil {
		return nil, err
	}
	evs, err := serialize.ParseLines(content, 1, false)
	if err != nil {
		return nil, err
	}

	if !m.disabled {
		// best-effort; a write failure must not block Load
		if err := m.rebuildFrom(evs, currentFP); err != nil {
			slog.Warn("cache: rebuild failed", "path", m.path, "err", err)
		}
	}
	return evs, nil
}

func (m *Manager) tryLoadCached(currentFP Fingerprint) ([]events.Event, bool, error) {
	f, err := os.Open(m.path) //nolint:gosec // path is the manager's own fixed cache file
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	storedFP, evs, err := decode(f)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", boneserr.ErrCacheCorrupted, err)
	}
	if !storedFP.Equal(currentFP) {
		return nil, false, nil
	}
	return evs, true, nil
}

// Rebuild forces a fresh encode of evs to disk regardless of cache
// staleness, used after a bulk import.
func (m *Manager) Rebuild(evs []events.Event) error {
	if m.disabled {
		return nil
	}
	fp, err := ComputeFingerprint(m.shards.Dir())
	if err != nil {
		return err
	}
	return m.rebuildFrom(evs, fp)
}

func (m *Manager) rebuildFrom(evs []events.Event, fp Fingerprint) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o750); err != nil {
		return fmt.Errorf("cache: create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".events-*.bin.tmp")
	if err != nil {
		return fmt.Errorf("cache: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	bw := bufio.NewWriter(tmp)
	if err := encode(bw, evs, fp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("cache: encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, m.path)
}

// --- binary encoding ---
//
// Layout: [32-byte header][8 length-prefixed column sections][8-byte CRC-64].
// Columns, in order: wall_ts_us (delta varint), agent (dict-interned
// string), event_type (1-byte enum), item_id (dict-interned string),
// parents (length-prefixed raw JSON), itc (dict-interned string), data
// (length-prefixed canonical JSON), event_hash (dict-interned string).
// The header's column count records the seven event columns; the
// event_hash section is not counted there.

func dataColumnJSON(e events.Event) ([]byte, error) {
	return serialize.DataColumn(e.EventType, e.Data)
}

func encode(w io.Writer, evs []events.Event, fp Fingerprint) error {
	var body bytes.Buffer

	writeDelta(&body, evs)
	dict := writeDict(&body, evs, func(e events.Event) string { return e.Agent })
	writeEnumColumn(&body, evs)
	itemDict := writeDict(&body, evs, func(e events.Event) string { return e.ItemID })
	writeRawColumn(&body, evs, func(e events.Event) ([]byte, error) {
		return serialize.ParentsJSON(e.Parents)
	})
	itcDict := writeDict(&body, evs, func(e events.Event) string { return e.ITC })
	if err := writeDataColumn(&body, evs); err != nil {
		return err
	}
	_ = dict
	_ = itemDict
	_ = itcDict
	writeHashColumn(&body, evs)

	var hdr [headerSize]byte
	copy(hdr[0:4], magic)
	binary.LittleEndian.PutUint32(hdr[4:8], formatVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], 7) // column count
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(evs)))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(fp.CreatedAtUs))
	binary.LittleEndian.PutUint64(hdr[24:32], fp.hash())

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return err
	}
	crc := crc64.Checksum(body.Bytes(), crcTable)
	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], crc)
	_, err := w.Write(trailer[:])
	return err
}

func decode(r io.Reader) (Fingerprint, []events.Event, error) {
	all, err := io.ReadAll(r)
	if err != nil {
		return Fingerprint{}, nil, err
	}
	if len(all) < headerSize+8 {
		return Fingerprint{}, nil, fmt.Errorf("truncated cache file")
	}
	hdr := all[:headerSize]
	if string(hdr[0:4]) != magic {
		return Fingerprint{}, nil, fmt.Errorf("bad magic")
	}
	version := binary.LittleEndian.Uint32(hdr[4:8])
	if version != formatVersion {
		return Fingerprint{}, nil, fmt.Errorf("%w: %d", boneserr.ErrUnsupportedCacheVersion, version)
	}
	rowCount := binary.LittleEndian.Uint32(hdr[12:16])
	createdAtUs := int64(binary.LittleEndian.Uint64(hdr[16:24]))
	storedHash := binary.LittleEndian.Uint64(hdr[24:32])

	body := all[headerSize : len(all)-8]
	trailer := all[len(all)-8:]
	gotCRC := binary.LittleEndian.Uint64(trailer)
	if crc64.Checksum(body, crcTable) != gotCRC {
		return Fingerprint{}, nil, fmt.Errorf("crc mismatch")
	}

	br := bytes.NewReader(body)
	tsUs, err := readDelta(br, int(rowCount))
	if err != nil {
		return Fingerprint{}, nil, err
	}
	agents, err := readDict(br, int(rowCount))
	if err != nil {
		return Fingerprint{}, nil, err
	}
	types, err := readEnumColumn(br, int(rowCount))
	if err != nil {
		return Fingerprint{}, nil, err
	}
	itemIDs, err := readDict(br, int(rowCount))
	if err != nil {
		return Fingerprint{}, nil, err
	}
	parentsRaw, err := readRawColumn(br, int(rowCount))
	if err != nil {
		return Fingerprint{}, nil, err
	}
	itcs, err := readDict(br, int(rowCount))
	if err != nil {
		return Fingerprint{}, nil, err
	}
	dataRaw, err := readRawColumn(br, int(rowCount))
	if err != nil {
		return Fingerprint{}, nil, err
	}
	hashes, err := readDict(br, int(rowCount))
	if err != nil {
		return Fingerprint{}, nil, err
	}

	evs := make([]events.Event, rowCount)
	for i := range evs {
		var parents []string
		if len(parentsRaw[i]) > 0 {
			if err := serialize.UnmarshalParents(parentsRaw[i], &parents); err != nil {
				return Fingerprint{}, nil, err
			}
		}
		t := events.Type(types[i])
		data, err := serialize.DecodeDataColumn(t, dataRaw[i])
		if err != nil {
			return Fingerprint{}, nil, err
		}
		evs[i] = events.Event{
			WallTSUs:  tsUs[i],
			Agent:     agents[i],
			ITC:       itcs[i],
			Parents:   parents,
			EventType: t,
			ItemID:    itemIDs[i],
			Data:      data,
			EventHash: hashes[i],
		}
	}

	fp := Fingerprint{CreatedAtUs: createdAtUs, Digest: storedHash}
	return fp, evs, nil
}
