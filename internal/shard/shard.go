// Package shard implements the monthly-sharded, append-only event log
// (spec §3.6, §4.5).
//
// The append path follows the teacher's interactions-log writer
// (internal/audit/audit.go Append: O_APPEND|O_CREATE, bufio, explicit
// flush) generalized with the per-shard advisory lock the teacher uses
// for its own JSONL sync file (cmd/bd/sync.go, github.com/gofrs/flock)
// so concurrent processes never interleave partial lines.
package shard

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/untoldecay/bones/internal/boneserr"
)

var shardFileName = regexp.MustCompile(`^(\d{4})-(\d{2})\.events$`)

// Manager owns the event shard directory and the monotonic timestamp
// source shared by every Append call in this process.
type Manager struct {
	dir string

	mu       sync.Mutex
	lastTSUs int64
}

// New returns a Manager rooted at dir, creating dir if it does not exist.
func New(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("shard: create events dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// Dir returns the events directory.
func (m *Manager) Dir() string { return m.dir }

// shardName returns "YYYY-MM.events" for the given year/month.
func shardName(year int, month time.Month) string {
	return fmt.Sprintf("%04d-%02d.events", year, int(month))
}

func (m *Manager) shardPath(year int, month time.Month) string {
	return filepath.Join(m.dir, shardName(year, month))
}

// ActiveShard returns the path to the shard for the current wall-clock
// month, creating it with its header if it does not yet exist.
func (m *Manager) ActiveShard() (string, error) {
	now := time.Now().UTC()
	return m.ensureShard(now.Year(), now.Month())
}

func (m *Manager) ensureShard(year int, month time.Month) (string, error) {
	path := m.shardPath(year, month)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("shard: stat %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644) //nolint:gosec // shard files are meant to be portable across clones
	if err != nil {
		if os.IsExist(err) {
			return path, nil
		}
		return "", fmt.Errorf("shard: create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(header()); err != nil {
		return "", fmt.Errorf("shard: write header for %s: %w", path, err)
	}
	return path, nil
}

func header() string {
	return "# bones-shard v1\n"
}

// NextTimestamp returns a microsecond timestamp strictly greater than
// both the current wall clock and the previously returned timestamp.
// Collisions (two calls within the same microsecond, or a clock that
// moved backward) advance by one microsecond rather than blocking.
func (m *Manager) NextTimestamp() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UnixMicro()
	if now <= m.lastTSUs {
		now = m.lastTSUs + 1
	}
	m.lastTSUs = now
	return now
}

// Append writes line (without a trailing newline) to the active shard.
// The append is atomic with respect to concurrent readers: it acquires a
// per-shard advisory lock, writes the line plus a single newline in one
// syscall-level buffered flush, fsyncs when forceFlush is set, and
// releases the lock on every exit path. Returns boneserr.ErrTimeout if
// deadline elapses before the lock is acquired.
func (m *Manager) Append(ctx context.Context, line string, forceFlush bool, deadline time.Time) error {
	path, err := m.ActiveShard()
	if err != nil {
		return err
	}
	return m.appendTo(ctx, path, line, forceFlush, deadline)
}

// AppendRaw targets a specific shard by year/month, for importers
// replaying historical data (spec §4.5).
func (m *Manager) AppendRaw(year int, month time.Month, line string) error {
	path, err := m.ensureShard(year, month)
	if err != nil {
		return err
	}
	return m.appendTo(context.Background(), path, line, false, time.Time{})
}

func (m *Manager) appendTo(ctx context.Context, path, line string, forceFlush bool, deadline time.Time) error {
	lock := flock.New(path + ".lock")

	locked, err := tryLockUntil(ctx, lock, deadline)
	if err != nil {
		return err
	}
	if !locked {
		return boneserr.ErrTimeout
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // shard files are meant to be portable across clones
	if err != nil {
		return fmt.Errorf("shard: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	bw := bufio.NewWriter(f)
	if _, err := bw.WriteString(line); err != nil {
		return fmt.Errorf("shard: write line: %w", err)
	}
	if _, err := bw.WriteString("\n"); err != nil {
		return fmt.Errorf("shard: write newline: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("shard: flush: %w", err)
	}
	if forceFlush {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("shard: fsync: %w", err)
		}
	}
	return nil
}

func tryLockUntil(ctx context.Context, lock *flock.Flock, deadline time.Time) (bool, error) {
	if deadline.IsZero() {
		return lock.TryLock()
	}
	for {
		locked, err := lock.TryLock()
		if err != nil {
			return false, fmt.Errorf("shard: acquire lock: %w", err)
		}
		if locked {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// ShardRef identifies one shard file by its year/month.
type ShardRef struct {
	Year  int
	Month time.Month
}

func (s ShardRef) Name() string { return shardName(s.Year, s.Month) }

// ListShards returns every "YYYY-MM.events" file in the directory,
// ordered chronologically.
func (m *Manager) ListShards() ([]ShardRef, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("shard: read dir %s: %w", m.dir, err)
	}
	var refs []ShardRef
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		match := shardFileName.FindStringSubmatch(ent.Name())
		if match == nil {
			continue
		}
		year, _ := strconv.Atoi(match[1])
		month, _ := strconv.Atoi(match[2])
		refs = append(refs, ShardRef{Year: year, Month: time.Month(month)})
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Year != refs[j].Year {
			return refs[i].Year < refs[j].Year
		}
		return refs[i].Month < refs[j].Month
	})
	return refs, nil
}

// ReadShard returns the raw content of one shard, or ("", nil) if it does
// not exist.
func (m *Manager) ReadShard(year int, month time.Month) ([]byte, error) {
	path := m.shardPath(year, month)
	b, err := os.ReadFile(path) //nolint:gosec // path is built from a validated YYYY-MM pair
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("shard: read %s: %w", path, err)
	}
	return b, nil
}

// Replay returns the concatenated content of all shards in chronological
// (year, month, append order) order. A newline is appended after any
// shard whose content does not already end in one, so line-oriented
// parsers never fuse the last line of one shard with the first of the
// next.
func (m *Manager) Replay() ([]byte, error) {
	refs, err := m.ListShards()
	if err != nil {
		return nil, err
	}
	var out strings.Builder
	for _, ref := range refs {
		b, err := m.ReadShard(ref.Year, ref.Month)
		if err != nil {
			return nil, err
		}
		out.Write(b)
		if len(b) > 0 && !strings.HasSuffix(string(b), "\n") {
			out.WriteString("\n")
		}
	}
	return []byte(out.String()), nil
}
