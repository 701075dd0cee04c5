package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/untoldecay/bones/internal/events"
	"github.com/untoldecay/bones/internal/serialize"
	"github.com/untoldecay/bones/internal/shard"
)

func seedShard(t *testing.T, shards *shard.Manager, n int) []events.Event {
	t.Helper()
	var evs []events.Event
	for i := 0; i < n; i++ {
		ev := events.Event{
			WallTSUs:  shards.NextTimestamp(),
			Agent:     "agent",
			EventType: events.TypeCreate,
			ItemID:    "bn-a",
			Data:      events.Data{Create: &events.CreateData{Title: "t"}},
			EventHash: "blake3:" + string(rune('a'+i)),
		}
		line, err := serialize.WriteLine(ev, ev.EventHash)
		if err != nil {
			t.Fatalf("WriteLine: %v", err)
		}
		if err := shards.Append(context.Background(), line, true, time.Now().Add(time.Second)); err != nil {
			t.Fatalf("Append: %v", err)
		}
		evs = append(evs, ev)
	}
	return evs
}

func TestFingerprint_ChangesWithShardContent(t *testing.T) {
	dir := t.TempDir()
	shards, err := shard.New(dir)
	if err != nil {
		t.Fatal(err)
	}

	fp1, err := ComputeFingerprint(dir)
	if err != nil {
		t.Fatal(err)
	}
	seedShard(t, shards, 1)
	fp2, err := ComputeFingerprint(dir)
	if err != nil {
		t.Fatal(err)
	}
	if fp1.Equal(fp2) {
		t.Error("expected fingerprint to change after an append")
	}
}

func TestManager_LoadRebuildRoundTrip(t *testing.T) {
	dir := t.TempDir()
	shards, err := shard.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	seeded := seedShard(t, shards, 3)

	cachePath := filepath.Join(t.TempDir(), "events.bin")
	mgr := New(cachePath, shards, false)

	evs, err := mgr.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(evs) != len(seeded) {
		t.Fatalf("Load returned %d events, want %d", len(evs), len(seeded))
	}

	evs2, err := mgr.Load()
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if len(evs2) != len(seeded) {
		t.Fatalf("cached Load returned %d events, want %d", len(evs2), len(seeded))
	}
	for i := range seeded {
		if evs2[i].EventHash != seeded[i].EventHash {
			t.Errorf("event %d hash = %q, want %q", i, evs2[i].EventHash, seeded[i].EventHash)
		}
	}
}

func TestManager_Disabled(t *testing.T) {
	dir := t.TempDir()
	shards, err := shard.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	seedShard(t, shards, 2)

	cachePath := filepath.Join(t.TempDir(), "events.bin")
	mgr := New(cachePath, shards, true)

	evs, err := mgr.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2", len(evs))
	}
	if err := mgr.Rebuild(evs); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if _, err := os.Stat(cachePath); err == nil {
		t.Error("expected no cache file to be written while disabled")
	}
}

func TestManager_StaleCacheFallsBackToReplay(t *testing.T) {
	dir := t.TempDir()
	shards, err := shard.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	seeded := seedShard(t, shards, 1)

	cachePath := filepath.Join(t.TempDir(), "events.bin")
	mgr := New(cachePath, shards, false)
	if _, err := mgr.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	more := seedShard(t, shards, 2)
	evs, err := mgr.Load()
	if err != nil {
		t.Fatalf("Load after append: %v", err)
	}
	if len(evs) != len(seeded)+len(more) {
		t.Errorf("got %d events after stale reload, want %d", len(evs), len(seeded)+len(more))
	}
}

func TestWatchDir_DebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	fired := make(chan struct{}, 1)
	w, err := WatchDir(dir, 30*time.Millisecond, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("WatchDir: %v", err)
	}
	defer func() { _ = w.Close() }()

	shards, err := shard.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	seedShard(t, shards, 1)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("expected onChange to fire after a shard write")
	}
}
