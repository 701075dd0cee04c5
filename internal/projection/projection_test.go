package projection

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/untoldecay/bones/internal/boneserr"
	"github.com/untoldecay/bones/internal/crdt"
	"github.com/untoldecay/bones/internal/events"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "projection.db")
	db, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func buildState(t *testing.T, evs ...events.Event) *crdt.WorkItemState {
	t.Helper()
	states := crdt.BuildAll(evs)
	for _, st := range states {
		return st
	}
	t.Fatal("no state built")
	return nil
}

func seedItem(t *testing.T, db *DB, id, title string) {
	t.Helper()
	ev := events.Event{
		EventHash: "blake3:" + id, ItemID: id, EventType: events.TypeCreate, WallTSUs: 1,
		Data: events.Data{Create: &events.CreateData{Title: title, Kind: events.KindTask}},
	}
	st := buildState(t, ev)
	if err := db.ApplyOne(context.Background(), st); err != nil {
		t.Fatalf("ApplyOne: %v", err)
	}
}

func TestRebuild_PopulatesItemsAndWatermark(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	create := events.Event{
		EventHash: "blake3:c1", ItemID: "bn-a", EventType: events.TypeCreate, WallTSUs: 1,
		Data: events.Data{Create: &events.CreateData{Title: "first", Kind: events.KindTask, Labels: []string{"x"}}},
	}
	states := crdt.BuildAll([]events.Event{create})
	if err := db.Rebuild(ctx, states, create.EventHash); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	resolved, err := db.Resolve(ctx, "a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != "bn-a" {
		t.Errorf("Resolve = %q, want bn-a", resolved)
	}

	hash, err := db.HighestHash(ctx)
	if err != nil {
		t.Fatalf("HighestHash: %v", err)
	}
	if hash != "blake3:c1" {
		t.Errorf("HighestHash = %q, want blake3:c1", hash)
	}
}

func TestRebuild_TracksCreatedAndUpdatedAtUs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	create := events.Event{
		EventHash: "blake3:c1", ItemID: "bn-ts", EventType: events.TypeCreate, WallTSUs: 1000,
		Data: events.Data{Create: &events.CreateData{Title: "x", Kind: events.KindTask}},
	}
	move := events.Event{
		EventHash: "blake3:m1", ItemID: "bn-ts", EventType: events.TypeMove, WallTSUs: 2000,
		Data: events.Data{Move: &events.MoveData{State: events.StateDoing}},
	}
	done := events.Event{
		EventHash: "blake3:m2", ItemID: "bn-ts", EventType: events.TypeMove, WallTSUs: 3000,
		Data: events.Data{Move: &events.MoveData{State: events.StateDone}},
	}
	states := crdt.BuildAll([]events.Event{create, move, done})
	if err := db.Rebuild(ctx, states, "blake3:m2"); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	var createdAtUs, updatedAtUs int64
	row := db.conn.QueryRowContext(ctx, `SELECT created_at_us, updated_at_us FROM items WHERE id = ?`, "bn-ts")
	if err := row.Scan(&createdAtUs, &updatedAtUs); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if createdAtUs != 1000 {
		t.Errorf("created_at_us = %d, want 1000", createdAtUs)
	}
	if updatedAtUs != 3000 {
		t.Errorf("updated_at_us = %d, want 3000", updatedAtUs)
	}
}

func TestApplyOne_RecordsLabelCreatedAtUs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	create := events.Event{
		EventHash: "blake3:c1", ItemID: "bn-lbl", EventType: events.TypeCreate, WallTSUs: 500,
		Data: events.Data{Create: &events.CreateData{Title: "x", Kind: events.KindTask, Labels: []string{"urgent"}}},
	}
	st := buildState(t, create)
	if err := db.ApplyOne(ctx, st); err != nil {
		t.Fatalf("ApplyOne: %v", err)
	}

	var ts int64
	row := db.conn.QueryRowContext(ctx, `SELECT created_at_us FROM item_labels WHERE item_id = ? AND label = ?`, "bn-lbl", "urgent")
	if err := row.Scan(&ts); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if ts != 500 {
		t.Errorf("item_labels.created_at_us = %d, want 500", ts)
	}
}

func TestResolve_ExactMatch(t *testing.T) {
	db := openTestDB(t)
	seedItem(t, db, "bn-abc123", "x")
	got, err := db.Resolve(context.Background(), "bn-abc123")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "bn-abc123" {
		t.Errorf("Resolve = %q, want bn-abc123", got)
	}
}

func TestResolve_BareSuffixGetsBnPrefix(t *testing.T) {
	db := openTestDB(t)
	seedItem(t, db, "bn-xyz999", "x")
	got, err := db.Resolve(context.Background(), "xyz999")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "bn-xyz999" {
		t.Errorf("Resolve = %q, want bn-xyz999", got)
	}
}

func TestResolve_PrefixMatch(t *testing.T) {
	db := openTestDB(t)
	seedItem(t, db, "bn-prefix01", "x")
	got, err := db.Resolve(context.Background(), "bn-prefix")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "bn-prefix01" {
		t.Errorf("Resolve = %q, want bn-prefix01", got)
	}
}

func TestResolve_AmbiguousPrefix(t *testing.T) {
	db := openTestDB(t)
	seedItem(t, db, "bn-dup001", "x")
	seedItem(t, db, "bn-dup002", "y")
	_, err := db.Resolve(context.Background(), "bn-dup")
	if !errors.Is(err, boneserr.ErrAmbiguousID) {
		t.Errorf("error = %v, want ErrAmbiguousID", err)
	}
}

func TestResolve_NotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Resolve(context.Background(), "nope")
	if !errors.Is(err, boneserr.ErrEventNotFound) {
		t.Errorf("error = %v, want ErrEventNotFound", err)
	}
}

func TestChildrenAndDependents(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	parent := events.Event{
		EventHash: "blake3:p1", ItemID: "bn-goal", EventType: events.TypeCreate, WallTSUs: 1,
		Data: events.Data{Create: &events.CreateData{Title: "goal", Kind: events.KindGoal}},
	}
	child := events.Event{
		EventHash: "blake3:c1", ItemID: "bn-child", EventType: events.TypeCreate, WallTSUs: 2,
		Data: events.Data{Create: &events.CreateData{Title: "child", Kind: events.KindTask, Parent: "bn-goal"}},
	}
	blocker := events.Event{
		EventHash: "blake3:b1", ItemID: "bn-blocker", EventType: events.TypeCreate, WallTSUs: 3,
		Data: events.Data{Create: &events.CreateData{Title: "blocker", Kind: events.KindTask}},
	}
	link := events.Event{
		EventHash: "blake3:l1", ItemID: "bn-blocker", EventType: events.TypeLink, WallTSUs: 4, Parents: []string{"blake3:b1"},
		Data: events.Data{Link: &events.LinkData{Target: "bn-child", LinkType: events.LinkBlockedBy}},
	}

	states := crdt.BuildAll([]events.Event{parent, child, blocker, link})
	if err := db.Rebuild(ctx, states, "blake3:l1"); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	children, err := db.Children(ctx, "bn-goal")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 1 || children[0] != "bn-child" {
		t.Errorf("Children = %v, want [bn-child]", children)
	}

	dependents, err := db.Dependents(ctx, "bn-child", events.LinkBlockedBy)
	if err != nil {
		t.Fatalf("Dependents: %v", err)
	}
	if len(dependents) != 1 || dependents[0] != "bn-blocker" {
		t.Errorf("Dependents = %v, want [bn-blocker]", dependents)
	}
}

func TestSearch_MatchesTitle(t *testing.T) {
	db := openTestDB(t)
	seedItem(t, db, "bn-search1", "a very unique searchable title")
	results, err := db.Search(context.Background(), "searchable")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	found := false
	for _, id := range results {
		if id == "bn-search1" {
			found = true
		}
	}
	if !found {
		t.Errorf("Search results = %v, want bn-search1 present", results)
	}
}

func TestApplyOne_IsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ev := events.Event{
		EventHash: "blake3:i1", ItemID: "bn-idem", EventType: events.TypeCreate, WallTSUs: 1,
		Data: events.Data{Create: &events.CreateData{Title: "once", Kind: events.KindTask, Labels: []string{"a", "b"}}},
	}
	st := buildState(t, ev)
	if err := db.ApplyOne(ctx, st); err != nil {
		t.Fatalf("first ApplyOne: %v", err)
	}
	if err := db.ApplyOne(ctx, st); err != nil {
		t.Fatalf("second ApplyOne: %v", err)
	}

	children, err := db.Children(ctx, "")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	_ = children
}
