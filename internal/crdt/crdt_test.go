package crdt

import (
	"encoding/json"
	"testing"

	"github.com/untoldecay/bones/internal/events"
)

func createEvent(hash string, ts int64, title string) events.Event {
	return events.Event{
		WallTSUs:  ts,
		Agent:     "alice",
		EventType: events.TypeCreate,
		ItemID:    "bn-abc123",
		EventHash: hash,
		Data: events.Data{Create: &events.CreateData{
			Title: title,
			Kind:  events.KindTask,
		}},
	}
}

func TestApply_CreateSetsFields(t *testing.T) {
	s := New("bn-abc123")
	if err := s.Apply(createEvent("h1", 100, "first title")); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	f := s.ToFields()
	if f.Title != "first title" {
		t.Errorf("Title = %q, want %q", f.Title, "first title")
	}
	if f.State != events.StateOpen {
		t.Errorf("State = %q, want open", f.State)
	}
}

func TestApply_Idempotent(t *testing.T) {
	s := New("bn-abc123")
	e := createEvent("h1", 100, "title")
	if err := s.Apply(e); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := s.Apply(e); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if len(s.comments) != 0 {
		t.Errorf("unexpected comments after duplicate apply")
	}
}

func TestLWW_TieBreakOnHigherHashWhenTimestampsEqual(t *testing.T) {
	s := New("bn-abc123")
	e1 := createEvent("aaa", 100, "from aaa")
	e2 := createEvent("zzz", 100, "from zzz")

	// Apply in reverse order; result must still pick the higher hash.
	if err := s.Apply(e2); err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(e1); err != nil {
		t.Fatal(err)
	}
	if got := s.ToFields().Title; got != "from zzz" {
		t.Errorf("Title = %q, want %q (higher hash wins on tie)", got, "from zzz")
	}
}

func TestMerge_OrderIndependent(t *testing.T) {
	a := createEvent("a", 100, "title a")
	b := createEvent("b", 200, "title b")

	s1 := New("bn-abc123")
	_ = s1.Merge([]events.Event{a, b})

	s2 := New("bn-abc123")
	_ = s2.Merge([]events.Event{b, a})

	if s1.ToFields().Title != s2.ToFields().Title {
		t.Errorf("merge is not order-independent: %q vs %q", s1.ToFields().Title, s2.ToFields().Title)
	}
	if s1.ToFields().Title != "title b" {
		t.Errorf("Title = %q, want %q", s1.ToFields().Title, "title b")
	}
}

func TestORSet_AddWins(t *testing.T) {
	s := New("bn-abc123")
	_ = s.Apply(createEvent("h1", 100, "t"))

	titleUpdate := events.Event{
		WallTSUs: 200, Agent: "alice", EventType: events.TypeUpdate,
		ItemID: "bn-abc123", EventHash: "h2",
		Data: events.Data{Update: &events.UpdateData{Field: "title", Value: json.RawMessage(`"t2"`)}},
	}
	_ = s.Apply(titleUpdate)

	assign := events.Event{
		WallTSUs: 150, Agent: "bob", EventType: events.TypeAssign,
		ItemID: "bn-abc123", EventHash: "h3",
		Data: events.Data{Assign: &events.AssignData{Agent: "bob", Action: events.AssignAssign}},
	}
	unassign := events.Event{
		WallTSUs: 140, Agent: "bob", EventType: events.TypeAssign,
		ItemID: "bn-abc123", EventHash: "h0",
		Data: events.Data{Assign: &events.AssignData{Agent: "bob", Action: events.AssignUnassign}},
	}

	// Unassign observed before assign (causally or not) — add-wins means a
	// later add always revives regardless of delivery order.
	_ = s.Apply(unassign)
	_ = s.Apply(assign)

	f := s.ToFields()
	found := false
	for _, a := range f.Assignees {
		if a == "bob" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected bob to be assigned, got %v", f.Assignees)
	}
}

func TestApply_WrongItemIgnored(t *testing.T) {
	s := New("bn-abc123")
	other := createEvent("h1", 100, "title")
	other.ItemID = "bn-other1"
	if err := s.Apply(other); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if s.ToFields().Title != "" {
		t.Errorf("expected no mutation for a different item")
	}
}

func TestDelete_SetsDeletedFlag(t *testing.T) {
	s := New("bn-abc123")
	_ = s.Apply(createEvent("h1", 100, "title"))
	del := events.Event{
		WallTSUs: 200, Agent: "alice", EventType: events.TypeDelete,
		ItemID: "bn-abc123", EventHash: "h2",
		Data: events.Data{Delete: &events.DeleteData{Reason: "duplicate"}},
	}
	if err := s.Apply(del); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	f := s.ToFields()
	if !f.Deleted || f.DeleteReason != "duplicate" {
		t.Errorf("delete not applied: %+v", f)
	}
}

func TestCreatedAndUpdatedAtUs(t *testing.T) {
	s := New("bn-abc123")
	_ = s.Apply(createEvent("h1", 1000, "title"))
	move := events.Event{
		WallTSUs: 2000, Agent: "alice", EventType: events.TypeMove,
		ItemID: "bn-abc123", EventHash: "h2",
		Data: events.Data{Move: &events.MoveData{State: events.StateDoing}},
	}
	_ = s.Apply(move)
	done := events.Event{
		WallTSUs: 3000, Agent: "alice", EventType: events.TypeMove,
		ItemID: "bn-abc123", EventHash: "h3",
		Data: events.Data{Move: &events.MoveData{State: events.StateDone}},
	}
	_ = s.Apply(done)

	f := s.ToFields()
	if f.CreatedAtUs != 1000 {
		t.Errorf("CreatedAtUs = %d, want 1000", f.CreatedAtUs)
	}
	if f.UpdatedAtUs != 3000 {
		t.Errorf("UpdatedAtUs = %d, want 3000", f.UpdatedAtUs)
	}
}

func TestApplyFieldUpdate_LabelsReplacesSet(t *testing.T) {
	s := New("bn-abc123")
	create := createEvent("h1", 100, "title")
	create.Data.Create.Labels = []string{"a", "b"}
	_ = s.Apply(create)

	update := events.Event{
		WallTSUs: 200, Agent: "alice", EventType: events.TypeUpdate,
		ItemID: "bn-abc123", EventHash: "h2",
		Data: events.Data{Update: &events.UpdateData{Field: "labels", Value: json.RawMessage(`["b","c"]`)}},
	}
	if err := s.Apply(update); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	f := s.ToFields()
	want := map[string]bool{"b": true, "c": true}
	if len(f.Labels) != len(want) {
		t.Fatalf("Labels = %v, want %v", f.Labels, want)
	}
	for _, l := range f.Labels {
		if !want[l] {
			t.Errorf("unexpected label %q", l)
		}
	}
	if ts := f.LabelCreatedAtUs["c"]; ts != 200 {
		t.Errorf("LabelCreatedAtUs[c] = %d, want 200", ts)
	}
}

func TestApplyFieldUpdate_AssigneesReplacesSet(t *testing.T) {
	s := New("bn-abc123")
	_ = s.Apply(createEvent("h1", 100, "title"))
	assign := events.Event{
		WallTSUs: 150, Agent: "alice", EventType: events.TypeAssign,
		ItemID: "bn-abc123", EventHash: "h2",
		Data: events.Data{Assign: &events.AssignData{Agent: "alice", Action: events.AssignAssign}},
	}
	_ = s.Apply(assign)

	update := events.Event{
		WallTSUs: 200, Agent: "alice", EventType: events.TypeUpdate,
		ItemID: "bn-abc123", EventHash: "h3",
		Data: events.Data{Update: &events.UpdateData{Field: "assignees", Value: json.RawMessage(`["bob"]`)}},
	}
	if err := s.Apply(update); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	f := s.ToFields()
	if len(f.Assignees) != 1 || f.Assignees[0] != "bob" {
		t.Errorf("Assignees = %v, want [bob]", f.Assignees)
	}
}

func TestBuildAll_GroupsByItem(t *testing.T) {
	a := createEvent("a", 100, "title a")
	b := createEvent("b", 200, "title b")
	b.ItemID = "bn-other1"

	states := BuildAll([]events.Event{a, b})
	if len(states) != 2 {
		t.Fatalf("len(states) = %d, want 2", len(states))
	}
	if states["bn-abc123"].ToFields().Title != "title a" {
		t.Errorf("unexpected state for bn-abc123")
	}
}
