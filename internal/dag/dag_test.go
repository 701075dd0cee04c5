package dag

import (
	"testing"

	"github.com/untoldecay/bones/internal/events"
)

func ev(hash string, parents ...string) events.Event {
	return events.Event{
		EventHash: hash,
		Parents:   parents,
		EventType: events.TypeCreate,
		ItemID:    "bn-abc123",
		Data:      events.Data{Create: &events.CreateData{Title: hash, Kind: events.KindTask}},
	}
}

func TestFindLCA(t *testing.T) {
	// a -> b -> c, a -> d -> e : c and e's LCA is a.
	evs := []events.Event{
		ev("a"),
		ev("b", "a"),
		ev("c", "b"),
		ev("d", "a"),
		ev("e", "d"),
	}
	d := Build(evs)

	lca, ok, err := d.FindLCA("c", "e")
	if err != nil {
		t.Fatalf("FindLCA error: %v", err)
	}
	if !ok {
		t.Fatalf("expected a common ancestor")
	}
	if lca != "a" {
		t.Errorf("FindLCA = %q, want %q", lca, "a")
	}
}

func TestFindLCA_NoCommonAncestor(t *testing.T) {
	evs := []events.Event{ev("a"), ev("b")}
	d := Build(evs)
	_, ok, err := d.FindLCA("a", "b")
	if err != nil {
		t.Fatalf("FindLCA error: %v", err)
	}
	if ok {
		t.Errorf("expected no common ancestor")
	}
}

func TestFindLCA_SameTip(t *testing.T) {
	evs := []events.Event{ev("a")}
	d := Build(evs)
	lca, ok, err := d.FindLCA("a", "a")
	if err != nil || !ok || lca != "a" {
		t.Errorf("FindLCA(a, a) = %q, %v, %v", lca, ok, err)
	}
}

func TestReplayDivergent(t *testing.T) {
	evs := []events.Event{
		ev("root"),
		ev("a1", "root"),
		ev("a2", "a1"),
		ev("b1", "root"),
	}
	d := Build(evs)

	r, err := d.ReplayDivergent("a2", "b1")
	if err != nil {
		t.Fatalf("ReplayDivergent error: %v", err)
	}
	if r.LCA != "root" {
		t.Errorf("LCA = %q, want %q", r.LCA, "root")
	}
	if len(r.BranchA) != 2 {
		t.Errorf("len(BranchA) = %d, want 2", len(r.BranchA))
	}
	if len(r.BranchB) != 1 {
		t.Errorf("len(BranchB) = %d, want 1", len(r.BranchB))
	}
	if len(r.Merged) != 3 {
		t.Errorf("len(Merged) = %d, want 3", len(r.Merged))
	}
}

func TestReplayDivergent_SameTip(t *testing.T) {
	evs := []events.Event{ev("root")}
	d := Build(evs)
	r, err := d.ReplayDivergent("root", "root")
	if err != nil {
		t.Fatalf("ReplayDivergent error: %v", err)
	}
	if len(r.Merged) != 0 {
		t.Errorf("expected no merged events for identical tips, got %d", len(r.Merged))
	}
}

func TestReplayDivergentForItem(t *testing.T) {
	other := ev("x-root")
	other.ItemID = "bn-other1"

	evs := []events.Event{
		ev("root"),
		ev("a1", "root"),
		ev("b1", "root"),
		other,
	}
	d := Build(evs)
	r, err := d.ReplayDivergentForItem("a1", "b1", "bn-abc123")
	if err != nil {
		t.Fatalf("ReplayDivergentForItem error: %v", err)
	}
	for _, e := range r.Merged {
		if e.ItemID != "bn-abc123" {
			t.Errorf("unexpected item %q in filtered merge", e.ItemID)
		}
	}
}

func TestChildrenAndParents(t *testing.T) {
	evs := []events.Event{ev("a"), ev("b", "a"), ev("c", "a")}
	d := Build(evs)

	children := d.Children("a")
	if len(children) != 2 {
		t.Errorf("len(Children(a)) = %d, want 2", len(children))
	}
	parents := d.Parents("b")
	if len(parents) != 1 || parents[0] != "a" {
		t.Errorf("Parents(b) = %v, want [a]", parents)
	}
}
