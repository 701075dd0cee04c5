package undo

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/untoldecay/bones/internal/boneserr"
	"github.com/untoldecay/bones/internal/events"
)

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return json.RawMessage(b)
}

func TestCompensate_Create(t *testing.T) {
	original := events.Event{EventHash: "blake3:c1", ItemID: "bn-a", EventType: events.TypeCreate}
	comp, err := Compensate(original, nil, "agent", 100)
	if err != nil {
		t.Fatalf("Compensate: %v", err)
	}
	if comp.EventType != events.TypeDelete {
		t.Errorf("EventType = %v, want item.delete", comp.EventType)
	}
	if len(comp.Parents) != 1 || comp.Parents[0] != "blake3:c1" {
		t.Errorf("Parents = %v", comp.Parents)
	}
}

func TestCompensate_Update_FallsBackToCreateValue(t *testing.T) {
	create := events.Event{
		EventHash: "blake3:c1", ItemID: "bn-a", EventType: events.TypeCreate,
		Data: events.Data{Create: &events.CreateData{Title: "original title"}},
	}
	original := events.Event{
		EventHash: "blake3:u1", ItemID: "bn-a", EventType: events.TypeUpdate,
		Data: events.Data{Update: &events.UpdateData{Field: "title", Value: rawString("new title")}},
	}
	comp, err := Compensate(original, []events.Event{create}, "agent", 200)
	if err != nil {
		t.Fatalf("Compensate: %v", err)
	}
	var got string
	if err := json.Unmarshal(comp.Data.Update.Value, &got); err != nil {
		t.Fatal(err)
	}
	if got != "original title" {
		t.Errorf("reversed value = %q, want %q", got, "original title")
	}
}

func TestCompensate_Update_NoPriorState(t *testing.T) {
	original := events.Event{
		EventHash: "blake3:u1", ItemID: "bn-a", EventType: events.TypeUpdate,
		Data: events.Data{Update: &events.UpdateData{Field: "title", Value: rawString("x")}},
	}
	_, err := Compensate(original, nil, "agent", 200)
	if !errors.Is(err, boneserr.ErrNoPriorState) {
		t.Errorf("error = %v, want ErrNoPriorState", err)
	}
}

func TestCompensate_Move_DefaultsToOpen(t *testing.T) {
	original := events.Event{
		EventHash: "blake3:m1", ItemID: "bn-a", EventType: events.TypeMove,
		Data: events.Data{Move: &events.MoveData{State: events.StateDone}},
	}
	comp, err := Compensate(original, nil, "agent", 300)
	if err != nil {
		t.Fatalf("Compensate: %v", err)
	}
	if comp.Data.Move.State != events.StateOpen {
		t.Errorf("reverted state = %v, want open", comp.Data.Move.State)
	}
}

func TestCompensate_Assign_Inverts(t *testing.T) {
	original := events.Event{
		EventHash: "blake3:a1", ItemID: "bn-a", EventType: events.TypeAssign,
		Data: events.Data{Assign: &events.AssignData{Agent: "alice", Action: events.AssignAssign}},
	}
	comp, err := Compensate(original, nil, "agent", 400)
	if err != nil {
		t.Fatalf("Compensate: %v", err)
	}
	if comp.Data.Assign.Action != events.AssignUnassign {
		t.Errorf("Action = %v, want unassign", comp.Data.Assign.Action)
	}
}

func TestCompensate_Link_Unlink_RoundTrip(t *testing.T) {
	link := events.Event{
		EventHash: "blake3:l1", ItemID: "bn-a", EventType: events.TypeLink,
		Data: events.Data{Link: &events.LinkData{Target: "bn-b", LinkType: events.LinkBlocks}},
	}
	comp, err := Compensate(link, nil, "agent", 500)
	if err != nil {
		t.Fatalf("Compensate: %v", err)
	}
	if comp.EventType != events.TypeUnlink || *comp.Data.Unlink.LinkType != events.LinkBlocks {
		t.Errorf("compensating unlink = %+v", comp.Data.Unlink)
	}

	unlink := events.Event{
		EventHash: "blake3:u1", ItemID: "bn-a", EventType: events.TypeUnlink,
		Data: events.Data{Unlink: &events.UnlinkData{Target: "bn-b", LinkType: nil}},
	}
	comp2, err := Compensate(unlink, nil, "agent", 600)
	if err != nil {
		t.Fatalf("Compensate: %v", err)
	}
	if comp2.EventType != events.TypeLink || comp2.Data.Link.LinkType != events.LinkRelatedTo {
		t.Errorf("compensating link = %+v, want default related_to", comp2.Data.Link)
	}
}

func TestCompensate_Delete_ReconstructsFromHistory(t *testing.T) {
	create := events.Event{
		EventHash: "blake3:c1", ItemID: "bn-a", EventType: events.TypeCreate,
		Data: events.Data{Create: &events.CreateData{Title: "original"}},
	}
	update := events.Event{
		EventHash: "blake3:u1", ItemID: "bn-a", EventType: events.TypeUpdate,
		Data: events.Data{Update: &events.UpdateData{Field: "title", Value: rawString("renamed")}},
	}
	del := events.Event{EventHash: "blake3:d1", ItemID: "bn-a", EventType: events.TypeDelete}

	comp, err := Compensate(del, []events.Event{create, update}, "agent", 700)
	if err != nil {
		t.Fatalf("Compensate: %v", err)
	}
	if comp.EventType != events.TypeCreate {
		t.Fatalf("EventType = %v, want item.create", comp.EventType)
	}
	if comp.Data.Create.Title != "renamed" {
		t.Errorf("reconstructed title = %q, want %q", comp.Data.Create.Title, "renamed")
	}
}

func TestCompensate_Delete_NoPriorCreate(t *testing.T) {
	del := events.Event{EventHash: "blake3:d1", ItemID: "bn-a", EventType: events.TypeDelete}
	_, err := Compensate(del, nil, "agent", 800)
	if !errors.Is(err, boneserr.ErrNoPriorState) {
		t.Errorf("error = %v, want ErrNoPriorState", err)
	}
}

func TestCompensate_GrowOnlyRejected(t *testing.T) {
	for _, typ := range []events.Type{events.TypeComment, events.TypeCompact, events.TypeSnapshot, events.TypeRedact} {
		ev := events.Event{EventHash: "blake3:x", ItemID: "bn-a", EventType: typ}
		_, err := Compensate(ev, nil, "agent", 900)
		if !errors.Is(err, boneserr.ErrGrowOnly) {
			t.Errorf("type %s: error = %v, want ErrGrowOnly", typ, err)
		}
	}
}
