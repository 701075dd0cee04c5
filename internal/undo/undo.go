// Package undo generates compensating events that reverse the observable
// effect of a prior event without mutating or deleting history (spec
// §4.11).
//
// This is a direct structural port of
// original_source/crates/bones-core/src/undo.rs's compensating_event, the
// type-to-type reversal table in its module doc, and its two history
// scanners (find_previous_state, find_previous_field_value) plus the
// delete-reconstruction helper (build_create_from_history). There is no
// teacher analogue for compensating events; the doc-comment density and
// the small sentinel-error-heavy API are carried over from the
// teacher's general package style (internal/validation) rather than
// from any specific undo-shaped file.
package undo

import (
	"encoding/json"
	"fmt"

	"github.com/untoldecay/bones/internal/boneserr"
	"github.com/untoldecay/bones/internal/events"
)

// Compensate returns a compensating event that reverses original's
// effect. priorEvents must be every event for the same item that
// occurred strictly before original, in ascending chronological order.
// The returned event's EventHash is empty; callers must seal it (e.g.
// via hashing.Seal) before appending it to the shard.
func Compensate(original events.Event, priorEvents []events.Event, agent string, now int64) (events.Event, error) {
	base := events.Event{
		WallTSUs: now,
		Agent:    agent,
		Parents:  []string{original.EventHash},
		ItemID:   original.ItemID,
	}

	switch original.EventType {
	case events.TypeCreate:
		base.EventType = events.TypeDelete
		base.Data = events.Data{Delete: &events.DeleteData{
			Reason: fmt.Sprintf("undo create (compensating for %s)", original.EventHash),
		}}
		return base, nil

	case events.TypeUpdate:
		d := original.Data.Update
		if d == nil {
			return events.Event{}, boneserr.ErrCorruptedEvent
		}
		prev, ok := findPreviousFieldValue(priorEvents, d.Field)
		if !ok {
			return events.Event{}, &boneserr.UndoError{
				Err:     boneserr.ErrNoPriorState,
				Context: fmt.Sprintf("no prior value for field %q found in event history", d.Field),
			}
		}
		base.EventType = events.TypeUpdate
		base.Data = events.Data{Update: &events.UpdateData{Field: d.Field, Value: prev}}
		return base, nil

	case events.TypeMove:
		d := original.Data.Move
		if d == nil {
			return events.Event{}, boneserr.ErrCorruptedEvent
		}
		prior := findPreviousState(priorEvents)
		base.EventType = events.TypeMove
		base.Data = events.Data{Move: &events.MoveData{
			State:  prior,
			Reason: fmt.Sprintf("undo move from %s (compensating for %s)", d.State, original.EventHash),
		}}
		return base, nil

	case events.TypeAssign:
		d := original.Data.Assign
		if d == nil {
			return events.Event{}, boneserr.ErrCorruptedEvent
		}
		inverse := events.AssignUnassign
		if d.Action == events.AssignUnassign {
			inverse = events.AssignAssign
		}
		base.EventType = events.TypeAssign
		base.Data = events.Data{Assign: &events.AssignData{Agent: d.Agent, Action: inverse}}
		return base, nil

	case events.TypeLink:
		d := original.Data.Link
		if d == nil {
			return events.Event{}, boneserr.ErrCorruptedEvent
		}
		lt := d.LinkType
		base.EventType = events.TypeUnlink
		base.Data = events.Data{Unlink: &events.UnlinkData{Target: d.Target, LinkType: &lt}}
		return base, nil

	case events.TypeUnlink:
		d := original.Data.Unlink
		if d == nil {
			return events.Event{}, boneserr.ErrCorruptedEvent
		}
		lt := events.LinkRelatedTo
		if d.LinkType != nil {
			lt = *d.LinkType
		}
		base.EventType = events.TypeLink
		base.Data = events.Data{Link: &events.LinkData{Target: d.Target, LinkType: lt}}
		return base, nil

	case events.TypeDelete:
		create, ok := buildCreateFromHistory(priorEvents)
		if !ok {
			return events.Event{}, &boneserr.UndoError{
				Err:     boneserr.ErrNoPriorState,
				Context: "no prior item.create event found to reconstruct item for undelete",
			}
		}
		base.EventType = events.TypeCreate
		base.Data = events.Data{Create: create}
		return base, nil

	case events.TypeComment, events.TypeCompact, events.TypeSnapshot, events.TypeRedact:
		return events.Event{}, &boneserr.UndoError{Err: boneserr.ErrGrowOnly, Context: string(original.EventType)}

	default:
		return events.Event{}, boneserr.ErrCorruptedEvent
	}
}

// findPreviousState scans priorEvents backwards for the most recent
// item.move or item.create, defaulting to Open if neither is found.
func findPreviousState(priorEvents []events.Event) events.State {
	for i := len(priorEvents) - 1; i >= 0; i-- {
		e := priorEvents[i]
		if e.EventType == events.TypeMove && e.Data.Move != nil {
			return e.Data.Move.State
		}
		if e.EventType == events.TypeCreate {
			return events.StateOpen
		}
	}
	return events.StateOpen
}

// findPreviousFieldValue scans priorEvents backwards for the most recent
// write to field, falling back to its initial value from item.create.
func findPreviousFieldValue(priorEvents []events.Event, field string) (json.RawMessage, bool) {
	for i := len(priorEvents) - 1; i >= 0; i-- {
		e := priorEvents[i]
		if e.EventType == events.TypeUpdate && e.Data.Update != nil && e.Data.Update.Field == field {
			return e.Data.Update.Value, true
		}
		if e.EventType == events.TypeCreate && e.Data.Create != nil {
			return initialCreateFieldValue(e.Data.Create, field)
		}
	}
	return nil, false
}

func initialCreateFieldValue(create *events.CreateData, field string) (json.RawMessage, bool) {
	marshal := func(v any) (json.RawMessage, bool) {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		return b, true
	}
	switch field {
	case "title":
		return marshal(create.Title)
	case "description":
		return marshal(create.Description)
	case "size":
		if create.Size == nil {
			return nil, false
		}
		return marshal(create.Size)
	case "urgency":
		if create.Urgency == nil {
			return nil, false
		}
		return marshal(create.Urgency)
	case "labels":
		return marshal(create.Labels)
	case "kind":
		return marshal(create.Kind)
	default:
		return nil, false
	}
}

// buildCreateFromHistory reconstructs the CreateData for an item just
// before its deletion: the original item.create payload with every
// subsequent item.update folded in.
func buildCreateFromHistory(priorEvents []events.Event) (*events.CreateData, bool) {
	createIdx := -1
	for i, e := range priorEvents {
		if e.EventType == events.TypeCreate {
			createIdx = i
			break
		}
	}
	if createIdx == -1 {
		return nil, false
	}

	orig := *priorEvents[createIdx].Data.Create
	create := &orig

	for _, e := range priorEvents[createIdx+1:] {
		if e.EventType != events.TypeUpdate || e.Data.Update == nil {
			continue
		}
		applyUpdateToCreate(create, e.Data.Update.Field, e.Data.Update.Value)
	}
	return create, true
}

func applyUpdateToCreate(create *events.CreateData, field string, value json.RawMessage) {
	switch field {
	case "title":
		var v string
		if json.Unmarshal(value, &v) == nil {
			create.Title = v
		}
	case "description":
		var v string
		if json.Unmarshal(value, &v) == nil {
			create.Description = v
		}
	case "labels":
		var v []string
		if json.Unmarshal(value, &v) == nil {
			create.Labels = v
		}
	case "size":
		var v int
		if json.Unmarshal(value, &v) == nil {
			create.Size = &v
		}
	case "urgency":
		var v int
		if json.Unmarshal(value, &v) == nil {
			create.Urgency = &v
		}
	case "kind":
		var v events.Kind
		if json.Unmarshal(value, &v) == nil {
			create.Kind = v
		}
	}
}
