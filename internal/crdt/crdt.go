// Package crdt implements the per-item convergent state machine (spec
// §3.5, §4.7): LWW registers for scalar fields, OR-Sets for labels,
// assignees, and link edges, and a G-Set for comments.
//
// This plays the role the teacher's internal/merge package plays for
// types.Issue (3-way JSONL merge keyed by IssueKey, last-write-wins on
// scalar fields via CreatedAt/UpdatedAt comparison) but generalized from
// a one-shot 3-way diff into a fold over an arbitrarily long event
// stream, and from timestamp-only tie-breaking to the spec's
// (wall_ts_us, event_hash) pair so replica merge order never changes the
// result. The set fields follow the teacher's Dependencies-as-slice
// shape but gain OR-Set add-wins tombstone tracking, since dependencies
// and labels can be concurrently added and removed across replicas
// (internal/merge has no such concept — it resolves conflicts via manual
// markers instead).
package crdt

import (
	"encoding/json"
	"sort"

	"github.com/untoldecay/bones/internal/boneserr"
	"github.com/untoldecay/bones/internal/events"
)

// lww is a last-write-wins register tracking the winning value alongside
// the (wall_ts_us, event_hash) of the write that produced it.
type lww[T any] struct {
	set      bool
	value    T
	tsUs     int64
	hash     string
}

// apply conditionally overwrites the register if (tsUs, hash) is strictly
// greater than the currently stored write, per spec §3.5's tie-break
// rule: later wall clock wins; equal wall clock ties break on the larger
// event hash (lexicographic).
func (r *lww[T]) apply(value T, tsUs int64, hash string) {
	if !r.set || wins(tsUs, hash, r.tsUs, r.hash) {
		r.set = true
		r.value = value
		r.tsUs = tsUs
		r.hash = hash
	}
}

func wins(tsA int64, hashA string, tsB int64, hashB string) bool {
	if tsA != tsB {
		return tsA > tsB
	}
	return hashA > hashB
}

// orSetEntry is one add-wins OR-Set element, tagged by the hash of the
// event that added it.
type orSetEntry struct {
	value string
	tag   string // adding event's hash
	tsUs  int64  // adding event's wall_ts_us, for the item_*.created_at_us projection column
}

// orSet is an add-wins observed-remove set: an element is present if any
// add tag for it has not been individually removed, and a later add
// always revives a removed element (spec §4.7: "labels/assignees/links
// are OR-Sets, add-wins").
type orSet struct {
	entries  []orSetEntry
	removed  map[string]bool // tag -> removed
}

func newORSet() *orSet {
	return &orSet{removed: make(map[string]bool)}
}

func (s *orSet) add(value, tag string, tsUs int64) {
	s.entries = append(s.entries, orSetEntry{value: value, tag: tag, tsUs: tsUs})
}

// remove tombstones every tag currently associated with value (an
// observed-remove: it only removes adds the remover has seen, which in a
// full-history replay is always all of them up to this point).
func (s *orSet) remove(value string) {
	for _, e := range s.entries {
		if e.value == value {
			s.removed[e.tag] = true
		}
	}
}

// replace tombstones every currently-visible value not in want, and adds
// every value in want not already present, tagged by tag/tsUs. This gives
// item.update a way to rewrite the whole set (spec §4.7, §8.3.2) while
// still going through the add-wins OR-Set so a concurrent add from
// another replica is never silently lost.
func (s *orSet) replace(want []string, tag string, tsUs int64) {
	wantSet := make(map[string]bool, len(want))
	for _, v := range want {
		wantSet[v] = true
	}
	for _, v := range s.values() {
		if !wantSet[v] {
			s.remove(v)
		}
	}
	have := make(map[string]bool)
	for _, v := range s.values() {
		have[v] = true
	}
	for _, v := range want {
		if !have[v] {
			s.add(v, tag, tsUs)
		}
	}
}

func (s *orSet) values() []string {
	var out []string
	for _, e := range s.valuesWithTs() {
		out = append(out, e.value)
	}
	return out
}

// valuesWithTs returns the currently-visible entries, deduplicated and
// sorted by value, each carrying the wall_ts_us of the add that produced
// it (the first surviving add, matching values()'s own dedup order).
func (s *orSet) valuesWithTs() []orSetEntry {
	seen := make(map[string]bool)
	var out []orSetEntry
	for _, e := range s.entries {
		if s.removed[e.tag] {
			continue
		}
		if !seen[e.value] {
			seen[e.value] = true
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].value < out[j].value })
	return out
}

func timestampsByValue(entries []orSetEntry) map[string]int64 {
	out := make(map[string]int64, len(entries))
	for _, e := range entries {
		out[e.value] = e.tsUs
	}
	return out
}

// Comment is one G-Set element (spec §3.5: comments only ever grow).
type Comment struct {
	EventHash string
	Author    string
	Body      string
	WallTSUs  int64
}

// Link is one edge in the OR-Set of outgoing relationships from an item.
type Link struct {
	Target   string
	LinkType events.LinkType
}

// WorkItemFields is the flattened, read-only projection of a
// WorkItemState at a point in replay (spec §3.5 "per-item convergent
// state").
type WorkItemFields struct {
	ID          string
	Title       string
	Kind        events.Kind
	Description string
	Size        *int
	Urgency     *int
	State       events.State
	Parent      string
	Labels      []string
	Assignees   []string
	BlockedBy   []string
	RelatedTo   []string
	Comments    []Comment
	Deleted     bool
	DeleteReason string
	CreateEventHash string
	CreatedAtUs int64
	UpdatedAtUs int64

	// *CreatedAtUs carry the wall_ts_us of the add that produced each
	// currently-visible OR-Set member, keyed by value (label, agent, or
	// link target), for the item_labels/item_assignees/item_dependencies
	// created_at_us projection columns (spec §4.9).
	LabelCreatedAtUs     map[string]int64
	AssigneeCreatedAtUs  map[string]int64
	BlockedByCreatedAtUs map[string]int64
	RelatedToCreatedAtUs map[string]int64
}

// WorkItemState is the mutable convergent state of a single item, built
// by folding events.Event values over Apply in any order consistent with
// causal delivery (spec §4.7: "merge is commutative, associative, and
// idempotent over the per-item event set").
type WorkItemState struct {
	id string

	title       lww[string]
	kind        lww[events.Kind]
	description lww[string]
	size        lww[*int]
	urgency     lww[*int]
	state       lww[events.State]
	parent      lww[string]

	labels    *orSet
	assignees *orSet
	blockedBy *orSet
	relatedTo *orSet

	comments []Comment

	deleted       lww[bool]
	deleteReason  lww[string]
	createEventHash string

	createdAtUs int64
	updatedAtUs int64

	seen map[string]bool // applied event hashes, for idempotence
}

// New returns an empty convergent state for item id.
func New(id string) *WorkItemState {
	return &WorkItemState{
		id:        id,
		labels:    newORSet(),
		assignees: newORSet(),
		blockedBy: newORSet(),
		relatedTo: newORSet(),
		seen:      make(map[string]bool),
	}
}

// Apply folds one event into the state. Applying the same event hash
// twice is a no-op (idempotence, spec §8.1), and events for a different
// ItemID are ignored: Apply returns nil and leaves the state unchanged.
func (s *WorkItemState) Apply(e events.Event) error {
	if e.ItemID != s.id {
		return nil
	}
	if s.seen[e.EventHash] {
		return nil
	}
	s.seen[e.EventHash] = true

	// updated_at_us tracks the latest event seen for the item regardless
	// of type (spec §3.4); created_at_us is fixed by the create event
	// below and never moves again.
	if e.WallTSUs > s.updatedAtUs {
		s.updatedAtUs = e.WallTSUs
	}

	switch e.EventType {
	case events.TypeCreate:
		d := e.Data.Create
		if d == nil {
			return boneserr.ErrCorruptedEvent
		}
		s.title.apply(d.Title, e.WallTSUs, e.EventHash)
		s.kind.apply(d.Kind, e.WallTSUs, e.EventHash)
		s.description.apply(d.Description, e.WallTSUs, e.EventHash)
		s.size.apply(d.Size, e.WallTSUs, e.EventHash)
		s.urgency.apply(d.Urgency, e.WallTSUs, e.EventHash)
		s.state.apply(events.StateOpen, e.WallTSUs, e.EventHash)
		s.parent.apply(d.Parent, e.WallTSUs, e.EventHash)
		for _, l := range d.Labels {
			s.labels.add(l, e.EventHash, e.WallTSUs)
		}
		if s.createEventHash == "" {
			s.createEventHash = e.EventHash
			s.createdAtUs = e.WallTSUs
		}

	case events.TypeUpdate:
		d := e.Data.Update
		if d == nil {
			return boneserr.ErrCorruptedEvent
		}
		s.applyFieldUpdate(d, e)

	case events.TypeMove:
		d := e.Data.Move
		if d == nil {
			return boneserr.ErrCorruptedEvent
		}
		s.state.apply(d.State, e.WallTSUs, e.EventHash)

	case events.TypeAssign:
		d := e.Data.Assign
		if d == nil {
			return boneserr.ErrCorruptedEvent
		}
		switch d.Action {
		case events.AssignAssign:
			s.assignees.add(d.Agent, e.EventHash, e.WallTSUs)
		case events.AssignUnassign:
			s.assignees.remove(d.Agent)
		}

	case events.TypeComment:
		d := e.Data.Comment
		if d == nil {
			return boneserr.ErrCorruptedEvent
		}
		s.comments = append(s.comments, Comment{
			EventHash: e.EventHash,
			Author:    e.Agent,
			Body:      d.Body,
			WallTSUs:  e.WallTSUs,
		})

	case events.TypeLink:
		d := e.Data.Link
		if d == nil {
			return boneserr.ErrCorruptedEvent
		}
		s.linkSet(d.LinkType).add(d.Target, e.EventHash, e.WallTSUs)

	case events.TypeUnlink:
		d := e.Data.Unlink
		if d == nil {
			return boneserr.ErrCorruptedEvent
		}
		if d.LinkType != nil {
			s.linkSet(*d.LinkType).remove(d.Target)
		} else {
			s.blockedBy.remove(d.Target)
			s.relatedTo.remove(d.Target)
		}

	case events.TypeDelete:
		d := e.Data.Delete
		if d == nil {
			return boneserr.ErrCorruptedEvent
		}
		s.deleted.apply(true, e.WallTSUs, e.EventHash)
		s.deleteReason.apply(d.Reason, e.WallTSUs, e.EventHash)

	case events.TypeCompact, events.TypeSnapshot, events.TypeRedact:
		// Grow-only annotations; they do not mutate projected fields.

	default:
		return boneserr.ErrCorruptedEvent
	}
	return nil
}

func (s *WorkItemState) linkSet(t events.LinkType) *orSet {
	switch t {
	case events.LinkBlocks, events.LinkBlockedBy:
		return s.blockedBy
	default:
		return s.relatedTo
	}
}

func (s *WorkItemState) applyFieldUpdate(d *events.UpdateData, e events.Event) {
	switch d.Field {
	case "title":
		var v string
		if unmarshalInto(d.Value, &v) {
			s.title.apply(v, e.WallTSUs, e.EventHash)
		}
	case "description":
		var v string
		if unmarshalInto(d.Value, &v) {
			s.description.apply(v, e.WallTSUs, e.EventHash)
		}
	case "kind":
		var v events.Kind
		if unmarshalInto(d.Value, &v) {
			s.kind.apply(v, e.WallTSUs, e.EventHash)
		}
	case "size":
		var v *int
		if unmarshalInto(d.Value, &v) {
			s.size.apply(v, e.WallTSUs, e.EventHash)
		}
	case "urgency":
		var v *int
		if unmarshalInto(d.Value, &v) {
			s.urgency.apply(v, e.WallTSUs, e.EventHash)
		}
	case "parent":
		var v string
		if unmarshalInto(d.Value, &v) {
			s.parent.apply(v, e.WallTSUs, e.EventHash)
		}
	case "labels":
		var v []string
		if unmarshalInto(d.Value, &v) {
			s.labels.replace(v, e.EventHash, e.WallTSUs)
		}
	case "assignees":
		var v []string
		if unmarshalInto(d.Value, &v) {
			s.assignees.replace(v, e.EventHash, e.WallTSUs)
		}
	}
}

// unmarshalInto is a tiny json.Unmarshal wrapper that swallows decode
// errors as a no-op field write, matching spec §4.7's "malformed update
// values are ignored rather than rejecting the whole event" tolerance.
func unmarshalInto(raw []byte, dst any) bool {
	return json.Unmarshal(raw, dst) == nil
}

// Merge folds every event from other into s in causal-agnostic order;
// since Apply is commutative, associative, and idempotent, Merge is too.
func (s *WorkItemState) Merge(other []events.Event) error {
	for _, e := range other {
		if err := s.Apply(e); err != nil {
			return err
		}
	}
	return nil
}

// ToFields flattens the convergent state to its read-only projection.
func (s *WorkItemState) ToFields() WorkItemFields {
	labels := s.labels.valuesWithTs()
	assignees := s.assignees.valuesWithTs()
	blockedBy := s.blockedBy.valuesWithTs()
	relatedTo := s.relatedTo.valuesWithTs()

	return WorkItemFields{
		ID:              s.id,
		Title:           s.title.value,
		Kind:            s.kind.value,
		Description:     s.description.value,
		Size:            s.size.value,
		Urgency:         s.urgency.value,
		State:           s.state.value,
		Parent:          s.parent.value,
		Labels:          valuesOf(labels),
		Assignees:       valuesOf(assignees),
		BlockedBy:       valuesOf(blockedBy),
		RelatedTo:       valuesOf(relatedTo),
		Comments:        append([]Comment(nil), s.comments...),
		Deleted:         s.deleted.value,
		DeleteReason:    s.deleteReason.value,
		CreateEventHash: s.createEventHash,
		CreatedAtUs:     s.createdAtUs,
		UpdatedAtUs:     s.updatedAtUs,

		LabelCreatedAtUs:     timestampsByValue(labels),
		AssigneeCreatedAtUs:  timestampsByValue(assignees),
		BlockedByCreatedAtUs: timestampsByValue(blockedBy),
		RelatedToCreatedAtUs: timestampsByValue(relatedTo),
	}
}

func valuesOf(entries []orSetEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.value
	}
	return out
}

// BuildAll folds a full event stream into one WorkItemState per distinct
// ItemID, in input order. Callers typically pass events already sorted
// by (wall_ts_us, agent, event_hash) from dag.ReplayDivergent or a full
// shard replay, but Apply's idempotence and commutativity make the
// result order-independent regardless.
func BuildAll(evs []events.Event) map[string]*WorkItemState {
	out := make(map[string]*WorkItemState)
	for _, e := range evs {
		st, ok := out[e.ItemID]
		if !ok {
			st = New(e.ItemID)
			out[e.ItemID] = st
		}
		_ = st.Apply(e)
	}
	return out
}
