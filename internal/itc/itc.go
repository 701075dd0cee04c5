// Package itc implements Interval Tree Clocks (Almeida, Baquero & Fonte),
// the causality-tracking stamp used to order concurrent writes across
// bones replicas that never coordinate through a server.
//
// The core treats a Stamp as an opaque, lexicographically comparable
// string for storage (spec §4.2); this package is the one place that
// understands its structure. There is no teacher file for this — the
// teacher tracks causality with simple created_at timestamps, since a
// single SQLite writer never needs vector-clock-style concurrent
// identity. The representation below follows the CRDT-style id/clock
// pairing used elsewhere in the retrieved corpus (cshekharsharma/go-crdt's
// Lamport-plus-NodeID ID type), generalized to the interval-splitting
// fork/join pair the spec requires.
package itc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// id is the identity-tree component of a stamp: a leaf holds the whole
// interval (1), a zero leaf holds none (0), and an interior node splits
// the interval between its two children.
type id struct {
	Leaf     int `json:"l,omitempty"` // 0 or 1 when IsLeaf is set; unused on interior nodes
	IsLeaf   bool `json:"lf,omitempty"`
	Left     *id  `json:"a,omitempty"`
	Right    *id  `json:"b,omitempty"`
}

// event is the event-tree component: a leaf integer count, or an
// interior node with a base count plus two subtrees.
type event struct {
	N      int    `json:"n"`
	IsLeaf bool   `json:"lf,omitempty"`
	Left   *event `json:"a,omitempty"`
	Right  *event `json:"b,omitempty"`
}

// Stamp is an (id, event) pair: the identity interval this replica owns,
// and the causal history it has observed.
type Stamp struct {
	ID    id    `json:"i"`
	Event event `json:"e"`
}

// Ordering is the result of Compare.
type Ordering int

const (
	Concurrent Ordering = iota
	Less
	Equal
	Greater
)

func leafID(v int) id         { return id{IsLeaf: true, Leaf: v} }
func leafEvent(v int) event   { return event{IsLeaf: true, N: v} }

// Seed returns the initial stamp: one owner holding the full identity
// interval and an empty event history.
func Seed() Stamp {
	return Stamp{ID: leafID(1), Event: leafEvent(0)}
}

// Fork splits s's identity interval into two disjoint stamps whose
// identities union back to s's; both keep s's event history. Used when a
// new agent joins and needs its own slice of identity.
func Fork(s Stamp) (Stamp, Stamp) {
	left, right := splitID(s.ID)
	return Stamp{ID: left, Event: s.Event}, Stamp{ID: right, Event: s.Event}
}

func splitID(n id) (id, id) {
	switch {
	case n.IsLeaf && n.Leaf == 0:
		return leafID(0), leafID(0)
	case n.IsLeaf && n.Leaf == 1:
		return id{Left: ptrID(leafID(1)), Right: ptrID(leafID(0))},
			id{Left: ptrID(leafID(0)), Right: ptrID(leafID(1))}
	case n.Left != nil && n.Left.IsLeaf && n.Left.Leaf == 0:
		a, b := splitID(*n.Right)
		return id{Left: ptrID(leafID(0)), Right: ptrID(a)}, id{Left: ptrID(leafID(0)), Right: ptrID(b)}
	case n.Right != nil && n.Right.IsLeaf && n.Right.Leaf == 0:
		a, b := splitID(*n.Left)
		return id{Left: ptrID(a), Right: ptrID(leafID(0))}, id{Left: ptrID(b), Right: ptrID(leafID(0))}
	default:
		// Interior node with two non-empty children: hand the left
		// subtree to one side and the right subtree to the other.
		return id{Left: n.Left, Right: ptrID(leafID(0))}, id{Left: ptrID(leafID(0)), Right: n.Right}
	}
}

func ptrID(n id) *id { return &n }

// normalizeID collapses a node whose children are both full/empty leaves
// into a single leaf, keeping the tree minimal.
func normalizeID(n id) id {
	if n.IsLeaf {
		return n
	}
	if n.Left != nil && n.Right != nil {
		l := normalizeID(*n.Left)
		r := normalizeID(*n.Right)
		if l.IsLeaf && r.IsLeaf && l.Leaf == r.Leaf {
			return leafID(l.Leaf)
		}
		return id{Left: &l, Right: &r}
	}
	return n
}

// Join merges two stamps' identity intervals (union) and takes the
// per-interval max of their event histories, producing a stamp that is
// causally after both inputs.
func Join(a, b Stamp) Stamp {
	return Stamp{
		ID:    normalizeID(joinID(a.ID, b.ID)),
		Event: normalizeEvent(joinEvent(a.Event, b.Event)),
	}
}

func joinID(a, b id) id {
	switch {
	case a.IsLeaf && a.Leaf == 0:
		return b
	case b.IsLeaf && b.Leaf == 0:
		return a
	case a.IsLeaf && a.Leaf == 1:
		return a
	case b.IsLeaf && b.Leaf == 1:
		return b
	case a.IsLeaf || b.IsLeaf:
		// One side is a leaf-0/1 already handled above; mismatched
		// shapes fall back to full ownership (defensive; should not
		// occur for well-formed stamps).
		return leafID(1)
	default:
		l := joinID(*a.Left, *b.Left)
		r := joinID(*a.Right, *b.Right)
		return id{Left: &l, Right: &r}
	}
}

func joinEvent(a, b event) event {
	if a.IsLeaf && b.IsLeaf {
		return leafEvent(max(a.N, b.N))
	}
	// expandEvent folds each node's base into its children, so the joined
	// children are absolute counts and the new node's base is zero.
	al, ar := expandEvent(a)
	bl, br := expandEvent(b)
	l := joinEvent(al, bl)
	r := joinEvent(ar, br)
	return event{N: 0, Left: &l, Right: &r}
}

func eventBase(e event) int {
	if e.IsLeaf {
		return e.N
	}
	return e.N
}

// expandEvent turns a leaf into an equivalent two-child view (both
// children equal to the leaf value) so joinEvent/compare can recurse
// uniformly.
func expandEvent(e event) (event, event) {
	if e.IsLeaf {
		return leafEvent(e.N), leafEvent(e.N)
	}
	l, r := *e.Left, *e.Right
	l.N += e.N
	r.N += e.N
	return l, r
}

func normalizeEvent(e event) event {
	if e.IsLeaf {
		return e
	}
	if e.Left != nil && e.Right != nil {
		l := normalizeEvent(*e.Left)
		r := normalizeEvent(*e.Right)
		if l.IsLeaf && r.IsLeaf && l.N == r.N {
			return leafEvent(e.N + l.N)
		}
		return event{N: e.N, Left: &l, Right: &r}
	}
	return e
}

// Event advances s's event history for the portion of the interval this
// stamp owns (its id), returning a new stamp with the same identity.
func Event(s Stamp) Stamp {
	e, _ := fill(s.ID, s.Event)
	return Stamp{ID: s.ID, Event: normalizeEvent(e)}
}

// fill grows e as far as the owned portion of n allows, returning the
// grown event tree and false only when n owns no part of the interval
// (the callers ignore the boolean).
func fill(n id, e event) (event, bool) {
	if n.IsLeaf && n.Leaf == 1 {
		if e.IsLeaf {
			return leafEvent(e.N + 1), true
		}
		m := maxEvent(e)
		return leafEvent(m + 1), true
	}
	if n.IsLeaf && n.Leaf == 0 {
		return e, false
	}
	l, r := expandEvent(e)
	if n.Left.IsLeaf && n.Left.Leaf == 1 {
		nl, _ := fill(*n.Left, l)
		out := event{N: 0, Left: &nl, Right: &r}
		return out, true
	}
	if n.Right.IsLeaf && n.Right.Leaf == 1 {
		nr, _ := fill(*n.Right, r)
		out := event{N: 0, Left: &l, Right: &nr}
		return out, true
	}
	nl, _ := fill(*n.Left, l)
	nr, _ := fill(*n.Right, r)
	out := event{N: 0, Left: &nl, Right: &nr}
	return out, true
}

func maxEvent(e event) int {
	if e.IsLeaf {
		return e.N
	}
	l, r := expandEvent(e)
	return max(maxEvent(l), maxEvent(r))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Compare returns the causal ordering of two stamps' event components.
// Identity is not considered: two stamps with disjoint ids but identical
// event history compare Equal.
func Compare(a, b Stamp) Ordering {
	leq := eventLeq(a.Event, b.Event)
	geq := eventLeq(b.Event, a.Event)
	switch {
	case leq && geq:
		return Equal
	case leq:
		return Less
	case geq:
		return Greater
	default:
		return Concurrent
	}
}

// eventLeq reports whether every point of a's event tree is <= the
// corresponding point of b's.
func eventLeq(a, b event) bool {
	if a.IsLeaf && b.IsLeaf {
		return a.N <= b.N
	}
	al, ar := expandEvent(a)
	bl, br := expandEvent(b)
	return eventLeq(al, bl) && eventLeq(ar, br)
}

// String serializes a stamp as "itc:" + base64-free JSON, matching the
// spec's requirement for a deterministic, round-trippable opaque string.
func (s Stamp) String() string {
	b, err := json.Marshal(s)
	if err != nil {
		// Stamps are built entirely from this package's own types;
		// marshaling cannot fail.
		panic(fmt.Sprintf("itc: marshal stamp: %v", err))
	}
	return "itc:" + string(b)
}

// Parse decodes a stamp previously produced by String.
func Parse(s string) (Stamp, error) {
	rest, ok := strings.CutPrefix(s, "itc:")
	if !ok {
		return Stamp{}, fmt.Errorf("itc: missing 'itc:' prefix in %q", s)
	}
	var st Stamp
	if err := json.Unmarshal([]byte(rest), &st); err != nil {
		return Stamp{}, fmt.Errorf("itc: parse stamp: %w", err)
	}
	return st, nil
}
