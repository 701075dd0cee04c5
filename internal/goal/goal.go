// Package goal implements the containment forest over kind=goal items
// and the blocking-dependency cycle check (spec §3.4, §4.12).
//
// Containment validation follows the teacher's epics.go closure-query
// shape (walk parent pointers, bail out past a depth cap) generalized
// from "epic -> issue" to "goal -> anything", and the cycle path
// rendering (" → "-joined) matches the exact wording spec §8.3 scenario
// 3 expects, which is why boneserr.BlockingCycleError formats its own
// message rather than leaving that to the caller.
package goal

import (
	"fmt"

	"github.com/untoldecay/bones/internal/boneserr"
	"github.com/untoldecay/bones/internal/crdt"
	"github.com/untoldecay/bones/internal/events"
)

// maxDepth bounds containment-forest walks so a corrupted or
// maliciously long parent chain cannot hang validation.
const maxDepth = 256

// Items is the read-only snapshot goal validation runs against: every
// item's flattened CRDT fields, keyed by ID.
type Items map[string]crdt.WorkItemFields

// ValidateContainment checks that setting childID's parent to parentID
// does not create a self-reference or a cycle, and that parentID (when
// non-empty) refers to a kind=goal item (spec §4.12: "only goals
// contain other items").
func ValidateContainment(items Items, childID, parentID string) error {
	if parentID == "" {
		return nil
	}
	if parentID == childID {
		return &boneserr.CircularContainmentError{Cycle: []string{childID, parentID}}
	}
	parent, ok := items[parentID]
	if ok && parent.Kind != events.KindGoal {
		return fmt.Errorf("item %s is not a goal and cannot contain other items", parentID)
	}

	path := []string{childID, parentID}
	cur := parentID
	for depth := 0; depth < maxDepth; depth++ {
		f, ok := items[cur]
		if !ok || f.Parent == "" {
			return nil
		}
		if f.Parent == childID {
			path = append(path, f.Parent)
			return &boneserr.CircularContainmentError{Cycle: path}
		}
		path = append(path, f.Parent)
		cur = f.Parent
	}
	return &boneserr.CircularContainmentError{Cycle: path}
}

// WouldCreateCycle reports whether adding a "blocks"/"blocked_by" edge
// from -> to would create a cycle in the blocking graph, returning the
// cycle path in human-readable form if so.
func WouldCreateCycle(items Items, from, to string) error {
	if from == to {
		return &boneserr.BlockingCycleError{Cycle: []string{from, to}}
	}
	path, found := findPath(items, to, from, map[string]bool{}, []string{to})
	if found {
		// path runs to -> ... -> from along existing blocked_by edges and
		// already ends at from; prepending from makes the rendered cycle the
		// closed loop the new edge would create, not just the path that
		// feeds it.
		cycle := append([]string{from}, path...)
		return &boneserr.BlockingCycleError{Cycle: cycle}
	}
	return nil
}

// findPath performs a DFS over the blocked_by edges looking for a path
// from start back to target, so the caller can detect that adding
// target->start would close a loop.
func findPath(items Items, start, target string, visited map[string]bool, path []string) ([]string, bool) {
	if visited[start] {
		return nil, false
	}
	visited[start] = true
	f, ok := items[start]
	if !ok {
		return nil, false
	}
	for _, next := range f.BlockedBy {
		if next == target {
			return append(append([]string(nil), path...), next), true
		}
		if p, found := findPath(items, next, target, visited, append(path, next)); found {
			return p, true
		}
	}
	return nil, false
}

// EligibleForAutoClose reports whether goalID's children are all in a
// terminal state (done or archived) and therefore the goal itself is
// eligible for an auto-close item.move event, mirroring the teacher's
// epics.go "all child issues closed" eligibility query generalized to
// bones's four-state lifecycle.
func EligibleForAutoClose(items Items, goalID string, autoCloseLabels []string) bool {
	goal, ok := items[goalID]
	if !ok || goal.Kind != events.KindGoal || goal.State == events.StateDone || goal.State == events.StateArchived {
		return false
	}
	if len(autoCloseLabels) > 0 && !hasAnyLabel(goal.Labels, autoCloseLabels) {
		return false
	}

	childCount := 0
	for _, f := range items {
		if f.Parent != goalID || f.Deleted {
			continue
		}
		childCount++
		if f.State != events.StateDone && f.State != events.StateArchived {
			return false
		}
	}
	return childCount > 0
}

// EligibleForAutoReopen reports whether goalID is currently done or
// archived but has at least one non-deleted child back in an active
// state, the mirror image of EligibleForAutoClose (spec §4.12: "auto-
// close/reopen" travels in both directions).
func EligibleForAutoReopen(items Items, goalID string) bool {
	goal, ok := items[goalID]
	if !ok || goal.Kind != events.KindGoal {
		return false
	}
	if goal.State != events.StateDone && goal.State != events.StateArchived {
		return false
	}
	for _, f := range items {
		if f.Parent != goalID || f.Deleted {
			continue
		}
		if f.State == events.StateOpen || f.State == events.StateDoing {
			return true
		}
	}
	return false
}

func hasAnyLabel(labels, want []string) bool {
	set := make(map[string]bool, len(want))
	for _, w := range want {
		set[w] = true
	}
	for _, l := range labels {
		if set[l] {
			return true
		}
	}
	return false
}

// AutoCloseEvent builds the item.move event that closes goalID, to be
// sealed and appended by the caller. The system agent is fixed to
// "bones" so auto-generated closures are distinguishable from
// human-initiated moves in the log.
func AutoCloseEvent(goalID string, parentHash string, nowUs int64) events.Event {
	return events.Event{
		WallTSUs:  nowUs,
		Agent:     "bones",
		Parents:   parentsOf(parentHash),
		EventType: events.TypeMove,
		ItemID:    goalID,
		Data: events.Data{Move: &events.MoveData{
			State:  events.StateDone,
			Reason: "auto-closed: all child items done",
		}},
	}
}

// ReopenEvent builds the item.move event that reopens goalID after one
// of its children re-entered an active state, the inverse of
// AutoCloseEvent.
func ReopenEvent(goalID string, parentHash string, nowUs int64) events.Event {
	return events.Event{
		WallTSUs:  nowUs,
		Agent:     "bones",
		Parents:   parentsOf(parentHash),
		EventType: events.TypeMove,
		ItemID:    goalID,
		Data: events.Data{Move: &events.MoveData{
			State:  events.StateOpen,
			Reason: "child reopened",
		}},
	}
}

func parentsOf(hash string) []string {
	if hash == "" {
		return nil
	}
	return []string{hash}
}
