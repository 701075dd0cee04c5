// Package boneserr defines the error categories shared across the core.
//
// Corruption and invariant-violation errors carry enough structure for
// callers to decide whether to retry, surface a warning, or abort; see
// the error-handling policy in SPEC_FULL.md §10.3.
package boneserr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidItemID is returned when a string does not match the
	// item-ID pattern "bn-[a-z0-9]{3,}".
	ErrInvalidItemID = errors.New("invalid item id")

	// ErrCorruptedEvent is returned when a recomputed event hash does not
	// match the hash stored on the event.
	ErrCorruptedEvent = errors.New("corrupted event: hash mismatch")

	// ErrCycleDetected is returned when a DAG walk finds a cycle, which
	// indicates the log itself is corrupt (events never cite a
	// descendant as a parent).
	ErrCycleDetected = errors.New("cycle detected in event dag")

	// ErrEventNotFound is returned when a referenced event hash is not
	// present in the DAG or event set being searched.
	ErrEventNotFound = errors.New("event not found")

	// ErrNoDivergence is returned by LCA/replay when two tips share no
	// common ancestor (disjoint roots).
	ErrNoDivergence = errors.New("tips have no common ancestor")

	// ErrTimeout is returned when a bounded operation (shard append)
	// exceeds its caller-supplied deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrNotABonesProject is returned when a project root lacks a
	// .bones directory.
	ErrNotABonesProject = errors.New("not a bones project")

	// ErrProjectionMissing is returned when a query is attempted against
	// a projection database that has not been built.
	ErrProjectionMissing = errors.New("projection database missing; run rebuild")

	// ErrCacheCorrupted is returned when the binary cache's CRC-64 does
	// not match its column bytes.
	ErrCacheCorrupted = errors.New("binary cache corrupted")

	// ErrUnsupportedCacheVersion is returned when a cache file's version
	// byte is not one this build understands.
	ErrUnsupportedCacheVersion = errors.New("unsupported cache version")

	// ErrGrowOnly is returned by undo for event types with grow-only
	// CRDT semantics (comment, compact, snapshot, redact).
	ErrGrowOnly = errors.New("event type is grow-only and cannot be undone")

	// ErrNoPriorState is returned by undo when reversing an event
	// requires prior history that cannot be found.
	ErrNoPriorState = errors.New("no prior state available to undo this event")

	// ErrAmbiguousID is returned when a partial item-ID prefix matches
	// more than one item.
	ErrAmbiguousID = errors.New("ambiguous item id prefix")
)

// InvalidEventLineError reports a shard line that failed to parse, with
// the 1-based line number and the column (1-8) that failed.
type InvalidEventLineError struct {
	Line   int
	Column int
	Reason string
}

func (e *InvalidEventLineError) Error() string {
	return fmt.Sprintf("invalid event line %d, column %d: %s", e.Line, e.Column, e.Reason)
}

// UndoError wraps ErrGrowOnly or ErrNoPriorState with the event type or
// field context that triggered it.
type UndoError struct {
	Err     error
	Context string
}

func (e *UndoError) Error() string {
	if e.Context == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Context)
}

func (e *UndoError) Unwrap() error { return e.Err }

// CircularContainmentError is returned when adding a goal-containment
// edge would create a cycle or exceed the depth safety cap.
type CircularContainmentError struct {
	Cycle []string
}

func (e *CircularContainmentError) Error() string {
	return fmt.Sprintf("circular containment: %s", strings.Join(e.Cycle, " → "))
}

// BlockingCycleError is returned when adding a "blocks" link would create
// a cycle in the blocking graph.
type BlockingCycleError struct {
	Cycle []string
}

func (e *BlockingCycleError) Error() string {
	return fmt.Sprintf("adding this dependency would create a cycle: %s", strings.Join(e.Cycle, " → "))
}
