// Package hashing computes and verifies BLAKE3 event hashes (spec §4.1).
//
// The teacher hashes issue identity with sha256-ish hex IDs seeded from
// content (internal/storage/sqlite/hash_ids.go) and the retrieved
// canonical-event.go example hashes a stable JSON envelope with SHA-256
// plus a "prev_hash" chain field for tamper evidence. bones follows that
// same "hash the canonical serialized form" shape but over BLAKE3 (the
// algorithm named by the spec and used elsewhere in the corpus via
// lukechampine.com/blake3) and without a singular prev-hash chain, since
// bones events can have zero, one, or many parents (spec §3.2).
package hashing

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/untoldecay/bones/internal/boneserr"
	"github.com/untoldecay/bones/internal/events"
	"github.com/untoldecay/bones/internal/serialize"
	"lukechampine.com/blake3"
)

const hashPrefix = "blake3:"

// Compute returns the content hash of e: BLAKE3 over the canonical
// 7-column hashing form (every field except event_hash itself), prefixed
// "blake3:".
func Compute(e events.Event) (string, error) {
	line, err := serialize.WriteLine(e, "")
	if err != nil {
		return "", fmt.Errorf("hashing: canonicalize event: %w", err)
	}
	// WriteLine always appends a trailing (empty) 8th column; strip it
	// and the separating tab so the hash covers exactly columns 1-7.
	hashable := strings.TrimSuffix(line, "\t")
	sum := blake3.Sum256([]byte(hashable))
	return hashPrefix + hex.EncodeToString(sum[:]), nil
}

// Verify recomputes e's hash and compares it against e.EventHash,
// returning boneserr.ErrCorruptedEvent on mismatch.
func Verify(e events.Event) error {
	want, err := Compute(e)
	if err != nil {
		return err
	}
	if want != e.EventHash {
		return fmt.Errorf("%w: computed %s, stored %s", boneserr.ErrCorruptedEvent, want, e.EventHash)
	}
	return nil
}

// Seal computes e's hash and returns a copy with EventHash set.
func Seal(e events.Event) (events.Event, error) {
	h, err := Compute(e)
	if err != nil {
		return events.Event{}, err
	}
	e.EventHash = h
	return e, nil
}

// VerifyChain checks that every hash referenced in each event's Parents
// is present among evs (or in known, e.g. events ingested from a prior
// sync round) and that no event cites itself or a descendant as a
// parent. known may be nil.
func VerifyChain(evs []events.Event, known map[string]bool) error {
	present := make(map[string]bool, len(evs))
	for _, e := range evs {
		present[e.EventHash] = true
	}
	for _, e := range evs {
		for _, p := range e.Parents {
			if !present[p] && !known[p] {
				return fmt.Errorf("%w: %s references missing parent %s", boneserr.ErrEventNotFound, e.EventHash, p)
			}
			if p == e.EventHash {
				return fmt.Errorf("%w: %s cites itself as parent", boneserr.ErrCycleDetected, e.EventHash)
			}
		}
	}
	return detectCycle(evs)
}

func detectCycle(evs []events.Event) error {
	byHash := make(map[string]events.Event, len(evs))
	for _, e := range evs {
		byHash[e.EventHash] = e
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(evs))
	var visit func(hash string) error
	visit = func(hash string) error {
		switch color[hash] {
		case gray:
			return fmt.Errorf("%w: cycle through %s", boneserr.ErrCycleDetected, hash)
		case black:
			return nil
		}
		color[hash] = gray
		if e, ok := byHash[hash]; ok {
			for _, p := range e.Parents {
				if err := visit(p); err != nil {
					return err
				}
			}
		}
		color[hash] = black
		return nil
	}
	for _, e := range evs {
		if err := visit(e.EventHash); err != nil {
			return err
		}
	}
	return nil
}
