// Package dag builds an in-memory Merkle DAG over events and answers
// ancestry queries: lookup, LCA, and divergent-branch replay (spec §4.6).
//
// Nodes are held in an arena (a slice) addressed by index, with parent
// and child edges stored as index slices rather than pointers — the
// design note in spec §9 calls this out explicitly to keep the structure
// itself acyclic-by-construction and make SCC/LCA computation a plain BFS
// over integers. This has no direct teacher analogue (the teacher has no
// Merkle DAG — SQLite foreign keys play that role there); the traversal
// algorithms follow crates/bones-core/src/dag/replay.rs from the original
// Rust source.
package dag

import (
	"fmt"
	"sort"

	"github.com/untoldecay/bones/internal/boneserr"
	"github.com/untoldecay/bones/internal/events"
)

// Dag is an in-memory Merkle DAG built from a fixed event set.
type Dag struct {
	nodes    []events.Event
	index    map[string]int // event hash -> index into nodes
	children map[int][]int  // parent index -> child indices
}

// Build constructs a Dag from evs. Parent hashes that are not present in
// evs are tolerated (they may belong to events the caller has not yet
// ingested, per spec §4.10.4) but are not traversable.
func Build(evs []events.Event) *Dag {
	d := &Dag{
		index:    make(map[string]int, len(evs)),
		children: make(map[int][]int),
	}
	for i, e := range evs {
		d.nodes = append(d.nodes, e)
		d.index[e.EventHash] = i
	}
	for i, e := range d.nodes {
		for _, p := range e.Parents {
			if pi, ok := d.index[p]; ok {
				d.children[pi] = append(d.children[pi], i)
			}
		}
	}
	return d
}

// Get looks up an event by hash.
func (d *Dag) Get(hash string) (events.Event, bool) {
	i, ok := d.index[hash]
	if !ok {
		return events.Event{}, false
	}
	return d.nodes[i], true
}

// Parents returns the direct parent hashes of hash (only those present in
// the Dag).
func (d *Dag) Parents(hash string) []string {
	i, ok := d.index[hash]
	if !ok {
		return nil
	}
	var out []string
	for _, p := range d.nodes[i].Parents {
		if _, ok := d.index[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Children returns the direct child hashes of hash.
func (d *Dag) Children(hash string) []string {
	i, ok := d.index[hash]
	if !ok {
		return nil
	}
	var out []string
	for _, ci := range d.children[i] {
		out = append(out, d.nodes[ci].EventHash)
	}
	return out
}

// ancestors returns the set of hashes reachable by walking parent edges
// from start, including start itself, plus each hash's BFS distance from
// start.
func (d *Dag) ancestors(start string) (map[string]int, error) {
	dist := map[string]int{start: 0}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		i, ok := d.index[cur]
		if !ok {
			return nil, fmt.Errorf("%w: %s", boneserr.ErrEventNotFound, cur)
		}
		for _, p := range d.nodes[i].Parents {
			if _, ok := d.index[p]; !ok {
				continue
			}
			if _, seen := dist[p]; !seen {
				dist[p] = dist[cur] + 1
				queue = append(queue, p)
			}
		}
	}
	return dist, nil
}

// FindLCA returns the lowest common ancestor of a and b: the common
// ancestor minimizing the sum of BFS distance from both tips, with ties
// broken by lexicographically smallest hash. Returns ("", false, nil)
// when the tips share no common ancestor.
func (d *Dag) FindLCA(a, b string) (string, bool, error) {
	all, err := d.FindAllLCAs(a, b)
	if err != nil {
		return "", false, err
	}
	if len(all) == 0 {
		return "", false, nil
	}
	return all[0], true, nil
}

// FindAllLCAs enumerates every minimal common ancestor of a and b: every
// common ancestor with no other common ancestor strictly between it and
// both tips. Results are sorted by the sum of BFS distances from both
// tips, ties broken by lexicographically smallest hash.
func (d *Dag) FindAllLCAs(a, b string) ([]string, error) {
	distA, err := d.ancestors(a)
	if err != nil {
		return nil, err
	}
	distB, err := d.ancestors(b)
	if err != nil {
		return nil, err
	}

	var common []string
	for h := range distA {
		if _, ok := distB[h]; ok {
			common = append(common, h)
		}
	}
	if len(common) == 0 {
		return nil, nil
	}
	sort.Strings(common)

	// A common ancestor c is not minimal if it is a strict ancestor of
	// some other common ancestor d (i.e. c is reachable from d by further
	// parent walks): d is then closer to both tips.
	commonSet := make(map[string]bool, len(common))
	for _, c := range common {
		commonSet[c] = true
	}
	isAncestorOfOtherCommon := make(map[string]bool)
	for _, c := range common {
		ancOfC, err := d.ancestors(c)
		if err != nil {
			return nil, err
		}
		for h := range ancOfC {
			if h != c && commonSet[h] {
				isAncestorOfOtherCommon[h] = true
			}
		}
	}

	var minimal []string
	for _, c := range common {
		if !isAncestorOfOtherCommon[c] {
			minimal = append(minimal, c)
		}
	}
	sort.Slice(minimal, func(i, j int) bool {
		di := distA[minimal[i]] + distB[minimal[i]]
		dj := distA[minimal[j]] + distB[minimal[j]]
		if di != dj {
			return di < dj
		}
		return minimal[i] < minimal[j]
	})
	return minimal, nil
}

// DivergentReplay is the result of replaying two diverged branches back
// to their LCA (spec §4.6).
type DivergentReplay struct {
	LCA      string
	BranchA  []events.Event
	BranchB  []events.Event
	Merged   []events.Event
}

// ReplayDivergent collects events reachable from tipA but not tipB and
// vice versa, then returns them sorted by (wall_ts_us, agent, event_hash)
// for deterministic CRDT replay.
func (d *Dag) ReplayDivergent(tipA, tipB string) (DivergentReplay, error) {
	if tipA == tipB {
		return DivergentReplay{LCA: tipA}, nil
	}
	lca, ok, err := d.FindLCA(tipA, tipB)
	if err != nil {
		return DivergentReplay{}, err
	}
	if !ok {
		return DivergentReplay{}, boneserr.ErrNoDivergence
	}

	sinceLCA := func(tip string) (map[string]bool, error) {
		dist, err := d.ancestors(tip)
		if err != nil {
			return nil, err
		}
		lcaAnc, err := d.ancestors(lca)
		if err != nil {
			return nil, err
		}
		out := make(map[string]bool)
		for h := range dist {
			if h == lca {
				continue
			}
			if _, inLCA := lcaAnc[h]; !inLCA {
				out[h] = true
			}
		}
		return out, nil
	}

	setA, err := sinceLCA(tipA)
	if err != nil {
		return DivergentReplay{}, err
	}
	setB, err := sinceLCA(tipB)
	if err != nil {
		return DivergentReplay{}, err
	}

	branchA := d.eventsFromSet(setA)
	branchB := d.eventsFromSet(setB)

	merged := make(map[string]events.Event, len(setA)+len(setB))
	for _, e := range branchA {
		merged[e.EventHash] = e
	}
	for _, e := range branchB {
		merged[e.EventHash] = e
	}
	mergedList := make([]events.Event, 0, len(merged))
	for _, e := range merged {
		mergedList = append(mergedList, e)
	}
	sortDeterministic(mergedList)
	sortDeterministic(branchA)
	sortDeterministic(branchB)

	return DivergentReplay{LCA: lca, BranchA: branchA, BranchB: branchB, Merged: mergedList}, nil
}

// ReplayDivergentForItem filters ReplayDivergent's merged sequence to a
// single item.
func (d *Dag) ReplayDivergentForItem(tipA, tipB, itemID string) (DivergentReplay, error) {
	r, err := d.ReplayDivergent(tipA, tipB)
	if err != nil {
		return DivergentReplay{}, err
	}
	filter := func(evs []events.Event) []events.Event {
		var out []events.Event
		for _, e := range evs {
			if e.ItemID == itemID {
				out = append(out, e)
			}
		}
		return out
	}
	return DivergentReplay{
		LCA:     r.LCA,
		BranchA: filter(r.BranchA),
		BranchB: filter(r.BranchB),
		Merged:  filter(r.Merged),
	}, nil
}

func (d *Dag) eventsFromSet(set map[string]bool) []events.Event {
	out := make([]events.Event, 0, len(set))
	for h := range set {
		if e, ok := d.Get(h); ok {
			out = append(out, e)
		}
	}
	return out
}

func sortDeterministic(evs []events.Event) {
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].WallTSUs != evs[j].WallTSUs {
			return evs[i].WallTSUs < evs[j].WallTSUs
		}
		if evs[i].Agent != evs[j].Agent {
			return evs[i].Agent < evs[j].Agent
		}
		return evs[i].EventHash < evs[j].EventHash
	})
}
