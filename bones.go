// Package bones is the public entry point for the library: a local-first,
// append-only, CRDT-based work-item tracker (spec §1).
//
// Most callers only need Store: Open (or Init) a project root, then call
// its methods to append events, query projected state, or undo a prior
// event. Store has no sync method; the Prolly-tree sync protocol is
// prolly.Sync in internal/prolly. The re-export block below mirrors the
// teacher's root beads.go, which exposes the library's essential types
// at the module root rather than requiring callers to import every
// internal/ package by hand.
package bones

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/untoldecay/bones/internal/boneserr"
	"github.com/untoldecay/bones/internal/bonesproject"
	"github.com/untoldecay/bones/internal/cache"
	"github.com/untoldecay/bones/internal/config"
	"github.com/untoldecay/bones/internal/crdt"
	"github.com/untoldecay/bones/internal/dag"
	"github.com/untoldecay/bones/internal/events"
	"github.com/untoldecay/bones/internal/goal"
	"github.com/untoldecay/bones/internal/hashing"
	"github.com/untoldecay/bones/internal/idgen"
	"github.com/untoldecay/bones/internal/itc"
	"github.com/untoldecay/bones/internal/projection"
	"github.com/untoldecay/bones/internal/serialize"
	"github.com/untoldecay/bones/internal/shard"
	"github.com/untoldecay/bones/internal/undo"
)

// Re-exported core types, so callers can write bones.Event instead of
// reaching into internal/events.
type (
	Event        = events.Event
	EventType    = events.Type
	Kind         = events.Kind
	State        = events.State
	LinkType     = events.LinkType
	AssignAction = events.AssignAction
	WorkItem     = crdt.WorkItemFields
)

// Re-exported event type constants.
const (
	TypeCreate   = events.TypeCreate
	TypeUpdate   = events.TypeUpdate
	TypeMove     = events.TypeMove
	TypeAssign   = events.TypeAssign
	TypeComment  = events.TypeComment
	TypeLink     = events.TypeLink
	TypeUnlink   = events.TypeUnlink
	TypeDelete   = events.TypeDelete
	TypeCompact  = events.TypeCompact
	TypeSnapshot = events.TypeSnapshot
	TypeRedact   = events.TypeRedact
)

// Re-exported lifecycle state constants.
const (
	StateOpen     = events.StateOpen
	StateDoing    = events.StateDoing
	StateDone     = events.StateDone
	StateArchived = events.StateArchived
)

// Re-exported sentinel errors.
var (
	ErrInvalidItemID    = boneserr.ErrInvalidItemID
	ErrNotABonesProject = boneserr.ErrNotABonesProject
	ErrAmbiguousID      = boneserr.ErrAmbiguousID
	ErrGrowOnly         = boneserr.ErrGrowOnly
)

// Store is a handle on one bones project: its event shards, binary
// cache, and SQLite projection.
type Store struct {
	layout bonesproject.Layout
	cfg    config.Config
	shards *shard.Manager
	cache  *cache.Manager
	proj   *projection.DB
	agent  string
	clock  itc.Stamp
}

// Init creates a fresh .bones/ project rooted at dir.
func Init(dir string) (*Store, error) {
	layout, err := bonesproject.Init(dir)
	if err != nil {
		return nil, err
	}
	return open(layout)
}

// Open discovers and opens the nearest .bones/ project starting at or
// above dir.
func Open(ctx context.Context, dir string) (*Store, error) {
	layout, err := bonesproject.Discover(dir)
	if err != nil {
		return nil, err
	}
	return open(layout)
}

func open(layout bonesproject.Layout) (*Store, error) {
	cfg, err := config.Load(layout.Root)
	if err != nil {
		return nil, err
	}
	shards, err := shard.New(layout.EventsDir)
	if err != nil {
		return nil, err
	}
	c := cache.New(filepath.Join(layout.CacheDir, "events.bin"), shards, cfg.Cache.Disabled)
	proj, err := projection.Open(context.Background(), layout.Projection)
	if err != nil {
		return nil, err
	}
	return &Store{
		layout: layout,
		cfg:    cfg,
		shards: shards,
		cache:  c,
		proj:   proj,
		agent:  "bones",
		clock:  itc.Seed(),
	}, nil
}

// Close releases the projection database handle.
func (s *Store) Close() error {
	return s.proj.Close()
}

// SetAgent sets the identity recorded on events this Store appends.
func (s *Store) SetAgent(agent string) { s.agent = agent }

// LoadEvents returns every event in the project, using the binary cache
// when fresh.
func (s *Store) LoadEvents() ([]events.Event, error) {
	return s.cache.Load()
}

// Rebuild replays every shard and rebuilds both the binary cache and the
// SQLite projection from scratch (spec §4.9).
func (s *Store) Rebuild(ctx context.Context) error {
	content, err := s.shards.Replay()
	if err != nil {
		return err
	}
	parsed, err := serialize.ParseLines(content, 1, false)
	if err != nil {
		return err
	}
	if err := s.cache.Rebuild(parsed); err != nil {
		return err
	}
	states := crdt.BuildAll(parsed)
	var highest string
	if len(parsed) > 0 {
		highest = parsed[len(parsed)-1].EventHash
	}
	return s.proj.Rebuild(ctx, states, highest)
}

// append seals, appends to the active shard, and incrementally projects
// one event.
func (s *Store) append(ctx context.Context, ev events.Event) (events.Event, error) {
	s.clock = itc.Event(s.clock)
	ev.ITC = s.clock.String()

	sealed, err := hashing.Seal(ev)
	if err != nil {
		return events.Event{}, err
	}
	line, err := serialize.WriteLine(sealed, sealed.EventHash)
	if err != nil {
		return events.Event{}, err
	}
	if err := s.shards.Append(ctx, line, true, time.Now().Add(5*time.Second)); err != nil {
		return events.Event{}, err
	}

	existing, err := s.itemState(ctx, sealed.ItemID)
	if err != nil {
		return events.Event{}, err
	}
	if err := existing.Apply(sealed); err != nil {
		return events.Event{}, err
	}
	if err := s.proj.ApplyOne(ctx, existing); err != nil {
		return events.Event{}, err
	}

	// Auto-generated transitions are themselves appended as agent "bones"
	// events; skip re-evaluating on those so a close can't immediately
	// re-trigger a reopen (or vice versa) in a loop.
	if sealed.Agent != "bones" {
		if err := s.applyGoalTransition(ctx, sealed.ItemID, sealed.EventHash); err != nil {
			return events.Event{}, err
		}
	}
	return sealed, nil
}

// applyGoalTransition checks whether itemID's parent goal has crossed an
// auto-close or auto-reopen threshold after the just-appended event, and
// if so appends the corresponding item.move event (spec §4.12,
// SPEC_FULL.md §12.5: auto-close/reopen is itself an emitted event, never
// a direct projection mutation). A no-op unless goal.auto_close is set.
func (s *Store) applyGoalTransition(ctx context.Context, itemID, causeHash string) error {
	if !s.cfg.Goal.AutoClose {
		return nil
	}
	items, err := s.snapshotItems(ctx)
	if err != nil {
		return err
	}
	item, ok := items[itemID]
	if !ok || item.Parent == "" {
		return nil
	}
	parentID := item.Parent
	parent, ok := items[parentID]
	if !ok || parent.Kind != events.KindGoal {
		return nil
	}

	switch {
	case parent.State != events.StateDone && parent.State != events.StateArchived &&
		goal.EligibleForAutoClose(items, parentID, s.cfg.Goal.AutoCloseLabels):
		_, err := s.append(ctx, goal.AutoCloseEvent(parentID, causeHash, s.shards.NextTimestamp()))
		return err
	case (parent.State == events.StateDone || parent.State == events.StateArchived) &&
		goal.EligibleForAutoReopen(items, parentID):
		_, err := s.append(ctx, goal.ReopenEvent(parentID, causeHash, s.shards.NextTimestamp()))
		return err
	}
	return nil
}

func (s *Store) itemState(ctx context.Context, itemID string) (*crdt.WorkItemState, error) {
	evs, err := s.LoadEvents()
	if err != nil {
		return nil, err
	}
	st := crdt.New(itemID)
	for _, e := range evs {
		if e.ItemID == itemID {
			if err := st.Apply(e); err != nil {
				return nil, err
			}
		}
	}
	return st, nil
}

// CreateItem appends an item.create event and returns the new item ID.
func (s *Store) CreateItem(ctx context.Context, title string, kind events.Kind, opts CreateOptions) (string, events.Event, error) {
	id, err := idgen.New(func(candidate string) bool {
		_, err := s.proj.Resolve(ctx, candidate)
		return err == nil
	})
	if err != nil {
		return "", events.Event{}, err
	}

	ev := events.Event{
		WallTSUs:  s.shards.NextTimestamp(),
		Agent:     s.agent,
		EventType: events.TypeCreate,
		ItemID:    id,
		Data: events.Data{Create: &events.CreateData{
			Title:       title,
			Kind:        kind,
			Description: opts.Description,
			Size:        opts.Size,
			Urgency:     opts.Urgency,
			Labels:      opts.Labels,
			Parent:      opts.Parent,
		}},
	}
	sealed, err := s.append(ctx, ev)
	return id, sealed, err
}

// CreateOptions carries the optional fields of item.create.
type CreateOptions struct {
	Description string
	Size        *int
	Urgency     *int
	Labels      []string
	Parent      string
}

// Get resolves a partial or full ID and returns the item's current
// convergent fields.
func (s *Store) Get(ctx context.Context, idOrPrefix string) (WorkItem, error) {
	id, err := s.proj.Resolve(ctx, idOrPrefix)
	if err != nil {
		return WorkItem{}, err
	}
	st, err := s.itemState(ctx, id)
	if err != nil {
		return WorkItem{}, err
	}
	return st.ToFields(), nil
}

// Undo appends a compensating event reversing originalHash's effect.
func (s *Store) Undo(ctx context.Context, originalHash string) (events.Event, error) {
	evs, err := s.LoadEvents()
	if err != nil {
		return events.Event{}, err
	}
	var original events.Event
	var found bool
	for _, e := range evs {
		if e.EventHash == originalHash {
			original = e
			found = true
			break
		}
	}
	if !found {
		return events.Event{}, fmt.Errorf("bones: %w: %s", boneserr.ErrEventNotFound, originalHash)
	}

	var sameItemPrior []events.Event
	for _, e := range evs {
		if e.ItemID == original.ItemID && e.EventHash != originalHash {
			if e.WallTSUs >= original.WallTSUs {
				break
			}
			sameItemPrior = append(sameItemPrior, e)
		}
	}

	comp, err := undo.Compensate(original, sameItemPrior, s.agent, s.shards.NextTimestamp())
	if err != nil {
		return events.Event{}, err
	}
	return s.append(ctx, comp)
}

// BuildDag constructs an in-memory Merkle DAG over every event,
// exposing LCA and divergent-replay queries.
func (s *Store) BuildDag() (*dag.Dag, error) {
	evs, err := s.LoadEvents()
	if err != nil {
		return nil, err
	}
	return dag.Build(evs), nil
}

// Watch starts watching the project's events directory for writes from
// other processes, invoking onChange (debounced) after each settles.
// Callers typically react by calling LoadEvents again.
func (s *Store) Watch(onChange func()) (*cache.Watcher, error) {
	return cache.WatchDir(s.layout.EventsDir, 300*time.Millisecond, onChange)
}

// CheckBlockingCycle reports whether linking from -> to as "blocks"
// would create a cycle.
func (s *Store) CheckBlockingCycle(ctx context.Context, from, to string) error {
	items, err := s.snapshotItems(ctx)
	if err != nil {
		return err
	}
	return goal.WouldCreateCycle(items, from, to)
}

func (s *Store) snapshotItems(ctx context.Context) (goal.Items, error) {
	evs, err := s.LoadEvents()
	if err != nil {
		return nil, err
	}
	states := crdt.BuildAll(evs)
	out := make(goal.Items, len(states))
	for id, st := range states {
		out[id] = st.ToFields()
	}
	return out, nil
}
