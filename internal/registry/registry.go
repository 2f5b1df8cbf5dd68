// Package registry mediates all trigger mutations for one scheduler cell.
// It exclusively owns the in-memory trigger map; the spinner holds weak
// references (trigger id + generation) and must tolerate disappearance.
//
// Mutations write to the store first and only then touch memory, so a store
// failure aborts the operation without leaving ghost state. Reads are served
// lock-free from a versioned copy-on-write snapshot.
package registry

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
	"github.com/devtari-io/cronback/internal/schedule"
)

// Store is the persistence contract the registry depends on.
type Store interface {
	UpsertTrigger(ctx context.Context, t *domain.Trigger, pre domain.Precondition) (domain.UpsertEffect, error)
	LoadActiveTriggers(ctx context.Context) ([]*domain.Trigger, error)
	SetTriggerStatus(ctx context.Context, id ids.TriggerId, next domain.TriggerStatus) (domain.TriggerStatus, error)
	UpdateTriggerCursor(ctx context.Context, id ids.TriggerId, lastRanAt time.Time, sched *domain.Schedule) error
	DeleteTrigger(ctx context.Context, id ids.TriggerId) error
	RecordRun(ctx context.Context, run *domain.Run) error
	DeleteProject(ctx context.Context, project ids.ProjectId) error
}

// Publisher receives heap entries for triggers with a future fire time.
type Publisher interface {
	Publish(id ids.TriggerId, fireAt time.Time, gen uint64)
}

// Dispatcher submits runs for execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, run *domain.Run) error
	DispatchSync(ctx context.Context, run *domain.Run) (*domain.Run, error)
}

type Config struct {
	Cell    ids.CellId
	Mapping ids.CellMapping

	// DangerousFastForward replays runs missed while the cell was down
	// instead of skipping them.
	DangerousFastForward bool

	// EstimatedRuns is how many upcoming timepoints Upsert reports back.
	EstimatedRuns int
}

type triggerKey struct {
	project ids.ProjectId
	name    string
}

type activeTrigger struct {
	trigger *domain.Trigger
	iter    *schedule.Iterator
	gen     uint64
}

// snapshot is an immutable view handed to readers. Triggers are clones;
// readers may see pre- or post-update state but never a torn record.
type snapshot struct {
	version  uint64
	triggers map[triggerKey]*domain.Trigger
	byId     map[ids.TriggerId]triggerKey
}

type Registry struct {
	cfg        Config
	store      Store
	spinner    Publisher
	dispatcher Dispatcher
	clock      func() time.Time

	mu       sync.Mutex // guards triggers, byId, gen
	triggers map[triggerKey]*activeTrigger
	byId     map[ids.TriggerId]triggerKey
	gen      uint64

	ownerMu    sync.Mutex
	ownerLocks map[ids.ProjectId]*sync.Mutex

	snap atomic.Pointer[snapshot]
}

func New(cfg Config, store Store, spinner Publisher, dispatcher Dispatcher) *Registry {
	if cfg.EstimatedRuns == 0 {
		cfg.EstimatedRuns = 5
	}
	r := &Registry{
		cfg:        cfg,
		store:      store,
		spinner:    spinner,
		dispatcher: dispatcher,
		clock:      time.Now,
		triggers:   make(map[triggerKey]*activeTrigger),
		byId:       make(map[ids.TriggerId]triggerKey),
		ownerLocks: make(map[ids.ProjectId]*sync.Mutex),
	}
	r.snap.Store(&snapshot{triggers: map[triggerKey]*domain.Trigger{}, byId: map[ids.TriggerId]triggerKey{}})
	return r
}

// WithClock overrides the wall clock, for tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// SetPublisher wires the spinner in after construction. The registry and
// spinner reference each other, so one side has to be attached late.
func (r *Registry) SetPublisher(p Publisher) {
	r.spinner = p
}

// publish forwards a heap entry to the spinner, if one is attached.
func (r *Registry) publish(id ids.TriggerId, fireAt time.Time, gen uint64) {
	if r.spinner != nil {
		r.spinner.Publish(id, fireAt, gen)
	}
}

// Owns reports whether this cell is responsible for the project.
func (r *Registry) Owns(project ids.ProjectId) bool {
	return r.cfg.Mapping.Cell(project) == r.cfg.Cell
}

// ownerLock serializes mutations against the same project.
func (r *Registry) ownerLock(project ids.ProjectId) *sync.Mutex {
	r.ownerMu.Lock()
	defer r.ownerMu.Unlock()
	l, ok := r.ownerLocks[project]
	if !ok {
		l = &sync.Mutex{}
		r.ownerLocks[project] = l
	}
	return l
}

// UpsertResult is the canonical post-install form handed back to callers.
type UpsertResult struct {
	Trigger       *domain.Trigger
	Effect        domain.UpsertEffect
	EstimatedRuns []time.Time
}

// Upsert validates, persists and installs a trigger. Create and update share
// this path: the precondition decides which is allowed, and the store
// preserves identity on update.
func (r *Registry) Upsert(ctx context.Context, t *domain.Trigger, pre domain.Precondition) (*UpsertResult, error) {
	if err := ValidateTrigger(t); err != nil {
		return nil, err
	}

	lock := r.ownerLock(t.Project)
	lock.Lock()
	defer lock.Unlock()

	now := r.clock().UTC()
	if t.ID == "" {
		t.ID = ids.NewTriggerId(t.Project)
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Schedule != nil {
		t.Status = domain.TriggerStatusScheduled
		schedule.InitRemaining(t.Schedule)
	} else {
		t.Status = domain.TriggerStatusOnDemand
	}

	effect, err := r.store.UpsertTrigger(ctx, t, pre)
	if err != nil {
		return nil, err
	}

	installed := t.Clone()
	if effect != domain.UpsertNotModified {
		if err := r.install(installed, now); err != nil {
			// The row is persisted but could not be installed; the next
			// reload corrects it. Surface the error to the caller.
			return nil, err
		}
	}

	var estimated []time.Time
	if installed.Schedule != nil && installed.Status == domain.TriggerStatusScheduled {
		estimated = schedule.EstimateFutureRuns(installed.Schedule, now, r.cfg.EstimatedRuns)
	}
	return &UpsertResult{Trigger: installed.Clone(), Effect: effect, EstimatedRuns: estimated}, nil
}

// install builds the schedule cursor and publishes the trigger. Caller holds
// the owner lock.
func (r *Registry) install(t *domain.Trigger, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := triggerKey{project: t.Project, name: t.Name}
	r.gen++
	at := &activeTrigger{trigger: t, gen: r.gen}

	if t.Schedule != nil && t.Status == domain.TriggerStatusScheduled {
		seed := r.seedInstant(t, now)
		iter, err := schedule.NewIterator(t.Schedule, seed)
		if err != nil {
			return err
		}
		at.iter = iter
		if iter.Exhausted() {
			// Nothing left to fire; the trigger is born (or reloaded) expired.
			t.Status = domain.TriggerStatusExpired
			if _, err := r.store.SetTriggerStatus(context.Background(), t.ID, domain.TriggerStatusExpired); err != nil {
				log.Printf("registry: failed to expire drained trigger %s: %v", t.ID, err)
			}
		}
	}

	r.triggers[key] = at
	r.byId[t.ID] = key
	r.rebuildSnapshotLocked()

	if at.iter != nil && t.Status == domain.TriggerStatusScheduled {
		if fireAt, ok := at.iter.Peek(); ok {
			r.publish(t.ID, fireAt, at.gen)
		}
	}
	return nil
}

// seedInstant decides where the schedule cursor starts. Missed runs are
// skipped unless the operator opted into replaying them.
func (r *Registry) seedInstant(t *domain.Trigger, now time.Time) time.Time {
	if r.cfg.DangerousFastForward {
		if t.LastRanAt != nil {
			return *t.LastRanAt
		}
		return t.CreatedAt
	}
	seed := now
	if t.LastRanAt != nil && t.LastRanAt.After(seed) {
		seed = *t.LastRanAt
	}
	return seed
}

// LoadFromStore reloads this cell's active triggers on startup.
func (r *Registry) LoadFromStore(ctx context.Context) error {
	triggers, err := r.store.LoadActiveTriggers(ctx)
	if err != nil {
		return err
	}
	now := r.clock().UTC()
	installed := 0
	for _, t := range triggers {
		if !r.Owns(t.Project) {
			continue
		}
		if err := r.install(t.Clone(), now); err != nil {
			log.Printf("registry: failed to install trigger %s on reload: %v", t.ID, err)
			continue
		}
		installed++
	}
	log.Printf("registry: cell %d loaded %d active triggers", r.cfg.Cell, installed)
	return nil
}

// rebuildSnapshotLocked publishes a fresh immutable view. Caller holds r.mu.
func (r *Registry) rebuildSnapshotLocked() {
	s := &snapshot{
		version:  r.gen,
		triggers: make(map[triggerKey]*domain.Trigger, len(r.triggers)),
		byId:     make(map[ids.TriggerId]triggerKey, len(r.byId)),
	}
	for k, at := range r.triggers {
		s.triggers[k] = at.trigger.Clone()
		s.byId[at.trigger.ID] = k
	}
	r.snap.Store(s)
}
