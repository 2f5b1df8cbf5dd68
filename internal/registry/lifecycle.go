package registry

import (
	"context"
	"time"

	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
	"github.com/devtari-io/cronback/internal/schedule"
)

// Pause stops future fires. In-flight runs continue to completion.
func (r *Registry) Pause(ctx context.Context, project ids.ProjectId, name string) (*domain.Trigger, error) {
	return r.transition(ctx, project, name, domain.TriggerStatusPaused)
}

// Resume re-installs the schedule cursor at the current instant, skipping
// anything missed while paused.
func (r *Registry) Resume(ctx context.Context, project ids.ProjectId, name string) (*domain.Trigger, error) {
	return r.transition(ctx, project, name, domain.TriggerStatusScheduled)
}

// Cancel is terminal. The trigger leaves the in-memory map; its name becomes
// reusable.
func (r *Registry) Cancel(ctx context.Context, project ids.ProjectId, name string) (*domain.Trigger, error) {
	return r.transition(ctx, project, name, domain.TriggerStatusCancelled)
}

func (r *Registry) transition(ctx context.Context, project ids.ProjectId, name string, next domain.TriggerStatus) (*domain.Trigger, error) {
	lock := r.ownerLock(project)
	lock.Lock()
	defer lock.Unlock()

	key := triggerKey{project: project, name: name}
	r.mu.Lock()
	at, ok := r.triggers[key]
	r.mu.Unlock()
	if !ok {
		return nil, domain.Errorf(domain.ErrNotFound, "trigger %q not found", name)
	}

	if _, err := r.store.SetTriggerStatus(ctx, at.trigger.ID, next); err != nil {
		return nil, err
	}

	now := r.clock().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	at.trigger.Status = next
	at.trigger.UpdatedAt = now
	r.gen++
	at.gen = r.gen // invalidates any heap entry for the old generation

	switch next {
	case domain.TriggerStatusCancelled:
		delete(r.triggers, key)
		delete(r.byId, at.trigger.ID)
	case domain.TriggerStatusScheduled:
		iter, err := schedule.NewIterator(at.trigger.Schedule, now)
		if err == nil {
			at.iter = iter
			if iter.Exhausted() {
				at.trigger.Status = domain.TriggerStatusExpired
				if _, serr := r.store.SetTriggerStatus(ctx, at.trigger.ID, domain.TriggerStatusExpired); serr != nil {
					return nil, serr
				}
			} else if fireAt, ok := iter.Peek(); ok {
				r.publish(at.trigger.ID, fireAt, at.gen)
			}
		}
	}
	r.rebuildSnapshotLocked()
	return at.trigger.Clone(), nil
}

// Delete removes the trigger entirely: from the spinner, the map and the
// store. Runs and attempts are kept for audit.
func (r *Registry) Delete(ctx context.Context, project ids.ProjectId, name string) (*domain.Trigger, error) {
	lock := r.ownerLock(project)
	lock.Lock()
	defer lock.Unlock()

	key := triggerKey{project: project, name: name}
	r.mu.Lock()
	at, ok := r.triggers[key]
	r.mu.Unlock()
	if !ok {
		return nil, domain.Errorf(domain.ErrNotFound, "trigger %q not found", name)
	}

	if err := r.store.DeleteTrigger(ctx, at.trigger.ID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	at.gen = r.gen
	delete(r.triggers, key)
	delete(r.byId, at.trigger.ID)
	r.rebuildSnapshotLocked()
	return at.trigger.Clone(), nil
}

// DeleteProject hard-deletes every row of the project, then drops its
// triggers from memory; their heap entries go stale. Used for account
// teardown.
func (r *Registry) DeleteProject(ctx context.Context, project ids.ProjectId) error {
	lock := r.ownerLock(project)
	lock.Lock()
	defer lock.Unlock()

	if err := r.store.DeleteProject(ctx, project); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, at := range r.triggers {
		if key.project != project {
			continue
		}
		r.gen++
		at.gen = r.gen
		delete(r.triggers, key)
		delete(r.byId, at.trigger.ID)
	}
	r.rebuildSnapshotLocked()
	return nil
}

// PlanRun is called by the spinner when a heap entry comes due. It validates
// the generation and status, creates and persists the run snapshot, advances
// the schedule cursor and re-arms the heap. A nil plan means the entry was
// stale and there is nothing to dispatch.
func (r *Registry) PlanRun(ctx context.Context, id ids.TriggerId, gen uint64, now time.Time) (*domain.Run, error) {
	r.mu.Lock()
	key, ok := r.byId[id]
	var at *activeTrigger
	if ok {
		at = r.triggers[key]
	}
	r.mu.Unlock()

	if at == nil || at.gen != gen || at.trigger.Status != domain.TriggerStatusScheduled || at.iter == nil {
		return nil, nil // stale entry, dropped on pop
	}

	lock := r.ownerLock(key.project)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the owner lock; a mutation may have won the race.
	r.mu.Lock()
	if cur, ok := r.triggers[key]; !ok || cur != at || at.gen != gen || at.trigger.Status != domain.TriggerStatusScheduled {
		r.mu.Unlock()
		return nil, nil
	}
	r.mu.Unlock()

	run := domain.NewRun(at.trigger, now)
	if err := r.store.RecordRun(ctx, run); err != nil {
		return nil, err
	}

	at.iter.Advance()

	r.mu.Lock()
	at.trigger.LastRanAt = &now
	r.gen++
	at.gen = r.gen

	exhausted := at.iter.Exhausted()
	var nextFire time.Time
	hasNext := false
	if !exhausted {
		nextFire, hasNext = at.iter.Peek()
	}
	r.rebuildSnapshotLocked()
	r.mu.Unlock()

	if err := r.store.UpdateTriggerCursor(ctx, at.trigger.ID, now, at.trigger.Schedule); err != nil {
		// The run fired; a stale cursor is corrected on the next write or
		// reload. Not worth failing the dispatch over.
		return run, nil
	}

	if exhausted {
		if _, err := r.store.SetTriggerStatus(ctx, at.trigger.ID, domain.TriggerStatusExpired); err == nil {
			r.mu.Lock()
			at.trigger.Status = domain.TriggerStatusExpired
			r.rebuildSnapshotLocked()
			r.mu.Unlock()
		}
	} else if hasNext {
		r.publish(at.trigger.ID, nextFire, at.gen)
	}
	return run, nil
}
