package registry

import (
	"context"
	"sort"

	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
)

// Get returns the trigger by name from the current snapshot. Lock-free.
func (r *Registry) Get(project ids.ProjectId, name string) (*domain.Trigger, error) {
	s := r.snap.Load()
	t, ok := s.triggers[triggerKey{project: project, name: name}]
	if !ok {
		return nil, domain.Errorf(domain.ErrNotFound, "trigger %q not found", name)
	}
	return t, nil
}

// GetId resolves a trigger name to its id.
func (r *Registry) GetId(project ids.ProjectId, name string) (ids.TriggerId, error) {
	t, err := r.Get(project, name)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Statuses []domain.TriggerStatus
}

// Page is cursor-based pagination over lex-ordered trigger ids.
type Page struct {
	Cursor string
	Limit  int
}

// ListResult carries one page plus the cursor for the next.
type ListResult struct {
	Triggers   []*domain.Trigger
	NextCursor string
	HasMore    bool
}

// List pages through the project's triggers in id order, served from the
// snapshot. Readers never block writers.
func (r *Registry) List(project ids.ProjectId, filter ListFilter, page Page) ListResult {
	if page.Limit <= 0 {
		page.Limit = 100
	}
	s := r.snap.Load()

	var matched []*domain.Trigger
	for key, t := range s.triggers {
		if key.project != project {
			continue
		}
		if len(filter.Statuses) > 0 && !statusIn(t.Status, filter.Statuses) {
			continue
		}
		if page.Cursor != "" && string(t.ID) <= page.Cursor {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	res := ListResult{}
	if len(matched) > page.Limit {
		res.HasMore = true
		matched = matched[:page.Limit]
	}
	res.Triggers = matched
	if res.HasMore && len(matched) > 0 {
		res.NextCursor = string(matched[len(matched)-1].ID)
	}
	return res
}

func statusIn(s domain.TriggerStatus, set []domain.TriggerStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// RunNow creates a run immediately, outside the schedule. In async mode it
// returns once the run is persisted and handed to the dispatcher; in sync
// mode it waits for a terminal status (bounded by the caller's context).
func (r *Registry) RunNow(ctx context.Context, project ids.ProjectId, name string, mode domain.RunMode) (*domain.Run, error) {
	lock := r.ownerLock(project)
	lock.Lock()

	key := triggerKey{project: project, name: name}
	r.mu.Lock()
	at, ok := r.triggers[key]
	r.mu.Unlock()
	if !ok {
		lock.Unlock()
		return nil, domain.Errorf(domain.ErrNotFound, "trigger %q not found", name)
	}
	if at.trigger.Status == domain.TriggerStatusCancelled {
		lock.Unlock()
		return nil, domain.NewError(domain.ErrInvalidStatus, "trigger is cancelled")
	}

	now := r.clock().UTC()
	run := domain.NewRun(at.trigger, now)
	if err := r.store.RecordRun(ctx, run); err != nil {
		lock.Unlock()
		return nil, err
	}
	lock.Unlock()

	if mode == domain.RunModeSync {
		return r.dispatcher.DispatchSync(ctx, run)
	}
	if err := r.dispatcher.Dispatch(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}
