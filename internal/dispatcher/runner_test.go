package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
)

// mockRunStore records attempts and run updates in memory.
type mockRunStore struct {
	mu       sync.Mutex
	attempts []*domain.Attempt
	runs     map[ids.RunId]*domain.Run
}

func newMockRunStore() *mockRunStore {
	return &mockRunStore{runs: make(map[ids.RunId]*domain.Run)}
}

func (s *mockRunStore) RecordAttempt(ctx context.Context, attempt *domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *mockRunStore) UpdateRun(ctx context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *run
	s.runs[run.ID] = &c
	return nil
}

func (s *mockRunStore) LastAttemptNum(ctx context.Context, run ids.RunId) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, a := range s.attempts {
		if a.RunId == run && a.AttemptNum > max {
			max = a.AttemptNum
		}
	}
	return max, nil
}

func (s *mockRunStore) attemptNums(run ids.RunId) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, a := range s.attempts {
		if a.RunId == run {
			out = append(out, a.AttemptNum)
		}
	}
	return out
}

// scriptedExecutor fails a fixed number of times, then succeeds.
type scriptedExecutor struct {
	mu        sync.Mutex
	failFirst int
	calls     int
}

func (e *scriptedExecutor) Execute(ctx context.Context, run *domain.Run, attemptId ids.AttemptId, attemptNum int) (domain.AttemptStatus, domain.WebhookAttemptDetails) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.failFirst {
		code := 500
		return domain.AttemptStatusFailed, domain.WebhookAttemptDetails{ResponseCode: &code}
	}
	code := 200
	return domain.AttemptStatusSucceeded, domain.WebhookAttemptDetails{ResponseCode: &code}
}

// recordedSleep captures inter-attempt delays without actually sleeping.
type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func simpleRetryRun(maxAttempts int, delay time.Duration) *domain.Run {
	project := ids.NewProjectId()
	return &domain.Run{
		ID:        ids.NewRunId(project),
		TriggerId: ids.NewTriggerId(project),
		Project:   project,
		CreatedAt: time.Now().UTC(),
		Action: domain.Action{Webhook: &domain.Webhook{
			URL:        "https://example.com/hook",
			HTTPMethod: domain.MethodPost,
			Timeout:    5 * time.Second,
			Retry: &domain.RetryPolicy{Simple: &domain.SimpleRetry{
				MaxNumAttempts: maxAttempts,
				Delay:          delay,
			}},
		}},
		Status: domain.RunStatusAttempting,
	}
}

func startRunner(t *testing.T, store Store, exec Executor, sleep func(context.Context, time.Duration) error) *Runner {
	t.Helper()
	r := NewRunner(RunnerConfig{Workers: 2, QueueSize: 16}, store, exec)
	if sleep != nil {
		r.WithSleep(sleep)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)
	return r
}

func TestRunner_AllAttemptsFail(t *testing.T) {
	store := newMockRunStore()
	exec := &scriptedExecutor{failFirst: 99} // never succeeds
	sleeper := &recordedSleep{}
	r := startRunner(t, store, exec, sleeper.sleep)

	run := simpleRetryRun(3, 2*time.Second)
	done, err := r.Enqueue(run)
	require.NoError(t, err)

	final := <-done
	assert.Equal(t, domain.RunStatusFailed, final.Status)

	// Three attempts with contiguous numbering 1..3.
	assert.Equal(t, []int{1, 2, 3}, store.attemptNums(run.ID))

	// Two inter-attempt waits of exactly the configured delay.
	sleeper.mu.Lock()
	defer sleeper.mu.Unlock()
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, sleeper.delays)

	// The persisted run is terminal and points at the last attempt.
	store.mu.Lock()
	persisted := store.runs[run.ID]
	lastAttempt := store.attempts[len(store.attempts)-1]
	store.mu.Unlock()
	assert.Equal(t, domain.RunStatusFailed, persisted.Status)
	assert.Equal(t, lastAttempt.ID, persisted.LatestAttemptId)
	assert.Equal(t, domain.AttemptStatusFailed, lastAttempt.Status)
}

func TestRunner_SucceedsAfterRetry(t *testing.T) {
	store := newMockRunStore()
	exec := &scriptedExecutor{failFirst: 1}
	sleeper := &recordedSleep{}
	r := startRunner(t, store, exec, sleeper.sleep)

	run := simpleRetryRun(3, time.Second)
	done, err := r.Enqueue(run)
	require.NoError(t, err)

	final := <-done
	assert.Equal(t, domain.RunStatusSucceeded, final.Status)
	assert.Equal(t, []int{1, 2}, store.attemptNums(run.ID))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, domain.RunStatusSucceeded, store.runs[run.ID].Status)
}

func TestRunner_NoRetryPolicySingleAttempt(t *testing.T) {
	store := newMockRunStore()
	exec := &scriptedExecutor{failFirst: 99}
	r := startRunner(t, store, exec, nil)

	run := simpleRetryRun(1, time.Second)
	run.Action.Webhook.Retry = nil
	done, err := r.Enqueue(run)
	require.NoError(t, err)

	final := <-done
	assert.Equal(t, domain.RunStatusFailed, final.Status)
	assert.Equal(t, []int{1}, store.attemptNums(run.ID))
}

func TestRunner_ReenqueueContinuesAttemptNumbering(t *testing.T) {
	store := newMockRunStore()
	exec := &scriptedExecutor{failFirst: 99}
	sleeper := &recordedSleep{}
	r := startRunner(t, store, exec, sleeper.sleep)

	run := simpleRetryRun(3, time.Second)

	// One attempt was recorded before the crash.
	require.NoError(t, store.RecordAttempt(context.Background(), &domain.Attempt{
		ID:         ids.NewAttemptId(run.Project),
		RunId:      run.ID,
		TriggerId:  run.TriggerId,
		Project:    run.Project,
		AttemptNum: 1,
		Status:     domain.AttemptStatusFailed,
		CreatedAt:  time.Now().UTC(),
	}))

	done, err := r.Enqueue(run)
	require.NoError(t, err)
	final := <-done

	// Numbering resumed at 2; the overall budget of 3 held.
	assert.Equal(t, domain.RunStatusFailed, final.Status)
	assert.Equal(t, []int{1, 2, 3}, store.attemptNums(run.ID))
}

func TestRunner_ReenqueueWithSpentBudgetFinalizesWithoutAttempt(t *testing.T) {
	store := newMockRunStore()
	exec := &scriptedExecutor{failFirst: 99}
	r := startRunner(t, store, exec, nil)

	run := simpleRetryRun(2, time.Second)
	for n := 1; n <= 2; n++ {
		require.NoError(t, store.RecordAttempt(context.Background(), &domain.Attempt{
			ID:         ids.NewAttemptId(run.Project),
			RunId:      run.ID,
			TriggerId:  run.TriggerId,
			Project:    run.Project,
			AttemptNum: n,
			Status:     domain.AttemptStatusFailed,
			CreatedAt:  time.Now().UTC(),
		}))
	}

	done, err := r.Enqueue(run)
	require.NoError(t, err)
	final := <-done

	assert.Equal(t, domain.RunStatusFailed, final.Status)
	// No new attempt rows; the executor was never invoked.
	assert.Equal(t, []int{1, 2}, store.attemptNums(run.ID))
	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Zero(t, exec.calls)
}

func TestRunner_QueueFullIsBackpressure(t *testing.T) {
	store := newMockRunStore()
	exec := &scriptedExecutor{}
	// Runner never started: the queue only drains by capacity.
	r := NewRunner(RunnerConfig{Workers: 1, QueueSize: 1}, store, exec)

	_, err := r.Enqueue(simpleRetryRun(1, time.Second))
	require.NoError(t, err)

	_, err = r.Enqueue(simpleRetryRun(1, time.Second))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrBackpressure))
}

func TestRunner_SameTriggerRunsSerialized(t *testing.T) {
	store := newMockRunStore()

	var mu sync.Mutex
	var concurrent, peak int
	exec := executorFunc(func(ctx context.Context, run *domain.Run, attemptId ids.AttemptId, attemptNum int) (domain.AttemptStatus, domain.WebhookAttemptDetails) {
		mu.Lock()
		concurrent++
		if concurrent > peak {
			peak = concurrent
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		concurrent--
		mu.Unlock()
		code := 200
		return domain.AttemptStatusSucceeded, domain.WebhookAttemptDetails{ResponseCode: &code}
	})

	r := startRunner(t, store, exec, nil)

	project := ids.NewProjectId()
	trigger := ids.NewTriggerId(project)
	var chans []<-chan *domain.Run
	for i := 0; i < 4; i++ {
		run := simpleRetryRun(1, time.Second)
		run.TriggerId = trigger
		run.Project = project
		done, err := r.Enqueue(run)
		require.NoError(t, err)
		chans = append(chans, done)
	}
	for _, ch := range chans {
		<-ch
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak, "runs of the same trigger must not overlap")
}

type executorFunc func(ctx context.Context, run *domain.Run, attemptId ids.AttemptId, attemptNum int) (domain.AttemptStatus, domain.WebhookAttemptDetails)

func (f executorFunc) Execute(ctx context.Context, run *domain.Run, attemptId ids.AttemptId, attemptNum int) (domain.AttemptStatus, domain.WebhookAttemptDetails) {
	return f(ctx, run, attemptId, attemptNum)
}

func TestClient_BackpressureAtInFlightLimit(t *testing.T) {
	store := newMockRunStore()
	block := make(chan struct{})
	exec := executorFunc(func(ctx context.Context, run *domain.Run, attemptId ids.AttemptId, attemptNum int) (domain.AttemptStatus, domain.WebhookAttemptDetails) {
		<-block
		code := 200
		return domain.AttemptStatusSucceeded, domain.WebhookAttemptDetails{ResponseCode: &code}
	})
	r := startRunner(t, store, exec, nil)
	client := NewClient(r, 2)

	require.NoError(t, client.Dispatch(context.Background(), simpleRetryRun(1, time.Second)))
	require.NoError(t, client.Dispatch(context.Background(), simpleRetryRun(1, time.Second)))

	err := client.Dispatch(context.Background(), simpleRetryRun(1, time.Second))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrBackpressure))

	close(block)
	// In-flight drains back to zero once the runs finish.
	deadline := time.Now().Add(2 * time.Second)
	for client.InFlight() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Zero(t, client.InFlight())
}

func TestClient_SyncReturnsTerminalRun(t *testing.T) {
	store := newMockRunStore()
	exec := &scriptedExecutor{}
	r := startRunner(t, store, exec, nil)
	client := NewClient(r, 8)

	run, err := client.DispatchSync(context.Background(), simpleRetryRun(1, time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, run.Status)
}

func TestClient_SyncDeadlineExceededButRunContinues(t *testing.T) {
	store := newMockRunStore()
	release := make(chan struct{})
	exec := executorFunc(func(ctx context.Context, run *domain.Run, attemptId ids.AttemptId, attemptNum int) (domain.AttemptStatus, domain.WebhookAttemptDetails) {
		<-release
		code := 200
		return domain.AttemptStatusSucceeded, domain.WebhookAttemptDetails{ResponseCode: &code}
	})
	r := startRunner(t, store, exec, nil)
	client := NewClient(r, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	run := simpleRetryRun(1, time.Second)
	_, err := client.DispatchSync(ctx, run)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrDeadlineExceeded))

	// The abandoned run still finishes on the dispatcher.
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		persisted, ok := store.runs[run.ID]
		store.mu.Unlock()
		if ok && persisted.Status == domain.RunStatusSucceeded {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("abandoned run never reached a terminal status")
}
