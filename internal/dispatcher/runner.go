package dispatcher

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
)

// Store is what the runner needs to persist attempt results.
type Store interface {
	RecordAttempt(ctx context.Context, attempt *domain.Attempt) error
	UpdateRun(ctx context.Context, run *domain.Run) error
	// LastAttemptNum returns the highest recorded attempt number for the
	// run, 0 when none. Re-enqueued runs resume numbering from there.
	LastAttemptNum(ctx context.Context, run ids.RunId) (int, error)
}

// Executor performs a single attempt.
type Executor interface {
	Execute(ctx context.Context, run *domain.Run, attemptId ids.AttemptId, attemptNum int) (domain.AttemptStatus, domain.WebhookAttemptDetails)
}

// AnalyticsSink records terminal run outcomes. Optional, best-effort.
type AnalyticsSink interface {
	RecordRunOutcome(ctx context.Context, project ids.ProjectId, trigger ids.TriggerId, status domain.RunStatus)
}

// MetricsSink records dispatcher metrics. All methods must be non-blocking
// and fire-and-forget.
type MetricsSink interface {
	AttemptCompleted(attemptNum int, statusClass string, latency time.Duration)
	RunOutcome(outcome string)
	RunsInFlightIncr()
	RunsInFlightDecr()
	QueueDepthUpdate(n int)
}

// RunnerConfig tunes the execution side of the dispatcher.
type RunnerConfig struct {
	// QueueSize bounds the per-cell execution queue: the principal
	// back-pressure mechanism toward the scheduler.
	QueueSize int

	// Workers is the number of run state machines driven concurrently.
	Workers int

	// MaxConcurrentAttempts caps concurrent outbound HTTP attempts across
	// all workers.
	MaxConcurrentAttempts int64
}

func (c *RunnerConfig) applyDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = 1024
	}
	if c.Workers == 0 {
		c.Workers = 16
	}
	if c.MaxConcurrentAttempts == 0 {
		c.MaxConcurrentAttempts = 64
	}
}

type job struct {
	run  *domain.Run
	done chan *domain.Run // buffered; receives the terminal run
}

// Runner drives the attempt lifecycle for dispatched runs: it owns the
// bounded queue, the retry loop and result persistence.
type Runner struct {
	cfg       RunnerConfig
	store     Store
	executor  Executor
	metrics   MetricsSink
	analytics AnalyticsSink
	sleep     func(ctx context.Context, d time.Duration) error

	queue chan job
	sem   *semaphore.Weighted

	mu         sync.Mutex
	perTrigger map[ids.TriggerId]*sync.Mutex
}

func NewRunner(cfg RunnerConfig, store Store, executor Executor) *Runner {
	cfg.applyDefaults()
	return &Runner{
		cfg:        cfg,
		store:      store,
		executor:   executor,
		sleep:      sleepCtx,
		queue:      make(chan job, cfg.QueueSize),
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentAttempts),
		perTrigger: make(map[ids.TriggerId]*sync.Mutex),
	}
}

// WithMetrics attaches a metrics sink.
func (r *Runner) WithMetrics(sink MetricsSink) *Runner {
	r.metrics = sink
	return r
}

// WithAnalytics attaches an analytics sink recording terminal outcomes.
func (r *Runner) WithAnalytics(sink AnalyticsSink) *Runner {
	r.analytics = sink
	return r
}

// WithSleep overrides the inter-attempt sleep, for tests.
func (r *Runner) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Runner {
	r.sleep = sleep
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	log.Printf("dispatcher: started (workers=%d, queue=%d, max_attempts_in_flight=%d)",
		r.cfg.Workers, r.cfg.QueueSize, r.cfg.MaxConcurrentAttempts)
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-r.queue:
					r.process(ctx, j)
				}
			}
		}()
	}
	wg.Wait()
	log.Println("dispatcher: stopped")
}

// Enqueue accepts a run for execution or reports backpressure when the
// queue is full. The returned channel yields the terminal run.
func (r *Runner) Enqueue(run *domain.Run) (<-chan *domain.Run, error) {
	j := job{run: run, done: make(chan *domain.Run, 1)}
	select {
	case r.queue <- j:
		if r.metrics != nil {
			r.metrics.QueueDepthUpdate(len(r.queue))
		}
		return j.done, nil
	default:
		return nil, domain.NewError(domain.ErrBackpressure, "dispatcher queue is full")
	}
}

// triggerLock serializes runs of the same trigger so they execute in FIFO
// arrival order.
func (r *Runner) triggerLock(id ids.TriggerId) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.perTrigger[id]
	if !ok {
		l = &sync.Mutex{}
		r.perTrigger[id] = l
	}
	return l
}

// process drives one run to a terminal status. Crashing between the HTTP
// call and persistence can repeat an attempt after restart; delivery is
// at-least-once by design.
func (r *Runner) process(ctx context.Context, j job) {
	if r.metrics != nil {
		r.metrics.RunsInFlightIncr()
		defer r.metrics.RunsInFlightDecr()
	}

	lock := r.triggerLock(j.run.TriggerId)
	lock.Lock()
	defer lock.Unlock()

	run := j.run
	var policy *domain.RetryPolicy
	if run.Action.Webhook != nil {
		policy = run.Action.Webhook.Retry
	}

	// A re-enqueued run (dispatcher crash, reconciler) already has attempt
	// rows; numbering continues after them so the audit trail stays
	// contiguous and the retry budget holds across restarts.
	prior, err := r.store.LastAttemptNum(ctx, run.ID)
	if err != nil {
		log.Printf("dispatcher: failed to read prior attempts for run %s: %v", run.ID, err)
		prior = 0
	}
	if prior > 0 && Decide(policy, prior).Stop {
		run.Status = domain.RunStatusFailed
		r.persistRun(ctx, run)
		log.Printf("dispatcher: run=%s budget already exhausted at %d attempt(s)", run.ID, prior)
		r.recordOutcome(ctx, run)
		j.done <- run
		return
	}

	for attemptNum := prior + 1; ; attemptNum++ {
		attemptId := ids.NewAttemptId(run.Project)
		status, details := r.executeAttempt(ctx, run, attemptId, attemptNum)

		attempt := &domain.Attempt{
			ID:         attemptId,
			RunId:      run.ID,
			TriggerId:  run.TriggerId,
			Project:    run.Project,
			AttemptNum: attemptNum,
			Status:     status,
			Details:    details,
			CreatedAt:  time.Now().UTC(),
		}
		if err := r.store.RecordAttempt(ctx, attempt); err != nil {
			log.Printf("dispatcher: failed to record attempt %s: %v", attemptId, err)
		}
		run.LatestAttemptId = attemptId

		if r.metrics != nil {
			r.metrics.AttemptCompleted(attemptNum, statusClass(details), details.ResponseLatency)
		}

		if status == domain.AttemptStatusSucceeded {
			run.Status = domain.RunStatusSucceeded
			r.persistRun(ctx, run)
			log.Printf("dispatcher: run=%s succeeded attempt=%d", run.ID, attemptNum)
			r.recordOutcome(ctx, run)
			break
		}

		// Keep the latest attempt visible even while retrying.
		r.persistRun(ctx, run)

		decision := Decide(policy, attemptNum)
		if decision.Stop {
			run.Status = domain.RunStatusFailed
			r.persistRun(ctx, run)
			log.Printf("dispatcher: run=%s failed after %d attempt(s)", run.ID, attemptNum)
			r.recordOutcome(ctx, run)
			break
		}

		log.Printf("dispatcher: run=%s attempt=%d failed, retrying in %s", run.ID, attemptNum, decision.Delay)
		if err := r.sleep(ctx, decision.Delay); err != nil {
			// Shutdown mid-retry: the run stays attempting and the
			// reconciler re-enqueues it later.
			j.done <- run
			return
		}
	}

	j.done <- run
}

// executeAttempt runs one attempt under the global concurrency cap.
func (r *Runner) executeAttempt(ctx context.Context, run *domain.Run, attemptId ids.AttemptId, attemptNum int) (domain.AttemptStatus, domain.WebhookAttemptDetails) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return domain.AttemptStatusFailed, domain.AttemptDetailsWithError("shutdown before attempt")
	}
	defer r.sem.Release(1)
	return r.executor.Execute(ctx, run, attemptId, attemptNum)
}

// recordOutcome fans the terminal status out to metrics and analytics.
func (r *Runner) recordOutcome(ctx context.Context, run *domain.Run) {
	if r.metrics != nil {
		r.metrics.RunOutcome(string(run.Status))
	}
	if r.analytics != nil {
		r.analytics.RecordRunOutcome(ctx, run.Project, run.TriggerId, run.Status)
	}
}

func (r *Runner) persistRun(ctx context.Context, run *domain.Run) {
	if err := r.store.UpdateRun(ctx, run); err != nil {
		log.Printf("dispatcher: failed to persist run %s: %v", run.ID, err)
	}
}

// statusClass buckets attempt outcomes with bounded cardinality.
func statusClass(d domain.WebhookAttemptDetails) string {
	if d.ErrorMessage != "" {
		switch {
		case d.ErrorMessage == "request timeout":
			return "timeout"
		case d.ErrorMessage == "connection failed":
			return "connection_error"
		default:
			return "other_error"
		}
	}
	if d.ResponseCode == nil {
		return "other_error"
	}
	switch {
	case *d.ResponseCode >= 200 && *d.ResponseCode < 300:
		return "2xx"
	case *d.ResponseCode >= 300 && *d.ResponseCode < 400:
		return "3xx"
	case *d.ResponseCode >= 400 && *d.ResponseCode < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
