// Package spinner is the per-cell scheduling heart: a time-ordered heap of
// next-fire events advanced against the wall clock by a single goroutine.
package spinner

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
)

// Planner turns a due heap entry into a persisted run and re-arms the
// trigger's next fire. A nil run means the entry was stale.
type Planner interface {
	PlanRun(ctx context.Context, id ids.TriggerId, gen uint64, now time.Time) (*domain.Run, error)
}

// Dispatcher accepts runs for execution. A backpressure error tells the
// spinner to hold off and retry.
type Dispatcher interface {
	Dispatch(ctx context.Context, run *domain.Run) error
}

// MetricsSink records spinner events. Nil disables metrics; implementations
// must be non-blocking.
type MetricsSink interface {
	RunPopped()
	RunDispatched()
	StaleEntryDropped()
	BackpressureSignaled()
	HeapSizeUpdate(n int)
}

type Config struct {
	// SkewTolerance bounds how far the wall clock may jump backwards before
	// the cell treats it as fatal and sheds leadership.
	SkewTolerance time.Duration

	// BackpressureRetryDelay is how long to pause popping after the
	// dispatcher signals backpressure.
	BackpressureRetryDelay time.Duration

	// MaxPerWake caps how many due entries are popped per wake-up so a
	// large backlog cannot starve publishes.
	MaxPerWake int
}

func (c *Config) applyDefaults() {
	if c.SkewTolerance == 0 {
		c.SkewTolerance = 2 * time.Second
	}
	if c.BackpressureRetryDelay == 0 {
		c.BackpressureRetryDelay = 100 * time.Millisecond
	}
	if c.MaxPerWake == 0 {
		c.MaxPerWake = 100
	}
}

type Spinner struct {
	cfg        Config
	planner    Planner
	dispatcher Dispatcher
	clock      func() time.Time
	metrics    MetricsSink

	mu   sync.Mutex
	heap entryHeap
	wake chan struct{}

	lastNow time.Time
}

func New(cfg Config, planner Planner, dispatcher Dispatcher) *Spinner {
	cfg.applyDefaults()
	return &Spinner{
		cfg:        cfg,
		planner:    planner,
		dispatcher: dispatcher,
		clock:      time.Now,
		wake:       make(chan struct{}, 1),
	}
}

// WithClock overrides the wall clock, for tests.
func (s *Spinner) WithClock(clock func() time.Time) *Spinner {
	s.clock = clock
	return s
}

// WithMetrics attaches a metrics sink.
func (s *Spinner) WithMetrics(sink MetricsSink) *Spinner {
	s.metrics = sink
	return s
}

// Publish installs a heap entry and wakes the loop. Called by the registry
// whenever a trigger gains a future fire time.
func (s *Spinner) Publish(id ids.TriggerId, fireAt time.Time, gen uint64) {
	s.mu.Lock()
	s.heap.push(entry{fireAt: fireAt, id: id, gen: gen})
	n := s.heap.Len()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.HeapSizeUpdate(n)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is cancelled. It returns a non-nil error
// only on a fatal condition (wall clock jumped backwards beyond tolerance),
// which the cell supervisor translates into shedding leadership.
func (s *Spinner) Run(ctx context.Context) error {
	log.Printf("spinner: started (skew_tolerance=%s)", s.cfg.SkewTolerance)
	s.lastNow = s.clock().UTC()

	for {
		if err := ctx.Err(); err != nil {
			log.Println("spinner: stopped")
			return nil
		}

		now, err := s.observeClock()
		if err != nil {
			return err
		}

		next, ok := s.peek()
		if !ok {
			// Heap empty: park until a publish or shutdown.
			select {
			case <-ctx.Done():
				log.Println("spinner: stopped")
				return nil
			case <-s.wake:
			}
			continue
		}

		if next.fireAt.After(now) {
			if interrupted := s.sleepUntil(ctx, next.fireAt.Sub(now)); interrupted {
				continue // re-peek: an earlier entry may have arrived
			}
			continue
		}

		if err := s.drainDue(ctx, now); err != nil {
			return err
		}
	}
}

func (s *Spinner) peek() (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.peek()
}

// observeClock reads the wall clock, tolerating small backward jumps and
// failing on large ones.
func (s *Spinner) observeClock() (time.Time, error) {
	now := s.clock().UTC()
	if behind := s.lastNow.Sub(now); behind > s.cfg.SkewTolerance {
		return time.Time{}, domain.Errorf(domain.ErrInternal,
			"wall clock jumped backwards by %s (tolerance %s)", behind, s.cfg.SkewTolerance)
	}
	if now.After(s.lastNow) {
		s.lastNow = now
	}
	// Within tolerance we keep scheduling against the high-water mark so a
	// small backward jump cannot refire anything.
	return s.lastNow, nil
}

// sleepUntil waits for d or an interruption. Returns true when interrupted
// by a publish.
func (s *Spinner) sleepUntil(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.wake:
		return true
	case <-timer.C:
		return false
	}
}

// drainDue pops and fires every entry due at now, bounded by MaxPerWake.
func (s *Spinner) drainDue(ctx context.Context, now time.Time) error {
	for i := 0; i < s.cfg.MaxPerWake; i++ {
		if ctx.Err() != nil {
			return nil
		}
		s.mu.Lock()
		top, ok := s.heap.peek()
		if !ok || top.fireAt.After(now) {
			s.mu.Unlock()
			return nil
		}
		e := s.heap.pop()
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.RunPopped()
		}

		run, err := s.planner.PlanRun(ctx, e.id, e.gen, now)
		if err != nil {
			// The store refused the run; re-arm the entry so the trigger is
			// not silently lost, and back off.
			log.Printf("spinner: plan run for %s failed: %v", e.id, err)
			s.Publish(e.id, now.Add(s.cfg.BackpressureRetryDelay), e.gen)
			s.sleepUntil(ctx, s.cfg.BackpressureRetryDelay)
			return nil
		}
		if run == nil {
			if s.metrics != nil {
				s.metrics.StaleEntryDropped()
			}
			continue
		}

		if err := s.dispatchWithBackpressure(ctx, run); err != nil {
			return nil // ctx cancelled mid-dispatch
		}
		if s.metrics != nil {
			s.metrics.RunDispatched()
		}
	}
	return nil
}

// dispatchWithBackpressure hands the run to the dispatcher, pausing and
// retrying while it pushes back. Popping stays paused for the duration,
// which is exactly the point.
func (s *Spinner) dispatchWithBackpressure(ctx context.Context, run *domain.Run) error {
	for {
		err := s.dispatcher.Dispatch(ctx, run)
		if err == nil {
			return nil
		}
		if !domain.IsKind(err, domain.ErrBackpressure) {
			// Attempt errors belong to the dispatcher; anything else here is
			// logged and the run is considered handed off.
			log.Printf("spinner: dispatch of run %s failed: %v", run.ID, err)
			return nil
		}
		if s.metrics != nil {
			s.metrics.BackpressureSignaled()
		}
		timer := time.NewTimer(s.cfg.BackpressureRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
