// Package reconciler detects and re-enqueues stuck runs.
//
// A run is stuck when it has been in the attempting state longer than the
// threshold: the dispatcher crashed mid-lifecycle, or the queue was full at
// emission. Re-enqueueing is safe because delivery is at-least-once and
// terminal run statuses are never regressed.
package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/devtari-io/cronback/internal/domain"
)

// Store fetches runs that never reached a terminal status.
type Store interface {
	GetStuckRuns(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Run, error)
}

// Dispatcher re-accepts runs for execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, run *domain.Run) error
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	Interval time.Duration

	// Threshold is the age after which an attempting run is considered
	// stuck. It must exceed the longest possible retry window.
	Threshold time.Duration

	// BatchSize is the maximum number of runs re-enqueued per cycle.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 15 * time.Minute,
		BatchSize: 100,
	}
}

type Reconciler struct {
	config     Config
	store      Store
	dispatcher Dispatcher
	clock      func() time.Time
}

func New(config Config, store Store, dispatcher Dispatcher) *Reconciler {
	return &Reconciler{
		config:     config,
		store:      store,
		dispatcher: dispatcher,
		clock:      time.Now,
	}
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval=%s, threshold=%s, batch=%d)",
		r.config.Interval, r.config.Threshold, r.config.BatchSize)

	// Run immediately on startup, then on ticker.
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

func (r *Reconciler) runCycle(ctx context.Context) {
	threshold := r.clock().UTC().Add(-r.config.Threshold)

	stuck, err := r.store.GetStuckRuns(ctx, threshold, r.config.BatchSize)
	if err != nil {
		log.Printf("reconciler: failed to fetch stuck runs: %v", err)
		return
	}
	if len(stuck) == 0 {
		return
	}

	log.Printf("reconciler: found %d stuck runs", len(stuck))

	requeued := 0
	for _, run := range stuck {
		if ctx.Err() != nil {
			log.Printf("reconciler: cycle interrupted, re-enqueued %d/%d", requeued, len(stuck))
			return
		}
		if err := r.dispatcher.Dispatch(ctx, run); err != nil {
			// Backpressure or shutdown; the next cycle picks it up again.
			log.Printf("reconciler: failed to re-enqueue run %s: %v", run.ID, err)
			continue
		}
		requeued++
	}
	log.Printf("reconciler: cycle complete, re-enqueued=%d", requeued)
}
