package dispatcher

import (
	"context"
	"sync/atomic"

	"github.com/devtari-io/cronback/internal/domain"
)

// Client is the scheduler-side submission channel to the dispatcher. It
// enforces a per-cell in-flight bound so the dispatcher can push back on
// the spinner before its queue overflows.
type Client struct {
	runner      *Runner
	maxInFlight int64
	inflight    atomic.Int64
}

func NewClient(runner *Runner, maxInFlight int64) *Client {
	if maxInFlight <= 0 {
		maxInFlight = 256
	}
	return &Client{runner: runner, maxInFlight: maxInFlight}
}

// InFlight reports the number of runs submitted but not yet terminal.
func (c *Client) InFlight() int64 {
	return c.inflight.Load()
}

// Dispatch submits a run without waiting for its outcome. Returns a
// backpressure error when either the in-flight bound or the runner queue
// is saturated; the spinner pauses and retries on that signal.
func (c *Client) Dispatch(ctx context.Context, run *domain.Run) error {
	if c.inflight.Load() >= c.maxInFlight {
		return domain.NewError(domain.ErrBackpressure, "dispatcher in-flight limit reached")
	}
	done, err := c.runner.Enqueue(run)
	if err != nil {
		return err
	}
	c.inflight.Add(1)
	go func() {
		<-done
		c.inflight.Add(-1)
	}()
	return nil
}

// DispatchSync submits a run and blocks until it reaches a terminal status
// or the caller's deadline expires. On deadline the run is abandoned by the
// caller but keeps executing on the dispatcher.
func (c *Client) DispatchSync(ctx context.Context, run *domain.Run) (*domain.Run, error) {
	done, err := c.runner.Enqueue(run)
	if err != nil {
		return nil, err
	}
	c.inflight.Add(1)
	result := make(chan *domain.Run, 1)
	go func() {
		r := <-done
		c.inflight.Add(-1)
		result <- r
	}()

	select {
	case r := <-result:
		return r, nil
	case <-ctx.Done():
		return nil, domain.NewError(domain.ErrDeadlineExceeded, "run did not finish before the deadline; it continues in the background")
	}
}
