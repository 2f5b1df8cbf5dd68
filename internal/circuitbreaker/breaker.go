// Package circuitbreaker shields the dispatcher from endpoints that fail
// continuously. One breaker per destination host; an open breaker fails
// attempts fast instead of burning a worker slot on a dead endpoint.
package circuitbreaker

import (
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Config tunes the per-host breakers. Threshold 0 disables breaking
// entirely: Execute just calls through.
type Config struct {
	// Threshold is the number of consecutive failures that opens a breaker.
	Threshold int

	// Cooldown is how long an open breaker waits before probing again.
	Cooldown time.Duration
}

// Group holds one circuit breaker per destination host.
type Group struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

func New(cfg Config) *Group {
	return &Group{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
}

// Execute runs fn under the host's breaker. When the breaker is open it
// returns gobreaker.ErrOpenState without invoking fn.
func (g *Group) Execute(host string, fn func() (*http.Response, error)) (*http.Response, error) {
	if g == nil || g.cfg.Threshold <= 0 {
		return fn()
	}
	return g.breaker(host).Execute(fn)
}

func (g *Group) breaker(host string) *gobreaker.CircuitBreaker[*http.Response] {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[host]
	if !ok {
		threshold := uint32(g.cfg.Threshold)
		cb = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:    host,
			Timeout: g.cfg.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
		g.breakers[host] = cb
	}
	return cb
}
