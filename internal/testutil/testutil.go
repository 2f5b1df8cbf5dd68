// Package testutil provides shared test helpers for cronback.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devtari-io/cronback/internal/ids"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Rewind moves the clock backwards by d.
func (c *FakeClock) Rewind(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(-d)
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MustParseId parses an identifier and fails the test on error.
func MustParseId(t *testing.T, raw string) ids.Parsed {
	t.Helper()
	p, err := ids.Parse(raw)
	if err != nil {
		t.Fatalf("testutil.MustParseId(%q): %v", raw, err)
	}
	return p
}
