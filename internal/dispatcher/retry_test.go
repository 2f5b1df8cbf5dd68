package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/devtari-io/cronback/internal/domain"
)

func TestDecide_NoPolicy_SingleAttempt(t *testing.T) {
	d := Decide(nil, 1)
	assert.True(t, d.Stop)
}

func TestDecide_Simple(t *testing.T) {
	p := &domain.RetryPolicy{Simple: &domain.SimpleRetry{
		MaxNumAttempts: 3,
		Delay:          2 * time.Second,
	}}

	d1 := Decide(p, 1)
	assert.False(t, d1.Stop)
	assert.Equal(t, 2*time.Second, d1.Delay)

	d2 := Decide(p, 2)
	assert.False(t, d2.Stop)
	assert.Equal(t, 2*time.Second, d2.Delay)

	d3 := Decide(p, 3)
	assert.True(t, d3.Stop)
}

func TestDecide_ExponentialProgressionAndClamp(t *testing.T) {
	p := &domain.RetryPolicy{ExponentialBackoff: &domain.ExponentialBackoffRetry{
		MaxNumAttempts: 5,
		Delay:          10 * time.Second,
		MaxDelay:       50 * time.Second,
	}}

	// 10s, 20s, 40s clamped progression; exact values, no jitter.
	assert.Equal(t, RetryDecision{Delay: 10 * time.Second}, Decide(p, 1))
	assert.Equal(t, RetryDecision{Delay: 20 * time.Second}, Decide(p, 2))
	assert.Equal(t, RetryDecision{Delay: 40 * time.Second}, Decide(p, 3))
	assert.Equal(t, RetryDecision{Delay: 50 * time.Second}, Decide(p, 4))
	assert.True(t, Decide(p, 5).Stop)
}

func TestDecide_IsDeterministic(t *testing.T) {
	p := &domain.RetryPolicy{ExponentialBackoff: &domain.ExponentialBackoffRetry{
		MaxNumAttempts: 4,
		Delay:          time.Second,
		MaxDelay:       time.Hour,
	}}
	// Same inputs, same answer: the planner applies no jitter.
	for i := 0; i < 50; i++ {
		assert.Equal(t, 2*time.Second, Decide(p, 2).Delay)
	}
}

func TestDecide_AttemptBeyondBudgetStops(t *testing.T) {
	p := &domain.RetryPolicy{Simple: &domain.SimpleRetry{MaxNumAttempts: 2, Delay: time.Second}}
	assert.True(t, Decide(p, 2).Stop)
	assert.True(t, Decide(p, 7).Stop)
}
