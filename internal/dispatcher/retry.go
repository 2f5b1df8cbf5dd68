package dispatcher

import (
	"time"

	"github.com/devtari-io/cronback/internal/domain"
)

// RetryDecision says what happens after a failed attempt: stop, or try
// again after a delay.
type RetryDecision struct {
	Stop  bool
	Delay time.Duration
}

// Decide plans the step after attempt attemptNum has failed. It is a pure
// function of the policy and the attempt number; no jitter is applied.
//
// Exponential delays follow min(delay * 2^(n-1), max_delay) where n is the
// attempt that just failed.
func Decide(p *domain.RetryPolicy, attemptNum int) RetryDecision {
	if p == nil || attemptNum >= p.MaxNumAttempts() {
		return RetryDecision{Stop: true}
	}
	switch {
	case p.Simple != nil:
		return RetryDecision{Delay: p.Simple.Delay}
	case p.ExponentialBackoff != nil:
		e := p.ExponentialBackoff
		d := e.Delay
		for i := 1; i < attemptNum && d < e.MaxDelay; i++ {
			d *= 2
		}
		if d > e.MaxDelay {
			d = e.MaxDelay
		}
		return RetryDecision{Delay: d}
	}
	return RetryDecision{Stop: true}
}
