package registry

import (
	"net/url"
	"time"

	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/schedule"
)

// MaxPayloadSize bounds the body bytes a trigger may carry.
const MaxPayloadSize = 1 << 20

// ValidateTrigger enforces the core trigger invariants. The API layer
// performs richer request validation; the registry re-checks everything it
// cannot afford to trust.
func ValidateTrigger(t *domain.Trigger) error {
	if t.Name == "" {
		return domain.NewError(domain.ErrValidation, "name is required")
	}
	if !t.Project.IsValid() {
		return domain.NewError(domain.ErrValidation, "invalid project id")
	}
	if t.Action.Webhook == nil {
		return domain.NewError(domain.ErrValidation, "action must be a webhook")
	}
	if err := validateWebhook(t.Action.Webhook); err != nil {
		return err
	}
	if t.Payload != nil && len(t.Payload.Body) > MaxPayloadSize {
		return domain.Errorf(domain.ErrValidation, "payload body exceeds %d bytes", MaxPayloadSize)
	}
	return schedule.Validate(t.Schedule)
}

func validateWebhook(w *domain.Webhook) error {
	u, err := url.Parse(w.URL)
	if err != nil {
		return domain.Errorf(domain.ErrValidation, "invalid webhook url %q", w.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return domain.Errorf(domain.ErrUnsafeScheme, "webhook scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return domain.Errorf(domain.ErrValidation, "invalid webhook url %q", w.URL)
	}
	if !w.HTTPMethod.IsValid() {
		return domain.Errorf(domain.ErrValidation, "invalid http method %q", string(w.HTTPMethod))
	}
	if w.Timeout < domain.WebhookTimeoutMin || w.Timeout >= domain.WebhookTimeoutMax {
		return domain.Errorf(domain.ErrValidation, "webhook timeout must be in [%s, %s)", domain.WebhookTimeoutMin, domain.WebhookTimeoutMax)
	}
	return validateRetry(w.Retry)
}

func validateRetry(p *domain.RetryPolicy) error {
	if p == nil {
		return nil
	}
	if (p.Simple == nil) == (p.ExponentialBackoff == nil) {
		return domain.NewError(domain.ErrValidation, "retry policy must set exactly one of simple or exponential_backoff")
	}
	if s := p.Simple; s != nil {
		if s.MaxNumAttempts < 1 {
			return domain.NewError(domain.ErrValidation, "retry max_num_attempts must be at least 1")
		}
		if s.Delay < time.Second {
			return domain.NewError(domain.ErrValidation, "retry delay_s must be at least 1 second")
		}
		return nil
	}
	e := p.ExponentialBackoff
	if e.MaxNumAttempts < 1 {
		return domain.NewError(domain.ErrValidation, "retry max_num_attempts must be at least 1")
	}
	if e.Delay < time.Second {
		return domain.NewError(domain.ErrValidation, "retry delay_s must be at least 1 second")
	}
	if e.MaxDelay < e.Delay {
		return domain.NewError(domain.ErrValidation, "retry max_delay_s must be at least delay_s")
	}
	return nil
}
