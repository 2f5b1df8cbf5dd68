package domain

import (
	"time"

	"github.com/devtari-io/cronback/internal/ids"
)

type AttemptStatus string

const (
	AttemptStatusSucceeded AttemptStatus = "succeeded"
	AttemptStatusFailed    AttemptStatus = "failed"
)

// Attempt is one HTTP request to a customer endpoint. Attempts are
// append-only; the run's LatestAttemptId references the most recent.
type Attempt struct {
	ID         ids.AttemptId `json:"id"`
	RunId      ids.RunId     `json:"run_id"`
	TriggerId  ids.TriggerId `json:"trigger_id"`
	Project    ids.ProjectId `json:"project"`
	AttemptNum int           `json:"attempt_num"`
	Status     AttemptStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`

	Details WebhookAttemptDetails `json:"details"`
}

// WebhookAttemptDetails records the observable outcome of a webhook attempt.
// Response bodies are never stored, only status codes and sizes.
type WebhookAttemptDetails struct {
	ResponseCode    *int          `json:"response_code,omitempty"`
	ResponseLatency time.Duration `json:"response_latency_s"`
	ErrorMessage    string        `json:"error_message,omitempty"`
}

// IsSuccess is true for any 2xx response.
func (d WebhookAttemptDetails) IsSuccess() bool {
	return d.ErrorMessage == "" && d.ResponseCode != nil &&
		*d.ResponseCode >= 200 && *d.ResponseCode < 300
}

// AttemptDetailsWithError builds failure details carrying only a message.
func AttemptDetailsWithError(msg string) WebhookAttemptDetails {
	return WebhookAttemptDetails{ErrorMessage: msg}
}
