package api

import (
	"time"

	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/registry"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// UpsertTriggerRequest is the wire form of a trigger definition.
type UpsertTriggerRequest struct {
	Name        string `json:"name" validate:"required,max=256"`
	ReferenceId string `json:"reference_id,omitempty" validate:"max=256"`
	Description string `json:"description,omitempty" validate:"max=1024"`

	Action   ActionRequest    `json:"action" validate:"required"`
	Payload  *PayloadRequest  `json:"payload,omitempty"`
	Schedule *ScheduleRequest `json:"schedule,omitempty"`
}

type ActionRequest struct {
	Webhook *WebhookRequest `json:"webhook" validate:"required"`
}

type WebhookRequest struct {
	URL        string        `json:"url" validate:"required"`
	HTTPMethod string        `json:"http_method,omitempty"`
	TimeoutS   float64       `json:"timeout_s,omitempty"`
	Retry      *RetryRequest `json:"retry,omitempty"`
}

type RetryRequest struct {
	Simple             *SimpleRetryRequest      `json:"simple,omitempty"`
	ExponentialBackoff *ExponentialRetryRequest `json:"exponential_backoff,omitempty"`
}

type SimpleRetryRequest struct {
	MaxNumAttempts int     `json:"max_num_attempts" validate:"min=1"`
	DelayS         float64 `json:"delay_s" validate:"min=1"`
}

type ExponentialRetryRequest struct {
	MaxNumAttempts int     `json:"max_num_attempts" validate:"min=1"`
	DelayS         float64 `json:"delay_s" validate:"min=1"`
	MaxDelayS      float64 `json:"max_delay_s" validate:"min=1"`
}

type PayloadRequest struct {
	Body        string            `json:"body,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type ScheduleRequest struct {
	Recurring *RecurringRequest `json:"recurring,omitempty"`
	RunAt     *RunAtRequest     `json:"run_at,omitempty"`
}

type RecurringRequest struct {
	Cron     string `json:"cron" validate:"required"`
	Timezone string `json:"timezone,omitempty"`
	Limit    uint64 `json:"limit,omitempty"`
}

type RunAtRequest struct {
	// Timepoints are RFC3339 timestamps or ISO-8601 durations relative to
	// trigger creation.
	Timepoints []string `json:"timepoints" validate:"required,min=1,max=5000"`
}

// RunTriggerRequest selects the execution mode for run-now.
type RunTriggerRequest struct {
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=async sync"`
}

// TriggerResponse is the canonical wire rendering of a trigger.
type TriggerResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ReferenceId string `json:"reference_id,omitempty"`
	Description string `json:"description,omitempty"`

	Action   ActionRequest     `json:"action"`
	Payload  *PayloadRequest   `json:"payload,omitempty"`
	Schedule *ScheduleResponse `json:"schedule,omitempty"`

	Status     string   `json:"status"`
	Etag       string   `json:"etag"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
	LastRanAt  string   `json:"last_ran_at,omitempty"`
	Effect     string   `json:"effect,omitempty"`
	FutureRuns []string `json:"estimated_future_runs,omitempty"`
}

type ScheduleResponse struct {
	Recurring *RecurringResponse `json:"recurring,omitempty"`
	RunAt     *RunAtResponse     `json:"run_at,omitempty"`
}

type RecurringResponse struct {
	Cron      string `json:"cron"`
	Timezone  string `json:"timezone"`
	Limit     uint64 `json:"limit,omitempty"`
	Remaining uint64 `json:"remaining,omitempty"`
}

type RunAtResponse struct {
	Timepoints []string `json:"timepoints"`
	Remaining  uint64   `json:"remaining"`
}

type RunResponse struct {
	ID              string `json:"id"`
	TriggerId       string `json:"trigger_id"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
	LatestAttemptId string `json:"latest_attempt_id,omitempty"`
}

type AttemptResponse struct {
	ID               string  `json:"id"`
	RunId            string  `json:"run_id"`
	AttemptNum       int     `json:"attempt_num"`
	Status           string  `json:"status"`
	CreatedAt        string  `json:"created_at"`
	ResponseCode     *int    `json:"response_code,omitempty"`
	ResponseLatencyS float64 `json:"response_latency_s"`
	ErrorMessage     string  `json:"error_message,omitempty"`
}

type ListAttemptsResponse struct {
	Attempts []AttemptResponse `json:"attempts"`
}

// CreateProjectRequest provisions a tenant (admin only).
type CreateProjectRequest struct {
	KeyName string `json:"key_name,omitempty"`
}

type CreateProjectResponse struct {
	Project string `json:"project"`
	APIKey  string `json:"api_key"` // shown exactly once
	KeyId   string `json:"key_id"`
}

// PageInfo carries cursor pagination metadata.
type PageInfo struct {
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

type ListTriggersResponse struct {
	Triggers   []TriggerResponse `json:"triggers"`
	Pagination PageInfo          `json:"pagination"`
}

type ListRunsResponse struct {
	Runs       []RunResponse `json:"runs"`
	Pagination PageInfo      `json:"pagination"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func renderTrigger(t *domain.Trigger) TriggerResponse {
	resp := TriggerResponse{
		ID:          string(t.ID),
		Name:        t.Name,
		ReferenceId: t.ReferenceId,
		Description: t.Description,
		Status:      string(t.Status),
		Etag:        t.Etag(),
		CreatedAt:   formatTime(t.CreatedAt),
		UpdatedAt:   formatTime(t.UpdatedAt),
	}
	if t.LastRanAt != nil {
		resp.LastRanAt = formatTime(*t.LastRanAt)
	}
	if w := t.Action.Webhook; w != nil {
		resp.Action = ActionRequest{Webhook: &WebhookRequest{
			URL:        w.URL,
			HTTPMethod: string(w.HTTPMethod),
			TimeoutS:   w.Timeout.Seconds(),
			Retry:      renderRetry(w.Retry),
		}}
	}
	if t.Payload != nil {
		resp.Payload = &PayloadRequest{
			Body:        string(t.Payload.Body),
			ContentType: t.Payload.ContentType,
			Headers:     t.Payload.Headers,
		}
	}
	if s := t.Schedule; s != nil {
		resp.Schedule = &ScheduleResponse{}
		if s.Recurring != nil {
			resp.Schedule.Recurring = &RecurringResponse{
				Cron:      s.Recurring.Cron,
				Timezone:  s.Recurring.Timezone,
				Limit:     s.Recurring.Limit,
				Remaining: s.Recurring.Remaining,
			}
		}
		if s.RunAt != nil {
			points := make([]string, len(s.RunAt.Timepoints))
			for i, p := range s.RunAt.Timepoints {
				points[i] = formatTime(p)
			}
			resp.Schedule.RunAt = &RunAtResponse{
				Timepoints: points,
				Remaining:  s.RunAt.Remaining,
			}
		}
	}
	return resp
}

func renderRetry(p *domain.RetryPolicy) *RetryRequest {
	if p == nil {
		return nil
	}
	out := &RetryRequest{}
	if p.Simple != nil {
		out.Simple = &SimpleRetryRequest{
			MaxNumAttempts: p.Simple.MaxNumAttempts,
			DelayS:         p.Simple.Delay.Seconds(),
		}
	}
	if p.ExponentialBackoff != nil {
		out.ExponentialBackoff = &ExponentialRetryRequest{
			MaxNumAttempts: p.ExponentialBackoff.MaxNumAttempts,
			DelayS:         p.ExponentialBackoff.Delay.Seconds(),
			MaxDelayS:      p.ExponentialBackoff.MaxDelay.Seconds(),
		}
	}
	return out
}

func renderUpsert(res *registry.UpsertResult) TriggerResponse {
	resp := renderTrigger(res.Trigger)
	resp.Effect = string(res.Effect)
	for _, ts := range res.EstimatedRuns {
		resp.FutureRuns = append(resp.FutureRuns, formatTime(ts))
	}
	return resp
}

func renderAttempt(a *domain.Attempt) AttemptResponse {
	return AttemptResponse{
		ID:               string(a.ID),
		RunId:            string(a.RunId),
		AttemptNum:       a.AttemptNum,
		Status:           string(a.Status),
		CreatedAt:        formatTime(a.CreatedAt),
		ResponseCode:     a.Details.ResponseCode,
		ResponseLatencyS: a.Details.ResponseLatency.Seconds(),
		ErrorMessage:     a.Details.ErrorMessage,
	}
}

func renderRun(r *domain.Run) RunResponse {
	return RunResponse{
		ID:              string(r.ID),
		TriggerId:       string(r.TriggerId),
		Status:          string(r.Status),
		CreatedAt:       formatTime(r.CreatedAt),
		LatestAttemptId: string(r.LatestAttemptId),
	}
}
