package api

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
	"github.com/devtari-io/cronback/internal/registry"
	"github.com/devtari-io/cronback/internal/schedule"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// buildTrigger validates an upsert request and converts it into a domain
// trigger. Relative timepoints are resolved against now (the trigger's
// creation instant).
func buildTrigger(project ids.ProjectId, req *UpsertTriggerRequest, now time.Time) (*domain.Trigger, error) {
	if err := validate.Struct(req); err != nil {
		return nil, domain.WrapError(domain.ErrValidation, "invalid request", err)
	}

	t := &domain.Trigger{
		Project:     project,
		Name:        req.Name,
		ReferenceId: req.ReferenceId,
		Description: req.Description,
	}

	webhook := req.Action.Webhook
	method := domain.HTTPMethod(webhook.HTTPMethod)
	if webhook.HTTPMethod == "" {
		method = domain.MethodPost
	}
	timeout := domain.WebhookTimeoutMax - time.Second
	if webhook.TimeoutS != 0 {
		timeout = time.Duration(webhook.TimeoutS * float64(time.Second))
	}
	retry, err := buildRetry(webhook.Retry)
	if err != nil {
		return nil, err
	}
	t.Action = domain.Action{Webhook: &domain.Webhook{
		URL:        webhook.URL,
		HTTPMethod: method,
		Timeout:    timeout,
		Retry:      retry,
	}}

	if req.Payload != nil {
		t.Payload = &domain.Payload{
			Body:        []byte(req.Payload.Body),
			ContentType: req.Payload.ContentType,
			Headers:     req.Payload.Headers,
		}
	}

	if req.Schedule != nil {
		sched, err := buildSchedule(req.Schedule, now)
		if err != nil {
			return nil, err
		}
		t.Schedule = sched
	}

	// The registry re-validates; failing here gives the caller a response
	// before anything touches the store.
	if err := registry.ValidateTrigger(t); err != nil {
		return nil, err
	}
	return t, nil
}

func buildRetry(req *RetryRequest) (*domain.RetryPolicy, error) {
	if req == nil {
		return nil, nil
	}
	if (req.Simple == nil) == (req.ExponentialBackoff == nil) {
		return nil, domain.NewError(domain.ErrValidation, "retry must set exactly one of simple or exponential_backoff")
	}
	if s := req.Simple; s != nil {
		return &domain.RetryPolicy{Simple: &domain.SimpleRetry{
			MaxNumAttempts: s.MaxNumAttempts,
			Delay:          time.Duration(s.DelayS * float64(time.Second)),
		}}, nil
	}
	e := req.ExponentialBackoff
	return &domain.RetryPolicy{ExponentialBackoff: &domain.ExponentialBackoffRetry{
		MaxNumAttempts: e.MaxNumAttempts,
		Delay:          time.Duration(e.DelayS * float64(time.Second)),
		MaxDelay:       time.Duration(e.MaxDelayS * float64(time.Second)),
	}}, nil
}

func buildSchedule(req *ScheduleRequest, now time.Time) (*domain.Schedule, error) {
	if (req.Recurring == nil) == (req.RunAt == nil) {
		return nil, domain.NewError(domain.ErrValidation, "schedule must set exactly one of recurring or run_at")
	}
	if r := req.Recurring; r != nil {
		tz := r.Timezone
		if tz == "" {
			tz = "Etc/UTC"
		}
		return &domain.Schedule{Recurring: &domain.Recurring{
			Cron:     r.Cron,
			Timezone: tz,
			Limit:    r.Limit,
		}}, nil
	}

	points := make([]time.Time, 0, len(req.RunAt.Timepoints))
	for _, raw := range req.RunAt.Timepoints {
		p, err := schedule.ParseTimepoint(raw, now)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return &domain.Schedule{RunAt: &domain.RunAt{Timepoints: points}}, nil
}

// preconditionFromHeaders maps conditional request headers onto upsert
// preconditions: If-None-Match: * means must-not-exist, If-Match: * means
// must-exist, and concrete etags select the matching variants.
func preconditionFromHeaders(ifMatch, ifNoneMatch string) (domain.Precondition, error) {
	switch {
	case ifMatch != "" && ifNoneMatch != "":
		return domain.Precondition{}, domain.NewError(domain.ErrValidation, "If-Match and If-None-Match are mutually exclusive")
	case ifMatch == "*":
		return domain.Precondition{Kind: domain.PreconditionMustExist}, nil
	case ifMatch != "":
		return domain.Precondition{Kind: domain.PreconditionMustMatch, Etag: ifMatch}, nil
	case ifNoneMatch == "*":
		return domain.Precondition{Kind: domain.PreconditionMustNotExist}, nil
	case ifNoneMatch != "":
		return domain.Precondition{Kind: domain.PreconditionMustNotMatch, Etag: ifNoneMatch}, nil
	}
	return domain.Precondition{}, nil
}
