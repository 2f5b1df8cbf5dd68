package config

import (
	"fmt"
	"net/url"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors beyond what envconfig
// enforces. Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{Field: "CRONBACK_DATABASE_URL", Message: "required"})
	}
	if cfg.Scheduler.NumCells == 0 {
		errs = append(errs, ValidationError{Field: "CRONBACK_SCHEDULER_NUM_CELLS", Message: "must be at least 1"})
	}
	for _, cell := range cfg.Scheduler.OwnedCells {
		if cell >= cfg.Scheduler.NumCells {
			errs = append(errs, ValidationError{
				Field:   "CRONBACK_SCHEDULER_OWNED_CELLS",
				Message: fmt.Sprintf("cell %d is outside the mapping (num_cells=%d)", cell, cfg.Scheduler.NumCells),
			})
		}
	}
	if cfg.Scheduler.MaxInFlightPerCell <= 0 {
		errs = append(errs, ValidationError{Field: "CRONBACK_SCHEDULER_MAX_IN_FLIGHT_PER_CELL", Message: "must be positive"})
	}
	if cfg.Dispatcher.QueueSize <= 0 {
		errs = append(errs, ValidationError{Field: "CRONBACK_DISPATCHER_QUEUE_SIZE", Message: "must be positive"})
	}
	if cfg.Dispatcher.MaxConcurrentAttempts <= 0 {
		errs = append(errs, ValidationError{Field: "CRONBACK_DISPATCHER_MAX_CONCURRENT_ATTEMPTS", Message: "must be positive"})
	}
	if cfg.Dispatcher.ProxyURL != "" {
		if u, err := url.Parse(cfg.Dispatcher.ProxyURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{Field: "CRONBACK_DISPATCHER_PROXY_URL", Message: "must be an absolute url"})
		}
	}
	if cfg.Reconcile.Enabled && cfg.Reconcile.Threshold <= cfg.Reconcile.Interval {
		errs = append(errs, ValidationError{
			Field:   "CRONBACK_RECONCILE_THRESHOLD",
			Message: "must exceed the reconcile interval",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
