package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/devtari-io/cronback/internal/ids"
)

type TriggerStatus string

const (
	TriggerStatusScheduled TriggerStatus = "scheduled"
	TriggerStatusPaused    TriggerStatus = "paused"
	TriggerStatusOnDemand  TriggerStatus = "on_demand"
	TriggerStatusExpired   TriggerStatus = "expired"
	TriggerStatusCancelled TriggerStatus = "cancelled"
)

// IsTerminal reports whether no further lifecycle transitions are allowed.
// Cancelled triggers can only be deleted.
func (s TriggerStatus) IsTerminal() bool {
	return s == TriggerStatusCancelled
}

// IsActive reports whether the trigger should be loaded into a cell's
// in-memory state on startup.
func (s TriggerStatus) IsActive() bool {
	switch s {
	case TriggerStatusScheduled, TriggerStatusOnDemand, TriggerStatusPaused:
		return true
	}
	return false
}

// CanTransitionTo validates a lifecycle transition.
func (s TriggerStatus) CanTransitionTo(next TriggerStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case TriggerStatusScheduled:
		return next == TriggerStatusPaused || next == TriggerStatusCancelled || next == TriggerStatusExpired
	case TriggerStatusPaused:
		return next == TriggerStatusScheduled || next == TriggerStatusCancelled
	case TriggerStatusOnDemand:
		return next == TriggerStatusCancelled
	case TriggerStatusExpired:
		return next == TriggerStatusCancelled
	case TriggerStatusCancelled:
		return false
	}
	return false
}

// Trigger binds a schedule to an action and payload on behalf of a project.
type Trigger struct {
	ID          ids.TriggerId `json:"id"`
	Project     ids.ProjectId `json:"project"`
	Name        string        `json:"name"`
	ReferenceId string        `json:"reference_id,omitempty"`
	Description string        `json:"description,omitempty"`

	Action   Action    `json:"action"`
	Payload  *Payload  `json:"payload,omitempty"`
	Schedule *Schedule `json:"schedule,omitempty"`

	Status    TriggerStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	LastRanAt *time.Time    `json:"last_ran_at,omitempty"`
}

// Etag returns an opaque token identifying this revision of the trigger.
// Upsert preconditions (must_match / must_not_match) compare against it.
func (t *Trigger) Etag() string {
	h := sha256.Sum256([]byte(string(t.ID) + "|" + strconv.FormatInt(t.UpdatedAt.UnixNano(), 10)))
	return hex.EncodeToString(h[:8])
}

// Clone returns a deep copy. Registry snapshots hand clones to readers so a
// concurrent mutation can never tear a record mid-read.
func (t *Trigger) Clone() *Trigger {
	c := *t
	if t.Payload != nil {
		c.Payload = t.Payload.Clone()
	}
	if t.Schedule != nil {
		c.Schedule = t.Schedule.Clone()
	}
	if t.Action.Webhook != nil {
		w := *t.Action.Webhook
		if w.Retry != nil {
			w.Retry = w.Retry.Clone()
		}
		c.Action.Webhook = &w
	}
	if t.LastRanAt != nil {
		ts := *t.LastRanAt
		c.LastRanAt = &ts
	}
	return &c
}
