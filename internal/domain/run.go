package domain

import (
	"time"

	"github.com/devtari-io/cronback/internal/ids"
)

type RunStatus string

const (
	RunStatusAttempting RunStatus = "attempting"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusFailed     RunStatus = "failed"
)

func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// RunMode controls whether Dispatch returns after enqueueing (async) or
// after the run reaches a terminal status (sync).
type RunMode string

const (
	RunModeAsync RunMode = "async"
	RunModeSync  RunMode = "sync"
)

// Run is a single scheduled or on-demand invocation of a trigger. It carries
// snapshots of the trigger's action and payload so that later edits to the
// trigger do not affect runs already in flight. Runs outlive their trigger.
type Run struct {
	ID        ids.RunId     `json:"id"`
	TriggerId ids.TriggerId `json:"trigger_id"`
	Project   ids.ProjectId `json:"project"`
	CreatedAt time.Time     `json:"created_at"`

	Action  Action   `json:"action"`
	Payload *Payload `json:"payload,omitempty"`

	Status          RunStatus     `json:"status"`
	LatestAttemptId ids.AttemptId `json:"latest_attempt_id,omitempty"`
}

// NewRun snapshots a trigger into a fresh run in the attempting state.
func NewRun(t *Trigger, now time.Time) *Run {
	c := t.Clone()
	return &Run{
		ID:        ids.NewRunId(t.Project),
		TriggerId: t.ID,
		Project:   t.Project,
		CreatedAt: now,
		Action:    c.Action,
		Payload:   c.Payload,
		Status:    RunStatusAttempting,
	}
}
