package world

import (
	"context"
	"time"
)

type (
	// StepStatus is the lifecycle state of a step within a run.
	StepStatus string

	// Step is a unit of work inside a run. Step ids are caller-supplied and
	// unique within their run. Attempt starts at 1 and is incremented by the
	// runtime when a step retries.
	Step struct {
		RunID       string      `json:"run_id"`
		ID          string      `json:"step_id"`
		Name        string      `json:"step_name"`
		Status      StepStatus  `json:"status"`
		Input       []any       `json:"input,omitempty"`
		Output      []any       `json:"output,omitempty"`
		Error       *ErrorValue `json:"error,omitempty"`
		Attempt     int         `json:"attempt"`
		RetryAfter  *time.Time  `json:"retry_after,omitempty"`
		CreatedAt   time.Time   `json:"created_at"`
		UpdatedAt   time.Time   `json:"updated_at"`
		StartedAt   *time.Time  `json:"started_at,omitempty"`
		CompletedAt *time.Time  `json:"completed_at,omitempty"`
	}

	// CreateStepRequest creates a step in status pending with attempt 1.
	// Creation is idempotent on (runID, StepID): re-creating an existing
	// step during replay returns the stored record unchanged.
	CreateStepRequest struct {
		StepID   string `json:"step_id"`
		StepName string `json:"step_name"`
		Input    []any  `json:"input,omitempty"`
	}

	// StepPatch is a partial update merged over the current step. A step that
	// retries sets Status back to pending, increments Attempt and sets
	// RetryAfter; CompletedAt is untouched by non-terminal transitions.
	StepPatch struct {
		Status     *StepStatus `json:"status,omitempty"`
		Output     []any       `json:"output,omitempty"`
		Error      *ErrorValue `json:"error,omitempty"`
		Attempt    *int        `json:"attempt,omitempty"`
		RetryAfter *time.Time  `json:"retry_after,omitempty"`
	}

	// ListStepsParams paginates the steps of one run, ordered by step id
	// descending.
	ListStepsParams struct {
		RunID      string
		Pagination Pagination
	}

	// StepStore persists steps. Timestamp derivation follows the same rules
	// as runs.
	StepStore interface {
		// Create persists a step in status pending, or returns the existing
		// record when (runID, req.StepID) already exists.
		Create(ctx context.Context, runID string, req CreateStepRequest) (*Step, error)
		// Get returns the step, or NotFound. When runID is empty the store
		// searches across runs; this is a slow path and may be a scan.
		Get(ctx context.Context, runID, stepID string) (*Step, error)
		// Update merges the patch over the current step.
		Update(ctx context.Context, runID, stepID string, patch StepPatch) (*Step, error)
		// List returns a page of the run's steps ordered by step id
		// descending.
		List(ctx context.Context, params ListStepsParams) (*Page[Step], error)
	}
)

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// NewStep builds the stored form of a create request.
func NewStep(runID string, req CreateStepRequest, now time.Time) Step {
	return Step{
		RunID:     runID,
		ID:        req.StepID,
		Name:      req.StepName,
		Status:    StepStatusPending,
		Input:     cloneValues(req.Input),
		Attempt:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NextStep merges patch over cur with the same derived-timestamp rules as
// NextRun: StartedAt on first running, CompletedAt on first terminal status,
// both only-if-null.
func NextStep(cur Step, patch StepPatch, now time.Time) Step {
	next := cur.Clone()
	next.UpdatedAt = now
	if patch.Status != nil {
		next.Status = *patch.Status
		if *patch.Status == StepStatusRunning && next.StartedAt == nil {
			t := now
			next.StartedAt = &t
		}
		if patch.Status.Terminal() && next.CompletedAt == nil {
			t := now
			next.CompletedAt = &t
		}
	}
	if patch.Output != nil {
		next.Output = cloneValues(patch.Output)
	}
	if patch.Error != nil {
		next.Error = patch.Error.Clone()
	}
	if patch.Attempt != nil {
		next.Attempt = *patch.Attempt
	}
	if patch.RetryAfter != nil {
		t := *patch.RetryAfter
		next.RetryAfter = &t
	}
	return next
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	c := s
	c.Input = cloneValues(s.Input)
	c.Output = cloneValues(s.Output)
	c.Error = s.Error.Clone()
	if s.RetryAfter != nil {
		t := *s.RetryAfter
		c.RetryAfter = &t
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return c
}
