package world

import (
	"context"
	"time"
)

type (
	// RunStatus is the lifecycle state of a workflow run.
	RunStatus string

	// Run is one execution of a workflow. StartedAt is set on the first
	// transition to running, CompletedAt on the first transition to a
	// terminal status; each is written at most once.
	Run struct {
		ID               string         `json:"run_id"`
		WorkflowName     string         `json:"workflow_name"`
		DeploymentID     string         `json:"deployment_id,omitempty"`
		Status           RunStatus      `json:"status"`
		Input            []any          `json:"input,omitempty"`
		Output           []any          `json:"output,omitempty"`
		ExecutionContext map[string]any `json:"execution_context,omitempty"`
		Error            *ErrorValue    `json:"error,omitempty"`
		CreatedAt        time.Time      `json:"created_at"`
		UpdatedAt        time.Time      `json:"updated_at"`
		StartedAt        *time.Time     `json:"started_at,omitempty"`
		CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	}

	// CreateRunRequest creates a run in status pending. The store generates
	// the run id.
	CreateRunRequest struct {
		WorkflowName     string         `json:"workflow_name"`
		DeploymentID     string         `json:"deployment_id,omitempty"`
		Input            []any          `json:"input,omitempty"`
		ExecutionContext map[string]any `json:"execution_context,omitempty"`
	}

	// RunPatch is a partial update merged over the current run. Nil fields
	// are left unchanged; a non-nil Output (including an empty slice)
	// replaces the stored output.
	RunPatch struct {
		Status           *RunStatus     `json:"status,omitempty"`
		Output           []any          `json:"output,omitempty"`
		Error            *ErrorValue    `json:"error,omitempty"`
		ExecutionContext map[string]any `json:"execution_context,omitempty"`
	}

	// GetRunOptions controls how much of the run is returned by Get.
	GetRunOptions struct {
		// ResolveData set to ResolveDataNone elides Input and Output in the
		// returned run; any other value returns full data.
		ResolveData string
	}

	// ListRunsParams filters and paginates run listings. Ordering is always
	// by run id descending (newest first); the cursor is the last run id of
	// the previous page.
	ListRunsParams struct {
		WorkflowName string
		Status       RunStatus
		Pagination   Pagination
	}

	// RunStore persists workflow runs and drives their state machine. Every
	// status write goes through the derived-timestamp rules; backends must
	// not short-circuit them.
	RunStore interface {
		// Create persists a run in status pending and returns the stored
		// run. Fails with Conflict if the generated id already exists.
		Create(ctx context.Context, req CreateRunRequest) (*Run, error)
		// Get returns the run, or NotFound.
		Get(ctx context.Context, runID string, opts GetRunOptions) (*Run, error)
		// Update merges the patch over the current run, applying the
		// derived-timestamp rules, and returns the updated run.
		Update(ctx context.Context, runID string, patch RunPatch) (*Run, error)
		// Cancel transitions the run to cancelled. Fails with InvalidState
		// when the run is already terminal.
		Cancel(ctx context.Context, runID string) (*Run, error)
		// Pause transitions the run to paused. Only valid from pending or
		// running; fails with InvalidState otherwise.
		Pause(ctx context.Context, runID string) (*Run, error)
		// Resume transitions a paused run to running, setting StartedAt if
		// not already set. Fails with InvalidState from any other status.
		Resume(ctx context.Context, runID string) (*Run, error)
		// List returns a page of runs ordered by run id descending.
		List(ctx context.Context, params ListRunsParams) (*Page[Run], error)
	}
)

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// ResolveDataNone elides input and output on Get.
const ResolveDataNone = "none"

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// NewRun builds the stored form of a create request. The caller supplies the
// generated id and the creation instant.
func NewRun(id string, req CreateRunRequest, now time.Time) Run {
	return Run{
		ID:               id,
		WorkflowName:     req.WorkflowName,
		DeploymentID:     req.DeploymentID,
		Status:           RunStatusPending,
		Input:            cloneValues(req.Input),
		ExecutionContext: cloneContext(req.ExecutionContext),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// NextRun merges patch over cur and derives timestamps: UpdatedAt is always
// advanced, StartedAt is written on the first transition to running and
// CompletedAt on the first transition to a terminal status. Both derived
// writes are only-if-null so concurrent updates that each observe the
// transition produce a single write. All backends route Update through this
// function so the state machine is identical across stores.
func NextRun(cur Run, patch RunPatch, now time.Time) Run {
	next := cur.Clone()
	next.UpdatedAt = now
	if patch.Status != nil {
		next.Status = *patch.Status
		if *patch.Status == RunStatusRunning && next.StartedAt == nil {
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
	if patch.ExecutionContext != nil {
		next.ExecutionContext = cloneContext(patch.ExecutionContext)
	}
	return next
}

// CancelPatch validates a cancel transition from the current status and
// returns the patch to apply.
func CancelPatch(cur RunStatus) (RunPatch, error) {
	if cur.Terminal() {
		return RunPatch{}, InvalidStatef("cannot cancel run in terminal status %q", cur)
	}
	s := RunStatusCancelled
	return RunPatch{Status: &s}, nil
}

// PausePatch validates a pause transition from the current status and returns
// the patch to apply. Pause is only legal from pending or running.
func PausePatch(cur RunStatus) (RunPatch, error) {
	if cur != RunStatusPending && cur != RunStatusRunning {
		return RunPatch{}, InvalidStatef("cannot pause run in status %q", cur)
	}
	s := RunStatusPaused
	return RunPatch{Status: &s}, nil
}

// ResumePatch validates a resume transition from the current status and
// returns the patch to apply. Resume is only legal from paused.
func ResumePatch(cur RunStatus) (RunPatch, error) {
	if cur != RunStatusPaused {
		return RunPatch{}, InvalidStatef("cannot resume run in status %q", cur)
	}
	s := RunStatusRunning
	return RunPatch{Status: &s}, nil
}

// Clone returns a deep copy of the run.
func (r Run) Clone() Run {
	c := r
	c.Input = cloneValues(r.Input)
	c.Output = cloneValues(r.Output)
	c.ExecutionContext = cloneContext(r.ExecutionContext)
	c.Error = r.Error.Clone()
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Elide returns a copy of the run with Input and Output removed, used by Get
// with ResolveDataNone so stores need not refetch opaque data.
func (r Run) Elide() Run {
	c := r.Clone()
	c.Input = nil
	c.Output = nil
	return c
}
