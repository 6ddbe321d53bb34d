package inmem

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durablekit/world"
)

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	w := New(Options{})

	run, err := w.Runs().Create(ctx, world.CreateRunRequest{
		WorkflowName: "w",
		Input:        []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, world.RunStatusPending, run.Status)
	assert.Nil(t, run.StartedAt)
	assert.Nil(t, run.CompletedAt)
	assert.False(t, run.UpdatedAt.Before(run.CreatedAt))

	running := world.RunStatusRunning
	run, err = w.Runs().Update(ctx, run.ID, world.RunPatch{Status: &running})
	require.NoError(t, err)
	require.NotNil(t, run.StartedAt)

	completed := world.RunStatusCompleted
	run, err = w.Runs().Update(ctx, run.ID, world.RunPatch{
		Status: &completed,
		Output: []any{map[string]any{"r": 42}},
	})
	require.NoError(t, err)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, []any{map[string]any{"r": 42}}, run.Output)
	assert.False(t, run.CompletedAt.Before(*run.StartedAt))

	// resolveData=none elides input and output but keeps the rest.
	got, err := w.Runs().Get(ctx, run.ID, world.GetRunOptions{ResolveData: world.ResolveDataNone})
	require.NoError(t, err)
	assert.Nil(t, got.Input)
	assert.Nil(t, got.Output)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, world.RunStatusCompleted, got.Status)

	got, err = w.Runs().Get(ctx, run.ID, world.GetRunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, got.Input)
}

func TestRunTransitions(t *testing.T) {
	ctx := context.Background()
	w := New(Options{})

	run, err := w.Runs().Create(ctx, world.CreateRunRequest{WorkflowName: "w"})
	require.NoError(t, err)

	// Pause from pending, resume sets StartedAt.
	paused, err := w.Runs().Pause(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, world.RunStatusPaused, paused.Status)

	resumed, err := w.Runs().Resume(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, world.RunStatusRunning, resumed.Status)
	require.NotNil(t, resumed.StartedAt)

	_, err = w.Runs().Resume(ctx, run.ID)
	assert.True(t, world.IsInvalidState(err), "resume from running")

	cancelled, err := w.Runs().Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, world.RunStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	_, err = w.Runs().Cancel(ctx, run.ID)
	assert.True(t, world.IsInvalidState(err), "cancel from terminal")
	_, err = w.Runs().Pause(ctx, run.ID)
	assert.True(t, world.IsInvalidState(err), "pause from terminal")

	_, err = w.Runs().Get(ctx, "wrun_missing", world.GetRunOptions{})
	assert.True(t, world.IsNotFound(err))
	_, err = w.Runs().Update(ctx, "wrun_missing", world.RunPatch{})
	assert.True(t, world.IsNotFound(err))
}

func TestRunListPagination(t *testing.T) {
	ctx := context.Background()
	w := New(Options{})

	var created []string
	for i := range 5 {
		run, err := w.Runs().Create(ctx, world.CreateRunRequest{WorkflowName: fmt.Sprintf("w%d", i%2)})
		require.NoError(t, err)
		created = append(created, run.ID)
	}

	page, err := w.Runs().List(ctx, world.ListRunsParams{Pagination: world.Pagination{Limit: 3}})
	require.NoError(t, err)
	require.Len(t, page.Data, 3)
	assert.True(t, page.HasMore)
	// Newest first.
	assert.Equal(t, created[4], page.Data[0].ID)
	assert.Equal(t, created[2], page.Data[2].ID)
	assert.Equal(t, created[2], page.Cursor)

	rest, err := w.Runs().List(ctx, world.ListRunsParams{
		Pagination: world.Pagination{Limit: 3, Cursor: page.Cursor},
	})
	require.NoError(t, err)
	require.Len(t, rest.Data, 2)
	assert.False(t, rest.HasMore)
	assert.Empty(t, rest.Cursor)
	assert.Equal(t, created[1], rest.Data[0].ID)
	assert.Equal(t, created[0], rest.Data[1].ID)

	// Filter by workflow name.
	filtered, err := w.Runs().List(ctx, world.ListRunsParams{WorkflowName: "w0"})
	require.NoError(t, err)
	assert.Len(t, filtered.Data, 3)

	// Filter by status yields an empty page, not an error.
	empty, err := w.Runs().List(ctx, world.ListRunsParams{Status: world.RunStatusFailed})
	require.NoError(t, err)
	assert.Empty(t, empty.Data)
	assert.False(t, empty.HasMore)
}

func TestStepIdempotentCreate(t *testing.T) {
	ctx := context.Background()
	w := New(Options{})

	run, err := w.Runs().Create(ctx, world.CreateRunRequest{WorkflowName: "w"})
	require.NoError(t, err)

	step, err := w.Steps().Create(ctx, run.ID, world.CreateStepRequest{
		StepID:   "s1",
		StepName: "first",
		Input:    []any{},
	})
	require.NoError(t, err)
	assert.Equal(t, world.StepStatusPending, step.Status)
	assert.Equal(t, 1, step.Attempt)

	again, err := w.Steps().Create(ctx, run.ID, world.CreateStepRequest{StepID: "s1", StepName: "other"})
	require.NoError(t, err)
	assert.Equal(t, step.Name, again.Name, "re-create returns the original record")
	assert.Equal(t, step.CreatedAt, again.CreatedAt)

	running := world.StepStatusRunning
	step, err = w.Steps().Update(ctx, run.ID, "s1", world.StepPatch{Status: &running})
	require.NoError(t, err)
	require.NotNil(t, step.StartedAt)

	failed := world.StepStatusFailed
	step, err = w.Steps().Update(ctx, run.ID, "s1", world.StepPatch{
		Status: &failed,
		Error:  &world.ErrorValue{Message: "boom", Code: "E1"},
	})
	require.NoError(t, err)
	require.NotNil(t, step.CompletedAt)
	assert.Equal(t, "E1", step.Error.Code)

	// Get without a run id searches across runs.
	found, err := w.Steps().Get(ctx, "", "s1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, found.RunID)

	_, err = w.Steps().Get(ctx, run.ID, "missing")
	assert.True(t, world.IsNotFound(err))
}

func TestStepList(t *testing.T) {
	ctx := context.Background()
	w := New(Options{})

	run, err := w.Runs().Create(ctx, world.CreateRunRequest{WorkflowName: "w"})
	require.NoError(t, err)
	for _, id := range []string{"s1", "s2", "s3"} {
		_, err := w.Steps().Create(ctx, run.ID, world.CreateStepRequest{StepID: id, StepName: id})
		require.NoError(t, err)
	}

	page, err := w.Steps().List(ctx, world.ListStepsParams{
		RunID:      run.ID,
		Pagination: world.Pagination{Limit: 2},
	})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "s3", page.Data[0].ID)
	assert.Equal(t, "s2", page.Data[1].ID)

	rest, err := w.Steps().List(ctx, world.ListStepsParams{
		RunID:      run.ID,
		Pagination: world.Pagination{Limit: 2, Cursor: page.Cursor},
	})
	require.NoError(t, err)
	require.Len(t, rest.Data, 1)
	assert.Equal(t, "s1", rest.Data[0].ID)
}

func TestEventCorrelation(t *testing.T) {
	ctx := context.Background()
	w := New(Options{})

	run, err := w.Runs().Create(ctx, world.CreateRunRequest{WorkflowName: "w"})
	require.NoError(t, err)

	_, err = w.Events().Create(ctx, run.ID, world.CreateEventRequest{
		EventType:     world.EventStepStarted,
		CorrelationID: "s1",
	})
	require.NoError(t, err)
	_, err = w.Events().Create(ctx, run.ID, world.CreateEventRequest{
		EventType:     world.EventStepCompleted,
		CorrelationID: "s1",
		EventData:     map[string]any{"r": "ok"},
	})
	require.NoError(t, err)
	_, err = w.Events().Create(ctx, run.ID, world.CreateEventRequest{EventType: world.EventWorkflowCompleted})
	require.NoError(t, err)

	byCorr, err := w.Events().ListByCorrelationID(ctx, world.ListByCorrelationParams{CorrelationID: "s1"})
	require.NoError(t, err)
	require.Len(t, byCorr.Data, 2)
	assert.Equal(t, world.EventStepStarted, byCorr.Data[0].EventType)
	assert.Equal(t, world.EventStepCompleted, byCorr.Data[1].EventType)

	byRun, err := w.Events().List(ctx, world.ListEventsParams{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, byRun.Data, 3)
	assert.Equal(t, world.EventStepStarted, byRun.Data[0].EventType)
	assert.Equal(t, world.EventWorkflowCompleted, byRun.Data[2].EventType)

	desc, err := w.Events().List(ctx, world.ListEventsParams{RunID: run.ID, SortOrder: world.SortDesc})
	require.NoError(t, err)
	require.Len(t, desc.Data, 3)
	assert.Equal(t, world.EventWorkflowCompleted, desc.Data[0].EventType)
	assert.Equal(t, world.EventStepStarted, desc.Data[2].EventType)
}

func TestEventPaginationAscending(t *testing.T) {
	ctx := context.Background()
	w := New(Options{})

	run, err := w.Runs().Create(ctx, world.CreateRunRequest{WorkflowName: "w"})
	require.NoError(t, err)
	var eventIDs []string
	for i := range 5 {
		e, err := w.Events().Create(ctx, run.ID, world.CreateEventRequest{EventType: fmt.Sprintf("e%d", i)})
		require.NoError(t, err)
		eventIDs = append(eventIDs, e.ID)
	}

	page, err := w.Events().List(ctx, world.ListEventsParams{
		RunID:      run.ID,
		Pagination: world.Pagination{Limit: 2},
	})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, eventIDs[0], page.Data[0].ID)
	assert.Equal(t, eventIDs[1], page.Cursor)

	next, err := w.Events().List(ctx, world.ListEventsParams{
		RunID:      run.ID,
		Pagination: world.Pagination{Limit: 2, Cursor: page.Cursor},
	})
	require.NoError(t, err)
	require.Len(t, next.Data, 2)
	assert.Equal(t, eventIDs[2], next.Data[0].ID)
}

func TestHookLookupAndDisposal(t *testing.T) {
	ctx := context.Background()
	w := New(Options{})

	run, err := w.Runs().Create(ctx, world.CreateRunRequest{WorkflowName: "w"})
	require.NoError(t, err)

	hook, err := w.Hooks().Create(ctx, run.ID, world.CreateHookRequest{HookID: "h", Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, run.ID, hook.RunID)

	// Idempotent on hook id: the original token wins.
	again, err := w.Hooks().Create(ctx, run.ID, world.CreateHookRequest{HookID: "h", Token: "t2"})
	require.NoError(t, err)
	assert.Equal(t, "t", again.Token)

	// Hook ids are global: re-creating the id from another run returns the
	// original record, original run included.
	other, err := w.Runs().Create(ctx, world.CreateRunRequest{WorkflowName: "w"})
	require.NoError(t, err)
	crossRun, err := w.Hooks().Create(ctx, other.ID, world.CreateHookRequest{HookID: "h", Token: "t3"})
	require.NoError(t, err)
	assert.Equal(t, run.ID, crossRun.RunID)

	// A duplicate token under a different hook id is a conflict.
	_, err = w.Hooks().Create(ctx, run.ID, world.CreateHookRequest{HookID: "h2", Token: "t"})
	assert.True(t, world.IsConflict(err))

	byToken, err := w.Hooks().GetByToken(ctx, "t")
	require.NoError(t, err)
	byID, err := w.Hooks().Get(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, byID, byToken)

	page, err := w.Hooks().List(ctx, world.ListHooksParams{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)

	disposed, err := w.Hooks().Dispose(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, "h", disposed.ID)

	_, err = w.Hooks().GetByToken(ctx, "t")
	assert.True(t, world.IsNotFound(err))
	_, err = w.Hooks().Get(ctx, "h")
	assert.True(t, world.IsNotFound(err))
	_, err = w.Hooks().Dispose(ctx, "h")
	assert.True(t, world.IsNotFound(err))
}

func TestHooksDisposedOnRunTermination(t *testing.T) {
	ctx := context.Background()
	w := New(Options{})

	run, err := w.Runs().Create(ctx, world.CreateRunRequest{WorkflowName: "w"})
	require.NoError(t, err)
	_, err = w.Hooks().Create(ctx, run.ID, world.CreateHookRequest{HookID: "h1", Token: "t1"})
	require.NoError(t, err)
	_, err = w.Hooks().Create(ctx, run.ID, world.CreateHookRequest{HookID: "h2", Token: "t2"})
	require.NoError(t, err)

	completed := world.RunStatusCompleted
	_, err = w.Runs().Update(ctx, run.ID, world.RunPatch{Status: &completed})
	require.NoError(t, err)

	_, err = w.Hooks().GetByToken(ctx, "t1")
	assert.True(t, world.IsNotFound(err))
	_, err = w.Hooks().GetByToken(ctx, "t2")
	assert.True(t, world.IsNotFound(err))
}
