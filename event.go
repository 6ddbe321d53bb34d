package world

import (
	"context"
	"time"
)

// Well-known event types. The set is open: the runtime may record any string.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventStepStarted       = "step_started"
	EventStepCompleted     = "step_completed"
	EventStepFailed        = "step_failed"
	EventStepRetrying      = "step_retrying"
	EventHookCreated       = "hook_created"
	EventHookReceived      = "hook_received"
	EventHookDisposed      = "hook_disposed"
)

type (
	// Event is an immutable append-only record on a run. Event id ordering
	// equals creation order within a generator.
	Event struct {
		ID            string    `json:"event_id"`
		RunID         string    `json:"run_id"`
		EventType     string    `json:"event_type"`
		CorrelationID string    `json:"correlation_id,omitempty"`
		EventData     any       `json:"event_data,omitempty"`
		CreatedAt     time.Time `json:"created_at"`
	}

	// CreateEventRequest appends an event to a run's log. CorrelationID is
	// typically a step or hook id and links events belonging to the same
	// logical sub-activity across runs.
	CreateEventRequest struct {
		EventType     string `json:"event_type"`
		CorrelationID string `json:"correlation_id,omitempty"`
		EventData     any    `json:"event_data,omitempty"`
	}

	// ListEventsParams paginates one run's events. Default order is
	// ascending (chronological); the cursor is the last event id in the
	// returned order.
	ListEventsParams struct {
		RunID      string
		SortOrder  SortOrder
		Pagination Pagination
	}

	// ListByCorrelationParams paginates events across all runs sharing a
	// correlation id.
	ListByCorrelationParams struct {
		CorrelationID string
		SortOrder     SortOrder
		Pagination    Pagination
	}

	// EventStore is the append-only event log with dual indexing: by run and
	// by correlation id, both ordered by event id.
	EventStore interface {
		// Create generates an event id, stamps CreatedAt and appends.
		Create(ctx context.Context, runID string, req CreateEventRequest) (*Event, error)
		// List returns a page of the run's events ordered by event id.
		List(ctx context.Context, params ListEventsParams) (*Page[Event], error)
		// ListByCorrelationID returns a page of events across runs sharing
		// the correlation id, ordered by event id.
		ListByCorrelationID(ctx context.Context, params ListByCorrelationParams) (*Page[Event], error)
	}
)

// NewEvent builds the stored form of a create request.
func NewEvent(id, runID string, req CreateEventRequest, now time.Time) Event {
	return Event{
		ID:            id,
		RunID:         runID,
		EventType:     req.EventType,
		CorrelationID: req.CorrelationID,
		EventData:     req.EventData,
		CreatedAt:     now,
	}
}

// Normalize returns the sort order with the ascending default applied.
func (s SortOrder) Normalize() SortOrder {
	if s != SortDesc {
		return SortAsc
	}
	return SortDesc
}
