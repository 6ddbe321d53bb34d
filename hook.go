package world

import (
	"context"
	"time"
)

type (
	// Hook is a token-addressable callback handle registered against a run
	// so external systems can call back into it. Hook ids are caller
	// supplied and globally unique: Get and Dispose address hooks by id
	// alone, and re-creating an existing id from any run returns the
	// original record. Tokens are globally unique and looked up in O(1).
	Hook struct {
		ID          string    `json:"hook_id"`
		RunID       string    `json:"run_id"`
		Token       string    `json:"token"`
		OwnerID     string    `json:"owner_id,omitempty"`
		ProjectID   string    `json:"project_id,omitempty"`
		Environment string    `json:"environment,omitempty"`
		Metadata    any       `json:"metadata,omitempty"`
		CreatedAt   time.Time `json:"created_at"`
	}

	// CreateHookRequest registers a hook on a run. Creation is idempotent on
	// HookID: if the hook exists it is returned unchanged, keeping its
	// original token.
	CreateHookRequest struct {
		HookID      string `json:"hook_id"`
		Token       string `json:"token"`
		OwnerID     string `json:"owner_id,omitempty"`
		ProjectID   string `json:"project_id,omitempty"`
		Environment string `json:"environment,omitempty"`
		Metadata    any    `json:"metadata,omitempty"`
	}

	// ListHooksParams paginates one run's hooks, ordered by hook id
	// descending.
	ListHooksParams struct {
		RunID      string
		Pagination Pagination
	}

	// HookStore is the token-indexed hook registry. Backends may eagerly
	// dispose all of a run's hooks when the run reaches a terminal status.
	HookStore interface {
		// Create registers the hook, or returns the existing record when
		// req.HookID is already registered.
		Create(ctx context.Context, runID string, req CreateHookRequest) (*Hook, error)
		// Get returns the hook by id, or NotFound. Backends without a
		// by-id index surface NotImplemented.
		Get(ctx context.Context, hookID string) (*Hook, error)
		// GetByToken returns the hook by token, or NotFound.
		GetByToken(ctx context.Context, token string) (*Hook, error)
		// List returns a page of the run's hooks ordered by hook id
		// descending.
		List(ctx context.Context, params ListHooksParams) (*Page[Hook], error)
		// Dispose deletes the hook and its token index entry, returning the
		// deleted record.
		Dispose(ctx context.Context, hookID string) (*Hook, error)
	}
)

// NewHook builds the stored form of a create request.
func NewHook(runID string, req CreateHookRequest, now time.Time) Hook {
	return Hook{
		ID:          req.HookID,
		RunID:       runID,
		Token:       req.Token,
		OwnerID:     req.OwnerID,
		ProjectID:   req.ProjectID,
		Environment: req.Environment,
		Metadata:    req.Metadata,
		CreatedAt:   now,
	}
}
