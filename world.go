// Package world defines the backend contract consumed by the durable workflow
// runtime: persistent run and step state, an append-only event log, a
// token-addressable hook registry, a chunked byte streamer, and a prefix-typed
// message queue. Backends under inmem, redisworld and mongoworld each provide
// a complete implementation of this contract over a different storage
// primitive; their observable behavior is identical.
//
// All methods take a context and surface errors from the taxonomy in this
// package (NotFound, Conflict, InvalidState, InvalidArgument, NotImplemented,
// Internal). Store failures the backend cannot classify are reported as
// Internal.
package world

import "context"

type (
	// World aggregates the storage, streaming and queuing surfaces a backend
	// exposes to the workflow runtime. Implementations must be safe for
	// concurrent use.
	World interface {
		// Runs returns the run store.
		Runs() RunStore
		// Steps returns the step store.
		Steps() StepStore
		// Events returns the event log.
		Events() EventStore
		// Hooks returns the hook registry.
		Hooks() HookStore

		Streamer
		Queue
	}

	// Pinger reports backend connectivity. Backends with a remote store
	// implement it so deployments can wire health checks.
	Pinger interface {
		Ping(ctx context.Context) error
	}
)
