// Package inmem provides an in-memory implementation of the world contract
// for testing and local development. State lives in mutex-guarded maps with
// defensive copies on read and write and does not survive process restarts.
// The package doubles as the reference realization of the contract: the other
// backends must match its observable behavior.
package inmem

import (
	"context"

	"github.com/google/uuid"

	"github.com/durablekit/world"
	"github.com/durablekit/world/ids"
)

// Options configures the in-memory backend.
type Options struct {
	// DeploymentID identifies this process binding. Defaults to a fresh
	// UUID prefixed with "inmem-".
	DeploymentID string
	// MaxAttempts bounds queue redeliveries. Defaults to 3.
	MaxAttempts int
}

// World is the in-memory backend. Construct with New; the zero value is not
// usable.
type World struct {
	runs     *runStore
	steps    *stepStore
	events   *eventStore
	hooks    *hookStore
	streamer *streamer
	queue    *queue
}

var _ world.World = (*World)(nil)

// New constructs an in-memory World ready for use.
func New(opts Options) *World {
	deploymentID := opts.DeploymentID
	if deploymentID == "" {
		deploymentID = "inmem-" + uuid.NewString()
	}
	gen := ids.NewGenerator()
	hooks := newHookStore()
	w := &World{
		runs:     newRunStore(gen, hooks.disposeRun),
		steps:    newStepStore(),
		events:   newEventStore(gen),
		hooks:    hooks,
		streamer: newStreamer(gen),
		queue:    newQueue(gen, deploymentID, opts.MaxAttempts),
	}
	return w
}

// Runs returns the run store.
func (w *World) Runs() world.RunStore { return w.runs }

// Steps returns the step store.
func (w *World) Steps() world.StepStore { return w.steps }

// Events returns the event log.
func (w *World) Events() world.EventStore { return w.events }

// Hooks returns the hook registry.
func (w *World) Hooks() world.HookStore { return w.hooks }

// WriteToStream appends a chunk to the named stream.
func (w *World) WriteToStream(ctx context.Context, name string, runID *world.RunIDHandle, data []byte) error {
	return w.streamer.Write(ctx, name, runID, data)
}

// CloseStream appends the terminal EOF chunk to the named stream.
func (w *World) CloseStream(ctx context.Context, name string, runID *world.RunIDHandle) error {
	return w.streamer.Close(ctx, name, runID)
}

// ReadFromStream replays the named stream and follows it live until EOF.
func (w *World) ReadFromStream(ctx context.Context, name string, opts world.ReadOptions) (<-chan []byte, <-chan error, context.CancelFunc, error) {
	return w.streamer.Read(ctx, name, opts)
}

// Enqueue submits a message for delivery.
func (w *World) Enqueue(ctx context.Context, queueName string, payload []byte, opts world.EnqueueOptions) (string, error) {
	return w.queue.Enqueue(ctx, queueName, payload, opts)
}

// RegisterHandler installs the handler for a queue name prefix.
func (w *World) RegisterHandler(prefix string, handler world.Handler) error {
	return w.queue.RegisterHandler(prefix, handler)
}

// Start begins queue delivery.
func (w *World) Start(ctx context.Context) error { return w.queue.Start(ctx) }

// DeploymentID identifies this process binding.
func (w *World) DeploymentID() string { return w.queue.deploymentID }

// Shutdown stops queue delivery. Safe to call more than once.
func (w *World) Shutdown() { w.queue.Stop() }
