// Package redisworld implements the world contract on Redis via
// github.com/redis/go-redis/v9. Entities are JSON values under namespaced
// keys with lexicographic sorted sets as order indexes; the streamer pairs a
// row-per-chunk layout with pub/sub notifications; the queue uses per-prefix
// lists with a retry sorted set and SETNX idempotency keys.
package redisworld

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/durablekit/world"
	"github.com/durablekit/world/ids"
)

const defaultNamespace = "world"

// Options configures the Redis backend.
type Options struct {
	// Client is the Redis client. Required.
	Client *redis.Client
	// Namespace prefixes every key this backend writes. Defaults to
	// "world".
	Namespace string
	// DeploymentID identifies this process binding. Defaults to a fresh
	// UUID prefixed with "redis-".
	DeploymentID string
	// MaxAttempts bounds queue redeliveries. Defaults to 3.
	MaxAttempts int
	// SyncDelivery routes Enqueue straight into the in-process dispatcher
	// instead of the Redis list, bypassing external infrastructure while
	// preserving delivery semantics. Intended for tests.
	SyncDelivery bool
}

// World is the Redis backend. Construct with New.
type World struct {
	rdb      *redis.Client
	keys     keyspace
	runs     *runStore
	steps    *stepStore
	events   *eventStore
	hooks    *hookStore
	streamer *streamer
	queue    *queue
}

var (
	_ world.World  = (*World)(nil)
	_ world.Pinger = (*World)(nil)
)

// New constructs a Redis-backed World. The client is not closed by this
// package; callers own its lifecycle.
func New(opts Options) (*World, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	ns := opts.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	deploymentID := opts.DeploymentID
	if deploymentID == "" {
		deploymentID = "redis-" + uuid.NewString()
	}
	keys := keyspace(ns)
	gen := ids.NewGenerator()
	hooks := newHookStore(opts.Client, keys)
	w := &World{
		rdb:      opts.Client,
		keys:     keys,
		runs:     newRunStore(opts.Client, keys, gen, hooks.disposeRun),
		steps:    newStepStore(opts.Client, keys),
		events:   newEventStore(opts.Client, keys, gen),
		hooks:    hooks,
		streamer: newStreamer(opts.Client, keys, gen),
		queue:    newQueue(opts.Client, keys, gen, deploymentID, opts.MaxAttempts, opts.SyncDelivery),
	}
	return w, nil
}

// Ping reports Redis connectivity.
func (w *World) Ping(ctx context.Context) error {
	return w.rdb.Ping(ctx).Err()
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

// Shutdown stops queue delivery loops. Safe to call more than once.
func (w *World) Shutdown() { w.queue.Stop() }
