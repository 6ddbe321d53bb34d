// Package mongoworld implements the world contract on MongoDB via
// go.mongodb.org/mongo-driver. Entities live in one collection per kind with
// the entity id as _id; listings page on _id range filters. Mongo has no
// push channel, so the streamer and queue poll their collections on a short
// interval. Stores go through the narrow client surface in clients/mongo,
// which has an in-memory fake for tests.
package mongoworld

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/durablekit/world"
	"github.com/durablekit/world/ids"
	mongoclient "github.com/durablekit/world/mongoworld/clients/mongo"
)

const (
	collRuns     = "workflow_runs"
	collSteps    = "workflow_steps"
	collEvents   = "workflow_events"
	collHooks    = "workflow_hooks"
	collChunks   = "stream_chunks"
	collMessages = "queue_messages"
	collDedup    = "queue_dedup"

	pollInterval = 50 * time.Millisecond
)

// Options configures the Mongo backend.
type Options struct {
	// Client is the Mongo client. Required.
	Client *mongodriver.Client
	// Database is the database name. Required.
	Database string
	// DeploymentID identifies this process binding. Defaults to a fresh
	// UUID prefixed with "mongo-".
	DeploymentID string
	// MaxAttempts bounds queue redeliveries. Defaults to 3.
	MaxAttempts int
	// SyncDelivery routes Enqueue straight into the in-process dispatcher
	// instead of the message collection. Intended for tests.
	SyncDelivery bool
}

// World is the Mongo backend. Construct with New.
type World struct {
	client   *mongodriver.Client
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

// New constructs a Mongo-backed World and ensures its indexes. The client is
// not closed by this package; callers own its lifecycle.
func New(ctx context.Context, opts Options) (*World, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	db := mongoclient.NewDatabase(opts.Client.Database(opts.Database))
	if err := ensureIndexes(ctx, db); err != nil {
		return nil, err
	}
	w := newWorld(db, opts.DeploymentID, opts.MaxAttempts, opts.SyncDelivery)
	w.client = opts.Client
	return w, nil
}

// newWorld wires stores over any client surface, including the fake.
func newWorld(db mongoclient.Database, deploymentID string, maxAttempts int, syncDelivery bool) *World {
	if deploymentID == "" {
		deploymentID = "mongo-" + uuid.NewString()
	}
	gen := ids.NewGenerator()
	hooks := newHookStore(db.Collection(collHooks))
	return &World{
		runs:     newRunStore(db.Collection(collRuns), gen, hooks.disposeRun),
		steps:    newStepStore(db.Collection(collSteps)),
		events:   newEventStore(db.Collection(collEvents), gen),
		hooks:    hooks,
		streamer: newStreamer(db.Collection(collChunks), gen),
		queue:    newQueue(db.Collection(collMessages), db.Collection(collDedup), gen, deploymentID, maxAttempts, syncDelivery),
	}
}

func ensureIndexes(ctx context.Context, db mongoclient.Database) error {
	unique := func(field string) mongodriver.IndexModel {
		return mongodriver.IndexModel{
			Keys:    bson.D{{Key: field, Value: 1}},
			Options: options.Index().SetUnique(true),
		}
	}
	plain := func(field string) mongodriver.IndexModel {
		return mongodriver.IndexModel{Keys: bson.D{{Key: field, Value: 1}}}
	}
	ttl := func(field string) mongodriver.IndexModel {
		return mongodriver.IndexModel{
			Keys:    bson.D{{Key: field, Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		}
	}
	for coll, models := range map[string][]mongodriver.IndexModel{
		collSteps:    {plain("run_id"), plain("step_id")},
		collEvents:   {plain("run_id"), plain("correlation_id")},
		collHooks:    {unique("token"), plain("run_id")},
		collChunks:   {plain("stream")},
		collMessages: {plain("prefix"), plain("due")},
		collDedup:    {ttl("expires_at")},
	} {
		for _, model := range models {
			if _, err := db.Collection(coll).Indexes().CreateOne(ctx, model); err != nil {
				return err
			}
		}
	}
	return nil
}

// Ping reports Mongo connectivity.
func (w *World) Ping(ctx context.Context) error {
	if w.client == nil {
		return nil
	}
	return mongoclient.Ping(ctx, w.client)
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
