package mongoworld

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/durablekit/world"
	"github.com/durablekit/world/mongoworld/clients/mongo/inmem"
)

type recorder struct {
	mu         sync.Mutex
	deliveries []world.Delivery
	payloads   [][]byte
	fail       int
}

func (r *recorder) handle(_ context.Context, payload []byte, d world.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	r.payloads = append(r.payloads, payload)
	if r.fail > 0 {
		r.fail--
		return errors.New("transient failure")
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries)
}

func TestQueueDelivery(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(t, 0, false)

	rec := &recorder{}
	require.NoError(t, w.RegisterHandler(world.StepQueuePrefix, rec.handle))
	require.NoError(t, w.Start(ctx))

	msgID, err := w.Enqueue(ctx, world.StepQueue("X"), []byte(`{"p":1}`), world.EnqueueOptions{IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.NotEmpty(t, msgID)

	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	d := rec.deliveries[0]
	payload := rec.payloads[0]
	rec.mu.Unlock()
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, world.StepQueue("X"), d.QueueName)
	assert.Equal(t, msgID, d.MessageID)
	assert.Equal(t, `{"p":1}`, string(payload))

	// Duplicate enqueue within the dedup window is a no-op returning the
	// original message id.
	dupID, err := w.Enqueue(ctx, world.StepQueue("X"), []byte(`{"p":1}`), world.EnqueueOptions{IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, msgID, dupID)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "handler is not invoked twice for the same idempotency key")
}

func TestQueueRetries(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(t, 0, false)

	rec := &recorder{fail: 2}
	require.NoError(t, w.RegisterHandler(world.WorkflowQueuePrefix, rec.handle))
	require.NoError(t, w.Start(ctx))

	_, err := w.Enqueue(ctx, world.WorkflowQueue("w1"), []byte("p"), world.EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 3 }, 5*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.deliveries[0].Attempt)
	assert.Equal(t, 2, rec.deliveries[1].Attempt)
	assert.Equal(t, 3, rec.deliveries[2].Attempt)
	// All deliveries carry the same message id.
	assert.Equal(t, rec.deliveries[0].MessageID, rec.deliveries[2].MessageID)
}

func TestQueuePermanentFailureStopsAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(t, 2, false)

	rec := &recorder{fail: 10}
	require.NoError(t, w.RegisterHandler(world.StepQueuePrefix, rec.handle))
	require.NoError(t, w.Start(ctx))

	_, err := w.Enqueue(ctx, world.StepQueue("boom"), []byte("p"), world.EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 2 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, rec.count(), "no redelivery past max attempts")
}

func TestQueueRejectsUnknownPrefix(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(t, 0, false)

	_, err := w.Enqueue(ctx, "jobs_misc", []byte("p"), world.EnqueueOptions{})
	assert.True(t, world.IsInvalidArgument(err))

	assert.True(t, world.IsInvalidArgument(w.RegisterHandler("jobs_", func(context.Context, []byte, world.Delivery) error { return nil })))

	require.NoError(t, w.RegisterHandler(world.StepQueuePrefix, func(context.Context, []byte, world.Delivery) error { return nil }))
	err = w.RegisterHandler(world.StepQueuePrefix, func(context.Context, []byte, world.Delivery) error { return nil })
	assert.True(t, world.IsInvalidArgument(err), "one handler per prefix")
}

func TestQueueDeliversMessagesEnqueuedBeforeStart(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(t, 0, false)

	rec := &recorder{}
	require.NoError(t, w.RegisterHandler(world.StepQueuePrefix, rec.handle))

	// No delivery loop is running yet; the message waits in the collection.
	_, err := w.Enqueue(ctx, world.StepQueue("early"), []byte("p"), world.EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, w.Start(ctx))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestQueueSyncDelivery(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(t, 0, true)

	rec := &recorder{fail: 1}
	require.NoError(t, w.RegisterHandler(world.StepQueuePrefix, rec.handle))

	// Delivery happens inline during Enqueue, no Start needed.
	msgID, err := w.Enqueue(ctx, world.StepQueue("sync"), []byte("p"), world.EnqueueOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, rec.count(), "inline retry after the transient failure")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, msgID, rec.deliveries[0].MessageID)
	assert.Equal(t, 1, rec.deliveries[0].Attempt)
	assert.Equal(t, 2, rec.deliveries[1].Attempt)
}

func TestQueueDedupExpiredKeyReused(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(t, 0, false)

	first, err := w.Enqueue(ctx, world.StepQueue("X"), []byte("p"), world.EnqueueOptions{IdempotencyKey: "k1"})
	require.NoError(t, err)

	// Age the key past its window, as if the TTL reaper had not run yet.
	replaced, err := w.queue.dedup.ReplaceOne(ctx, bson.M{"_id": "k1"},
		dedupDocument{Key: "k1", MessageID: first, ExpiresAt: time.Now().Add(-time.Second).UTC()})
	require.NoError(t, err)
	require.EqualValues(t, 1, replaced)

	// The expired claim does not pin the key; a new message is minted.
	second, err := w.Enqueue(ctx, world.StepQueue("X"), []byte("p"), world.EnqueueOptions{IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestDeploymentID(t *testing.T) {
	w := newWorld(inmem.New(), "dep-1", 0, false)
	assert.Equal(t, "dep-1", w.DeploymentID())

	other := newTestWorld(t, 0, false)
	assert.NotEmpty(t, other.DeploymentID())
}
