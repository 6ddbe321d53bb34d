package mongoworld

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"

	"github.com/durablekit/world"
	"github.com/durablekit/world/ids"
	mongoclient "github.com/durablekit/world/mongoworld/clients/mongo"
)

const (
	defaultMaxAttempts = 3
	dedupWindow        = time.Minute
	retryBaseDelay     = 25 * time.Millisecond
)

type (
	// queue implements world.Queue on Mongo. Messages are documents with a
	// due time; delivery loops poll for due messages and claim each by
	// deleting it, so concurrent consumers never double-deliver. Failed
	// messages are re-inserted with a backoff due time. Idempotency keys
	// are documents keyed by the caller's key, reaped by a TTL index.
	queue struct {
		messages mongoclient.Collection
		dedup    mongoclient.Collection
		gen      *ids.Generator

		mu       sync.Mutex
		handlers map[string]world.Handler
		started  bool

		deploymentID string
		maxAttempts  int
		sync         bool
		stop         chan struct{}
		wg           sync.WaitGroup
	}

	messageDocument struct {
		ID        string `bson:"_id"`
		Prefix    string `bson:"prefix"`
		QueueName string `bson:"queue_name"`
		Payload   []byte `bson:"payload"`
		Attempt   int    `bson:"attempt"`
		Due       int64  `bson:"due"`
	}

	// dedupDocument holds one idempotency key claim. expires_at carries a
	// TTL index so the server reaps stale keys; the claim path still checks
	// expiry itself since TTL reaping is periodic.
	dedupDocument struct {
		Key       string    `bson:"_id"`
		MessageID string    `bson:"message_id"`
		ExpiresAt time.Time `bson:"expires_at"`
	}
)

func newQueue(messages, dedup mongoclient.Collection, gen *ids.Generator, deploymentID string, maxAttempts int, syncDelivery bool) *queue {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &queue{
		messages:     messages,
		dedup:        dedup,
		gen:          gen,
		handlers:     make(map[string]world.Handler),
		deploymentID: deploymentID,
		maxAttempts:  maxAttempts,
		sync:         syncDelivery,
		stop:         make(chan struct{}),
	}
}

func (q *queue) Enqueue(ctx context.Context, queueName string, payload []byte, opts world.EnqueueOptions) (string, error) {
	prefix, err := world.QueuePrefix(queueName)
	if err != nil {
		return "", err
	}

	msgID := q.gen.MessageID()
	if opts.IdempotencyKey != "" {
		original, fresh, err := q.claimKey(ctx, opts.IdempotencyKey, msgID)
		if err != nil {
			return "", err
		}
		if !fresh {
			return original, nil
		}
	}

	doc := messageDocument{
		ID:        msgID,
		Prefix:    prefix,
		QueueName: queueName,
		Payload:   payload,
		Attempt:   1,
		Due:       time.Now().UnixNano(),
	}
	if q.sync {
		if handler := q.handler(prefix); handler != nil {
			q.dispatchSync(ctx, handler, doc)
			return msgID, nil
		}
	}
	if err := q.messages.InsertOne(ctx, doc); err != nil {
		return "", world.Internalf(err, "enqueue message")
	}
	return msgID, nil
}

// claimKey registers the idempotency key for msgID. When the key is already
// held and unexpired it returns the original message id with fresh=false.
func (q *queue) claimKey(ctx context.Context, key, msgID string) (string, bool, error) {
	now := time.Now()
	doc := dedupDocument{Key: key, MessageID: msgID, ExpiresAt: now.Add(dedupWindow).UTC()}
	err := q.dedup.InsertOne(ctx, doc)
	if err == nil {
		return msgID, true, nil
	}
	if !mongoclient.IsDuplicate(err) {
		return "", false, world.Internalf(err, "store idempotency key")
	}
	var existing dedupDocument
	if err := q.dedup.FindOne(ctx, bson.M{"_id": key}).Decode(&existing); err != nil {
		if errors.Is(err, mongoclient.ErrNoDocuments) {
			return msgID, true, nil
		}
		return "", false, world.Internalf(err, "load idempotency key")
	}
	if now.Before(existing.ExpiresAt) {
		return existing.MessageID, false, nil
	}
	// Expired key: take it over.
	if _, err := q.dedup.ReplaceOne(ctx, bson.M{"_id": key}, doc); err != nil {
		return "", false, world.Internalf(err, "refresh idempotency key")
	}
	return msgID, true, nil
}

func (q *queue) RegisterHandler(prefix string, handler world.Handler) error {
	if prefix != world.WorkflowQueuePrefix && prefix != world.StepQueuePrefix {
		return world.InvalidArgumentf("unrecognized queue prefix %q", prefix)
	}
	if handler == nil {
		return world.InvalidArgumentf("handler is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.handlers[prefix]; ok {
		return world.InvalidArgumentf("handler already registered for prefix %q", prefix)
	}
	q.handlers[prefix] = handler
	return nil
}

func (q *queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}
	q.started = true
	for _, prefix := range []string{world.WorkflowQueuePrefix, world.StepQueuePrefix} {
		q.wg.Add(1)
		go q.deliver(context.WithoutCancel(ctx), prefix)
	}
	return nil
}

// Stop halts delivery loops. In-flight handler invocations run to completion.
func (q *queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	close(q.stop)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *queue) DeploymentID() string { return q.deploymentID }

func (q *queue) handler(prefix string) world.Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handlers[prefix]
}

func (q *queue) deliver(ctx context.Context, prefix string) {
	defer q.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		q.drain(ctx, prefix)
		select {
		case <-q.stop:
			return
		case <-ticker.C:
		}
	}
}

func (q *queue) drain(ctx context.Context, prefix string) {
	due, err := q.due(ctx, prefix)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "queue scan failed"}, log.KV{K: "prefix", V: prefix})
		return
	}
	for _, doc := range due {
		select {
		case <-q.stop:
			return
		default:
		}
		// Deleting the document claims it; a zero count means another
		// consumer won.
		deleted, err := q.messages.DeleteOne(ctx, bson.M{"_id": doc.ID})
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "queue claim failed"}, log.KV{K: "message_id", V: doc.ID})
			continue
		}
		if deleted == 0 {
			continue
		}
		q.dispatch(ctx, prefix, doc)
	}
}

func (q *queue) due(ctx context.Context, prefix string) ([]messageDocument, error) {
	cur, err := q.messages.Find(ctx, bson.M{
		"prefix": prefix,
		"due":    bson.M{"$lte": time.Now().UnixNano()},
	}, options.Find().SetSort(bson.D{{Key: "due", Value: 1}}))
	if err != nil {
		return nil, world.Internalf(err, "scan messages")
	}
	defer cur.Close(ctx)

	var docs []messageDocument
	for cur.Next(ctx) {
		var doc messageDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, world.Internalf(err, "decode message")
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, world.Internalf(err, "scan messages")
	}
	return docs, nil
}

func (q *queue) dispatch(ctx context.Context, prefix string, doc messageDocument) {
	handler := q.handler(prefix)
	if handler == nil {
		log.Error(ctx, world.InvalidStatef("no handler for prefix %q", prefix),
			log.KV{K: "msg", V: "dropping message"},
			log.KV{K: "message_id", V: doc.ID})
		return
	}
	err := handler(ctx, doc.Payload, world.Delivery{
		MessageID: doc.ID,
		QueueName: doc.QueueName,
		Attempt:   doc.Attempt,
	})
	if err == nil {
		return
	}
	if doc.Attempt >= q.maxAttempts {
		log.Error(ctx, err,
			log.KV{K: "msg", V: "message failed permanently"},
			log.KV{K: "message_id", V: doc.ID},
			log.KV{K: "queue", V: doc.QueueName},
			log.KV{K: "attempts", V: doc.Attempt})
		return
	}
	log.Warn(ctx, log.KV{K: "msg", V: "message delivery failed, retrying"},
		log.KV{K: "message_id", V: doc.ID},
		log.KV{K: "queue", V: doc.QueueName},
		log.KV{K: "attempt", V: doc.Attempt})
	doc.Attempt++
	doc.Due = time.Now().Add(retryBaseDelay << (doc.Attempt - 2)).UnixNano()
	if err := q.messages.InsertOne(ctx, doc); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "park retry failed"}, log.KV{K: "message_id", V: doc.ID})
	}
}

// dispatchSync delivers doc inline, sleeping through the backoff schedule
// instead of parking in the collection. Used when SyncDelivery is set.
func (q *queue) dispatchSync(ctx context.Context, handler world.Handler, doc messageDocument) {
	for {
		err := handler(ctx, doc.Payload, world.Delivery{
			MessageID: doc.ID,
			QueueName: doc.QueueName,
			Attempt:   doc.Attempt,
		})
		if err == nil {
			return
		}
		if doc.Attempt >= q.maxAttempts {
			log.Error(ctx, err,
				log.KV{K: "msg", V: "message failed permanently"},
				log.KV{K: "message_id", V: doc.ID},
				log.KV{K: "queue", V: doc.QueueName},
				log.KV{K: "attempts", V: doc.Attempt})
			return
		}
		doc.Attempt++
		time.Sleep(retryBaseDelay << (doc.Attempt - 2))
	}
}
