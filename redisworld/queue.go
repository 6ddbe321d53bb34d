package redisworld

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/durablekit/world"
	"github.com/durablekit/world/ids"
)

const (
	defaultMaxAttempts = 3
	dedupWindow        = time.Minute
	retryBaseDelay     = 25 * time.Millisecond
	pollInterval       = 50 * time.Millisecond
)

type (
	// queue implements world.Queue on Redis: one list per recognized prefix
	// holds ready messages, a pub/sub channel wakes delivery loops on
	// enqueue, and a sorted set scored by due time parks failed messages
	// awaiting redelivery. Idempotency keys are SETNX values with the dedup
	// window as TTL. A poll ticker backstops the pub/sub wakeup so retries
	// and publishes missed while busy still drain.
	queue struct {
		rdb  *redis.Client
		keys keyspace
		gen  *ids.Generator

		mu       sync.Mutex
		handlers map[string]world.Handler
		started  bool

		deploymentID string
		maxAttempts  int
		sync         bool
		stop         chan struct{}
		wg           sync.WaitGroup
	}

	envelope struct {
		ID        string `json:"id"`
		QueueName string `json:"queue_name"`
		Payload   []byte `json:"payload"`
		Attempt   int    `json:"attempt"`
	}
)

func newQueue(rdb *redis.Client, keys keyspace, gen *ids.Generator, deploymentID string, maxAttempts int, syncDelivery bool) *queue {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &queue{
		rdb:          rdb,
		keys:         keys,
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
		created, err := q.rdb.SetNX(ctx, q.keys.dedup(opts.IdempotencyKey), msgID, dedupWindow).Result()
		if err != nil {
			return "", world.Internalf(err, "store idempotency key")
		}
		if !created {
			original, err := q.rdb.Get(ctx, q.keys.dedup(opts.IdempotencyKey)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return "", world.Internalf(err, "load idempotency key")
			}
			if original != "" {
				return original, nil
			}
			// The key expired between SETNX and GET; treat as fresh.
		}
	}

	env := envelope{
		ID:        msgID,
		QueueName: queueName,
		Payload:   payload,
		Attempt:   1,
	}
	if q.sync {
		if handler := q.handler(prefix); handler != nil {
			q.dispatchSync(ctx, handler, env)
			return msgID, nil
		}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", world.Internalf(err, "marshal message")
	}
	if err := q.rdb.RPush(ctx, q.keys.queueList(prefix), data).Err(); err != nil {
		return "", world.Internalf(err, "enqueue message")
	}
	if err := q.rdb.Publish(ctx, q.keys.queueChannel(prefix), env.ID).Err(); err != nil {
		return "", world.Internalf(err, "signal queue")
	}
	return msgID, nil
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

// deliver is the per-prefix delivery loop. It drains the ready list and the
// due slice of the retry set, then parks on the pub/sub wakeup or the poll
// ticker.
func (q *queue) deliver(ctx context.Context, prefix string) {
	defer q.wg.Done()

	sub := q.rdb.Subscribe(ctx, q.keys.queueChannel(prefix))
	defer sub.Close()
	wakeups := sub.Channel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		q.drain(ctx, prefix)
		select {
		case <-q.stop:
			return
		case <-wakeups:
		case <-ticker.C:
		}
	}
}

func (q *queue) drain(ctx context.Context, prefix string) {
	q.promoteRetries(ctx, prefix)
	for {
		select {
		case <-q.stop:
			return
		default:
		}
		raw, err := q.rdb.LPop(ctx, q.keys.queueList(prefix)).Result()
		if errors.Is(err, redis.Nil) {
			return
		}
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "queue pop failed"}, log.KV{K: "prefix", V: prefix})
			return
		}
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "dropping undecodable message"}, log.KV{K: "prefix", V: prefix})
			continue
		}
		q.dispatch(ctx, prefix, env)
	}
}

// promoteRetries hands due members of the retry set back to dispatch. ZRem
// arbitrates between concurrent consumers: only the remover delivers.
func (q *queue) promoteRetries(ctx context.Context, prefix string) {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	due, err := q.rdb.ZRangeByScore(ctx, q.keys.queueRetry(prefix), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "retry scan failed"}, log.KV{K: "prefix", V: prefix})
		return
	}
	for _, raw := range due {
		removed, err := q.rdb.ZRem(ctx, q.keys.queueRetry(prefix), raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "dropping undecodable retry"}, log.KV{K: "prefix", V: prefix})
			continue
		}
		q.dispatch(ctx, prefix, env)
	}
}

func (q *queue) dispatch(ctx context.Context, prefix string, env envelope) {
	handler := q.handler(prefix)
	if handler == nil {
		log.Error(ctx, world.InvalidStatef("no handler for prefix %q", prefix),
			log.KV{K: "msg", V: "dropping message"},
			log.KV{K: "message_id", V: env.ID})
		return
	}
	err := handler(ctx, env.Payload, world.Delivery{
		MessageID: env.ID,
		QueueName: env.QueueName,
		Attempt:   env.Attempt,
	})
	if err == nil {
		return
	}
	if env.Attempt >= q.maxAttempts {
		log.Error(ctx, err,
			log.KV{K: "msg", V: "message failed permanently"},
			log.KV{K: "message_id", V: env.ID},
			log.KV{K: "queue", V: env.QueueName},
			log.KV{K: "attempts", V: env.Attempt})
		return
	}
	log.Warn(ctx, log.KV{K: "msg", V: "message delivery failed, retrying"},
		log.KV{K: "message_id", V: env.ID},
		log.KV{K: "queue", V: env.QueueName},
		log.KV{K: "attempt", V: env.Attempt})
	env.Attempt++
	q.park(ctx, prefix, env)
}

// park schedules env for redelivery after an exponential backoff.
func (q *queue) park(ctx context.Context, prefix string, env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "marshal retry"}, log.KV{K: "message_id", V: env.ID})
		return
	}
	delay := retryBaseDelay << (env.Attempt - 2)
	due := time.Now().Add(delay).UnixNano()
	if err := q.rdb.ZAdd(ctx, q.keys.queueRetry(prefix), redis.Z{Score: float64(due), Member: string(data)}).Err(); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "park retry failed"}, log.KV{K: "message_id", V: env.ID})
	}
}

// dispatchSync delivers env inline, sleeping through the backoff schedule
// instead of parking in Redis. Used when SyncDelivery is set.
func (q *queue) dispatchSync(ctx context.Context, handler world.Handler, env envelope) {
	for {
		err := handler(ctx, env.Payload, world.Delivery{
			MessageID: env.ID,
			QueueName: env.QueueName,
			Attempt:   env.Attempt,
		})
		if err == nil {
			return
		}
		if env.Attempt >= q.maxAttempts {
			log.Error(ctx, err,
				log.KV{K: "msg", V: "message failed permanently"},
				log.KV{K: "message_id", V: env.ID},
				log.KV{K: "queue", V: env.QueueName},
				log.KV{K: "attempts", V: env.Attempt})
			return
		}
		env.Attempt++
		time.Sleep(retryBaseDelay << (env.Attempt - 2))
	}
}
