package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/durablekit/world"
	"github.com/durablekit/world/ids"
)

const (
	defaultMaxAttempts = 3
	dedupWindow        = time.Minute
	retryBaseDelay     = 25 * time.Millisecond
)

type (
	// queue implements world.Queue with one in-process delivery loop per
	// recognized prefix. Messages wait in per-prefix slices; a buffered
	// signal channel wakes the loop on enqueue.
	queue struct {
		mu       sync.Mutex
		pending  map[string][]envelope
		signals  map[string]chan struct{}
		handlers map[string]world.Handler
		dedup    map[string]dedupEntry

		gen          *ids.Generator
		deploymentID string
		maxAttempts  int
		started      bool
		stop         chan struct{}
		wg           sync.WaitGroup
	}

	envelope struct {
		ID        string
		QueueName string
		Payload   []byte
		Attempt   int
	}

	dedupEntry struct {
		MessageID string
		ExpiresAt time.Time
	}
)

func newQueue(gen *ids.Generator, deploymentID string, maxAttempts int) *queue {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	q := &queue{
		pending:      make(map[string][]envelope),
		signals:      make(map[string]chan struct{}),
		handlers:     make(map[string]world.Handler),
		dedup:        make(map[string]dedupEntry),
		gen:          gen,
		deploymentID: deploymentID,
		maxAttempts:  maxAttempts,
		stop:         make(chan struct{}),
	}
	for _, prefix := range []string{world.WorkflowQueuePrefix, world.StepQueuePrefix} {
		q.signals[prefix] = make(chan struct{}, 1)
	}
	return q
}

func (q *queue) Enqueue(_ context.Context, queueName string, payload []byte, opts world.EnqueueOptions) (string, error) {
	prefix, err := world.QueuePrefix(queueName)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	// Sweep keys past their window so distinct keys don't pile up.
	for key, entry := range q.dedup {
		if !now.Before(entry.ExpiresAt) {
			delete(q.dedup, key)
		}
	}
	if opts.IdempotencyKey != "" {
		if entry, ok := q.dedup[opts.IdempotencyKey]; ok {
			return entry.MessageID, nil
		}
	}
	env := envelope{
		ID:        q.gen.MessageID(),
		QueueName: queueName,
		Payload:   append([]byte(nil), payload...),
		Attempt:   1,
	}
	if opts.IdempotencyKey != "" {
		q.dedup[opts.IdempotencyKey] = dedupEntry{MessageID: env.ID, ExpiresAt: now.Add(dedupWindow)}
	}
	q.push(prefix, env)
	return env.ID, nil
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

func (q *queue) Start(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}
	q.started = true
	for prefix := range q.signals {
		q.wg.Add(1)
		go q.deliver(prefix)
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

// push appends the envelope and wakes the prefix's delivery loop. Callers
// hold the lock.
func (q *queue) push(prefix string, env envelope) {
	q.pending[prefix] = append(q.pending[prefix], env)
	select {
	case q.signals[prefix] <- struct{}{}:
	default:
	}
}

// deliver is the per-prefix delivery loop: at-least-once, redelivering failed
// messages with an incremented attempt until maxAttempts.
func (q *queue) deliver(prefix string) {
	defer q.wg.Done()
	ctx := context.Background()
	for {
		env, ok := q.pop(prefix)
		if !ok {
			select {
			case <-q.stop:
				return
			case <-q.signals[prefix]:
				continue
			}
		}

		q.mu.Lock()
		handler := q.handlers[prefix]
		q.mu.Unlock()
		if handler == nil {
			log.Error(ctx, world.InvalidStatef("no handler for prefix %q", prefix),
				log.KV{K: "msg", V: "dropping message"},
				log.KV{K: "message_id", V: env.ID})
			continue
		}

		err := handler(ctx, env.Payload, world.Delivery{
			MessageID: env.ID,
			QueueName: env.QueueName,
			Attempt:   env.Attempt,
		})
		if err == nil {
			continue
		}
		if env.Attempt >= q.maxAttempts {
			log.Error(ctx, err,
				log.KV{K: "msg", V: "message failed permanently"},
				log.KV{K: "message_id", V: env.ID},
				log.KV{K: "queue", V: env.QueueName},
				log.KV{K: "attempts", V: env.Attempt})
			continue
		}
		log.Warn(ctx, log.KV{K: "msg", V: "message delivery failed, retrying"},
			log.KV{K: "message_id", V: env.ID},
			log.KV{K: "queue", V: env.QueueName},
			log.KV{K: "attempt", V: env.Attempt})
		env.Attempt++
		retry := env
		delay := retryBaseDelay << (retry.Attempt - 2)
		time.AfterFunc(delay, func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			if !q.started {
				return
			}
			q.push(prefix, retry)
		})
	}
}

func (q *queue) pop(prefix string) (envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.pending[prefix]
	if len(list) == 0 {
		return envelope{}, false
	}
	env := list[0]
	q.pending[prefix] = list[1:]
	return env, true
}
