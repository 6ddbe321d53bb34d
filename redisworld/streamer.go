package redisworld

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/durablekit/world"
	"github.com/durablekit/world/ids"
)

// streamer implements world.Streamer. Chunks are JSON values under chunk keys
// with a per-stream lexicographic index; live delivery rides a pub/sub channel
// per stream. Because chunk ids are monotonic, a reader can subscribe first,
// replay the index, and then drop any pub/sub chunk at or below the last id it
// already delivered. That closes the gap between history and live without
// locking writers out.
type streamer struct {
	rdb  *redis.Client
	keys keyspace
	gen  *ids.Generator

	mu    sync.Mutex
	locks map[string]*streamLock
}

// streamLock serializes appends to one stream within this process.
type streamLock struct {
	sync.Mutex
	refs int
}

func newStreamer(rdb *redis.Client, keys keyspace, gen *ids.Generator) *streamer {
	return &streamer{
		rdb:   rdb,
		keys:  keys,
		gen:   gen,
		locks: make(map[string]*streamLock),
	}
}

func (s *streamer) Write(ctx context.Context, name string, runID *world.RunIDHandle, data []byte) error {
	return s.append(ctx, name, runID, data, false)
}

func (s *streamer) Close(ctx context.Context, name string, runID *world.RunIDHandle) error {
	return s.append(ctx, name, runID, nil, true)
}

func (s *streamer) append(ctx context.Context, name string, runID *world.RunIDHandle, data []byte, eof bool) error {
	if name == "" {
		return world.InvalidArgumentf("stream name is required")
	}
	if _, err := runID.Wait(ctx); err != nil {
		return err
	}

	lock := s.acquire(name)
	defer s.release(name, lock)
	lock.Lock()
	defer lock.Unlock()

	closed, err := s.isClosed(ctx, name)
	if err != nil {
		return err
	}
	if closed {
		return world.InvalidStatef("stream %q is closed", name)
	}

	chunk := world.Chunk{
		ID:        s.gen.ChunkID(),
		StreamID:  name,
		Data:      data,
		EOF:       eof,
		CreatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(chunk)
	if err != nil {
		return world.Internalf(err, "marshal chunk")
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, s.keys.chunk(name, chunk.ID), payload, 0)
	pipe.ZAdd(ctx, s.keys.chunkIndex(name), redis.Z{Member: chunk.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return world.Internalf(err, "append chunk")
	}
	if err := s.rdb.Publish(ctx, s.keys.streamChannel(name), payload).Err(); err != nil {
		return world.Internalf(err, "publish chunk")
	}
	return nil
}

func (s *streamer) Read(ctx context.Context, name string, opts world.ReadOptions) (<-chan []byte, <-chan error, context.CancelFunc, error) {
	if name == "" {
		return nil, nil, nil, world.InvalidArgumentf("stream name is required")
	}
	rctx, cancel := context.WithCancel(ctx)

	// Subscribe before reading history so no chunk can land unseen between
	// the two phases. Receive confirms the subscription is active.
	sub := s.rdb.Subscribe(rctx, s.keys.streamChannel(name))
	if _, err := sub.Receive(rctx); err != nil {
		cancel()
		_ = sub.Close()
		return nil, nil, nil, world.Internalf(err, "subscribe to stream %q", name)
	}

	dataCh := make(chan []byte)
	errCh := make(chan error, 1)
	go s.follow(rctx, sub, name, opts, dataCh, errCh)
	return dataCh, errCh, cancel, nil
}

func (s *streamer) follow(ctx context.Context, sub *redis.PubSub, name string, opts world.ReadOptions, dataCh chan<- []byte, errCh chan<- error) {
	defer close(dataCh)
	defer close(errCh)
	defer sub.Close()

	var (
		lastDelivered string
		skipped       int
	)
	deliver := func(chunk world.Chunk) (done bool) {
		if chunk.ID <= lastDelivered {
			return false
		}
		lastDelivered = chunk.ID
		if chunk.EOF {
			return true
		}
		if skipped < opts.StartIndex {
			skipped++
			return false
		}
		select {
		case dataCh <- chunk.Data:
			return false
		case <-ctx.Done():
			errCh <- ctx.Err()
			return true
		}
	}

	// scan replays persisted chunks past the last delivered id, in id order.
	scan := func() (done bool, err error) {
		min := "-"
		if lastDelivered != "" {
			min = "(" + lastDelivered
		}
		for {
			chunkIDs, err := s.rdb.ZRangeByLex(ctx, s.keys.chunkIndex(name), &redis.ZRangeBy{
				Min:   min,
				Max:   "+",
				Count: listScanBatch,
			}).Result()
			if err != nil {
				return false, world.Internalf(err, "scan chunk index")
			}
			for _, chunkID := range chunkIDs {
				raw, err := s.rdb.Get(ctx, s.keys.chunk(name, chunkID)).Result()
				if errors.Is(err, redis.Nil) {
					continue
				}
				if err != nil {
					return false, world.Internalf(err, "load chunk")
				}
				var chunk world.Chunk
				if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
					return false, world.Internalf(err, "decode chunk")
				}
				if deliver(chunk) {
					return true, nil
				}
			}
			if len(chunkIDs) < listScanBatch {
				return false, nil
			}
			min = "(" + chunkIDs[len(chunkIDs)-1]
		}
	}

	// Phase one: replay history.
	if done, err := scan(); err != nil {
		errCh <- err
		return
	} else if done {
		return
	}

	// Phase two: follow live publishes. Chunks that raced into the index
	// during phase one arrive here too and are dropped by the id guard. The
	// ticker re-scans the index so a dropped notification only costs latency,
	// never a chunk.
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var chunk world.Chunk
			if err := json.Unmarshal([]byte(msg.Payload), &chunk); err != nil {
				errCh <- world.Internalf(err, "decode chunk")
				return
			}
			if deliver(chunk) {
				return
			}
		case <-ticker.C:
			done, err := scan()
			if err != nil {
				errCh <- err
				return
			}
			if done {
				return
			}
		}
	}
}

func (s *streamer) isClosed(ctx context.Context, name string) (bool, error) {
	chunkIDs, err := s.rdb.ZRevRangeByLex(ctx, s.keys.chunkIndex(name), &redis.ZRangeBy{
		Min:   "-",
		Max:   "+",
		Count: 1,
	}).Result()
	if err != nil {
		return false, world.Internalf(err, "scan chunk index")
	}
	if len(chunkIDs) == 0 {
		return false, nil
	}
	raw, err := s.rdb.Get(ctx, s.keys.chunk(name, chunkIDs[0])).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, world.Internalf(err, "load chunk")
	}
	var chunk world.Chunk
	if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
		return false, world.Internalf(err, "decode chunk")
	}
	return chunk.EOF, nil
}

func (s *streamer) acquire(name string) *streamLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[name]
	if !ok {
		lock = &streamLock{}
		s.locks[name] = lock
	}
	lock.refs++
	return lock
}

func (s *streamer) release(name string, lock *streamLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, name)
	}
}
