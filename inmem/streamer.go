package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/durablekit/world"
	"github.com/durablekit/world/ids"
)

// streamer implements world.Streamer in memory. Each stream holds its chunks
// in append order behind a mutex and a condition variable; readers replay
// history and then wait on the condition for live appends, so every reader
// observes the exact chunk id order regardless of when it joins.
type streamer struct {
	mu      sync.Mutex
	streams map[string]*streamState
	gen     *ids.Generator
}

type streamState struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks []world.Chunk
	closed bool
}

func newStreamer(gen *ids.Generator) *streamer {
	return &streamer{streams: make(map[string]*streamState), gen: gen}
}

func (s *streamer) state(name string) *streamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[name]
	if !ok {
		st = &streamState{}
		st.cond = sync.NewCond(&st.mu)
		s.streams[name] = st
	}
	return st
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
	// Await the run id so the run's creation precedes the first chunk.
	if _, err := runID.Wait(ctx); err != nil {
		return err
	}

	st := s.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return world.InvalidStatef("stream %q is closed", name)
	}
	chunk := world.Chunk{
		ID:        s.gen.ChunkID(),
		StreamID:  name,
		Data:      append([]byte(nil), data...),
		EOF:       eof,
		CreatedAt: time.Now().UTC(),
	}
	st.chunks = append(st.chunks, chunk)
	if eof {
		st.closed = true
	}
	st.cond.Broadcast()
	return nil
}

func (s *streamer) Read(ctx context.Context, name string, opts world.ReadOptions) (<-chan []byte, <-chan error, context.CancelFunc, error) {
	if name == "" {
		return nil, nil, nil, world.InvalidArgumentf("stream name is required")
	}
	st := s.state(name)

	out := make(chan []byte)
	errs := make(chan error, 1)
	readCtx, cancel := context.WithCancel(ctx)

	// Wake the reader when the consumer cancels; cond.Wait cannot observe
	// the context on its own.
	go func() {
		<-readCtx.Done()
		st.cond.Broadcast()
	}()

	go func() {
		defer close(out)
		defer close(errs)
		next := 0
		skip := opts.StartIndex
		for {
			st.mu.Lock()
			for next >= len(st.chunks) && readCtx.Err() == nil {
				st.cond.Wait()
			}
			if readCtx.Err() != nil {
				st.mu.Unlock()
				return
			}
			chunk := st.chunks[next]
			st.mu.Unlock()
			next++

			if chunk.EOF {
				return
			}
			if skip > 0 {
				skip--
				continue
			}
			select {
			case out <- append([]byte(nil), chunk.Data...):
			case <-readCtx.Done():
				return
			}
		}
	}()

	return out, errs, cancel, nil
}
