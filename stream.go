package world

import (
	"context"
	"sync"
	"time"
)

type (
	// Chunk is a single append unit of a stream. Chunk ids within a stream
	// are strictly increasing; the last chunk of a stream carries EOF with
	// an empty payload.
	Chunk struct {
		ID        string    `json:"chunk_id"`
		StreamID  string    `json:"stream_id"`
		Data      []byte    `json:"data,omitempty"`
		EOF       bool      `json:"eof,omitempty"`
		CreatedAt time.Time `json:"created_at"`
	}

	// ReadOptions configures ReadFromStream.
	ReadOptions struct {
		// StartIndex skips the first StartIndex data chunks for offset-based
		// resume.
		StartIndex int
	}

	// Streamer delivers named ordered byte streams from writers to readers.
	// Stream names are independent of run ids. Readers joining late replay
	// history before receiving live chunks; a reader joining after EOF sees
	// the full history and then closes.
	Streamer interface {
		// WriteToStream appends a chunk. The write awaits resolution of
		// runID first, guaranteeing the run's creation precedes the
		// stream's first chunk in wall-clock time.
		WriteToStream(ctx context.Context, name string, runID *RunIDHandle, data []byte) error
		// CloseStream appends the terminal EOF chunk with an empty payload.
		CloseStream(ctx context.Context, name string, runID *RunIDHandle) error
		// ReadFromStream returns channels carrying the stream's chunks in
		// chunk id order: first all persisted chunks, then live chunks as
		// they arrive, until the EOF chunk closes both channels. The cancel
		// function releases all reader-side resources; callers must invoke
		// it when done.
		ReadFromStream(ctx context.Context, name string, opts ReadOptions) (<-chan []byte, <-chan error, context.CancelFunc, error)
	}

	// RunIDHandle is a possibly-deferred run id passed to stream writes. A
	// resolved handle wraps a plain value; a deferred handle blocks writers
	// until Set is called. This expresses the ordering constraint between a
	// run's creation and its stream's first chunk.
	RunIDHandle struct {
		once sync.Once
		done chan struct{}
		id   string
	}
)

// RunID returns an already-resolved handle.
func RunID(id string) *RunIDHandle {
	h := DeferredRunID()
	h.Set(id)
	return h
}

// DeferredRunID returns a handle that blocks writers until Set is called.
func DeferredRunID() *RunIDHandle {
	return &RunIDHandle{done: make(chan struct{})}
}

// Set resolves the handle. Only the first call takes effect.
func (h *RunIDHandle) Set(id string) {
	h.once.Do(func() {
		h.id = id
		close(h.done)
	})
}

// Wait blocks until the handle resolves or ctx is done.
func (h *RunIDHandle) Wait(ctx context.Context) (string, error) {
	if h == nil {
		return "", InvalidArgumentf("run id handle is required")
	}
	select {
	case <-h.done:
		return h.id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
