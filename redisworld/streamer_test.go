package redisworld

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durablekit/world"
)

func collect(t *testing.T, out <-chan []byte, errs <-chan error) [][]byte {
	t.Helper()
	var chunks [][]byte
	for {
		select {
		case b, ok := <-out:
			if !ok {
				return chunks
			}
			chunks = append(chunks, b)
		case err, ok := <-errs:
			if ok {
				require.NoError(t, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for stream")
		}
	}
}

func TestStreamEndToEnd(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(t, Options{})
	runID := world.RunID("wrun_s")

	for _, chunk := range []string{"Chunk 1\n", "Chunk 2\n", "Chunk 3\n"} {
		require.NoError(t, w.WriteToStream(ctx, "s", runID, []byte(chunk)))
	}
	require.NoError(t, w.CloseStream(ctx, "s", runID))

	out, errs, cancel, err := w.ReadFromStream(ctx, "s", world.ReadOptions{})
	require.NoError(t, err)
	defer cancel()
	chunks := collect(t, out, errs)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Chunk 1\nChunk 2\nChunk 3\n", string(bytes.Join(chunks, nil)))

	// A second reader after close replays the same sequence.
	out2, errs2, cancel2, err := w.ReadFromStream(ctx, "s", world.ReadOptions{})
	require.NoError(t, err)
	defer cancel2()
	chunks2 := collect(t, out2, errs2)
	assert.Equal(t, chunks, chunks2)
}

func TestStreamLiveDelivery(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(t, Options{})
	runID := world.RunID("wrun_s")

	require.NoError(t, w.WriteToStream(ctx, "live", runID, []byte("a")))

	out, errs, cancel, err := w.ReadFromStream(ctx, "live", world.ReadOptions{})
	require.NoError(t, err)
	defer cancel()

	done := make(chan [][]byte)
	go func() { done <- collect(t, out, errs) }()

	// Interleave appends with an active reader.
	require.NoError(t, w.WriteToStream(ctx, "live", runID, []byte("b")))
	require.NoError(t, w.WriteToStream(ctx, "live", runID, []byte("c")))
	require.NoError(t, w.CloseStream(ctx, "live", runID))

	chunks := <-done
	require.Len(t, chunks, 3)
	assert.Equal(t, "abc", string(bytes.Join(chunks, nil)))

	// Writes after EOF are rejected.
	err = w.WriteToStream(ctx, "live", runID, []byte("d"))
	assert.True(t, world.IsInvalidState(err))
	err = w.CloseStream(ctx, "live", runID)
	assert.True(t, world.IsInvalidState(err))
}

func TestStreamStartIndex(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(t, Options{})
	runID := world.RunID("wrun_s")

	for _, chunk := range []string{"a", "b", "c"} {
		require.NoError(t, w.WriteToStream(ctx, "skip", runID, []byte(chunk)))
	}
	require.NoError(t, w.CloseStream(ctx, "skip", runID))

	out, errs, cancel, err := w.ReadFromStream(ctx, "skip", world.ReadOptions{StartIndex: 2})
	require.NoError(t, err)
	defer cancel()
	chunks := collect(t, out, errs)
	require.Len(t, chunks, 1)
	assert.Equal(t, "c", string(chunks[0]))
}

func TestStreamReaderCancellation(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(t, Options{})
	runID := world.RunID("wrun_s")

	require.NoError(t, w.WriteToStream(ctx, "open", runID, []byte("a")))

	out, _, cancel, err := w.ReadFromStream(ctx, "open", world.ReadOptions{})
	require.NoError(t, err)

	select {
	case b := <-out:
		assert.Equal(t, "a", string(b))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first chunk")
	}

	cancel()
	select {
	case _, ok := <-out:
		assert.False(t, ok, "channel closes after cancel")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

// appendUnannounced persists a chunk without publishing a notification, as
// when the pub/sub message is lost across a reconnect.
func appendUnannounced(t *testing.T, w *World, name string, data []byte, eof bool) {
	t.Helper()
	ctx := context.Background()
	chunk := world.Chunk{
		ID:        w.streamer.gen.ChunkID(),
		StreamID:  name,
		Data:      data,
		EOF:       eof,
		CreatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(chunk)
	require.NoError(t, err)
	pipe := w.rdb.Pipeline()
	pipe.Set(ctx, w.keys.chunk(name, chunk.ID), payload, 0)
	pipe.ZAdd(ctx, w.keys.chunkIndex(name), redis.Z{Member: chunk.ID})
	_, err = pipe.Exec(ctx)
	require.NoError(t, err)
}

func TestStreamReaderRecoversUnannouncedChunks(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(t, Options{})
	runID := world.RunID("wrun_s")

	require.NoError(t, w.WriteToStream(ctx, "gap", runID, []byte("a")))

	out, errs, cancel, err := w.ReadFromStream(ctx, "gap", world.ReadOptions{})
	require.NoError(t, err)
	defer cancel()

	done := make(chan [][]byte)
	go func() { done <- collect(t, out, errs) }()

	// Chunks whose notifications never arrive are picked up from the index
	// scan, including the EOF that unblocks the reader.
	appendUnannounced(t, w, "gap", []byte("b"), false)
	appendUnannounced(t, w, "gap", nil, true)

	chunks := <-done
	require.Len(t, chunks, 2)
	assert.Equal(t, "ab", string(bytes.Join(chunks, nil)))
}

func TestStreamWriteAwaitsDeferredRunID(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(t, Options{})

	handle := world.DeferredRunID()
	written := make(chan error, 1)
	go func() {
		written <- w.WriteToStream(ctx, "deferred", handle, []byte("x"))
	}()

	select {
	case err := <-written:
		t.Fatalf("write completed before run id resolved: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	handle.Set("wrun_late")
	require.NoError(t, <-written)

	require.NoError(t, w.CloseStream(ctx, "deferred", handle))
	out, errs, cancel, err := w.ReadFromStream(ctx, "deferred", world.ReadOptions{})
	require.NoError(t, err)
	defer cancel()
	chunks := collect(t, out, errs)
	require.Len(t, chunks, 1)
	assert.Equal(t, "x", string(chunks[0]))
}
