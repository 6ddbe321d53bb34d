package mongoworld

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/durablekit/world"
	"github.com/durablekit/world/ids"
	mongoclient "github.com/durablekit/world/mongoworld/clients/mongo"
)

// chunkDocument is the stored form of a stream chunk. Chunk ids are monotonic
// so readers page forward on chunk_id.
type chunkDocument struct {
	ID        string    `bson:"_id"`
	Stream    string    `bson:"stream"`
	ChunkID   string    `bson:"chunk_id"`
	Data      []byte    `bson:"data,omitempty"`
	EOF       bool      `bson:"eof,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

// streamer implements world.Streamer on a Mongo collection. Mongo offers no
// push channel without change streams, which need a replica set, so readers
// poll for chunks past the last id they delivered.
type streamer struct {
	coll mongoclient.Collection
	gen  *ids.Generator

	mu    sync.Mutex
	locks map[string]*streamLock
}

type streamLock struct {
	sync.Mutex
	refs int
}

func newStreamer(coll mongoclient.Collection, gen *ids.Generator) *streamer {
	return &streamer{coll: coll, gen: gen, locks: make(map[string]*streamLock)}
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

	chunkID := s.gen.ChunkID()
	doc := chunkDocument{
		ID:        name + "/" + chunkID,
		Stream:    name,
		ChunkID:   chunkID,
		Data:      data,
		EOF:       eof,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.coll.InsertOne(ctx, doc); err != nil {
		return world.Internalf(err, "append chunk")
	}
	return nil
}

func (s *streamer) Read(ctx context.Context, name string, opts world.ReadOptions) (<-chan []byte, <-chan error, context.CancelFunc, error) {
	if name == "" {
		return nil, nil, nil, world.InvalidArgumentf("stream name is required")
	}
	rctx, cancel := context.WithCancel(ctx)
	dataCh := make(chan []byte)
	errCh := make(chan error, 1)
	go s.follow(rctx, name, opts, dataCh, errCh)
	return dataCh, errCh, cancel, nil
}

func (s *streamer) follow(ctx context.Context, name string, opts world.ReadOptions, dataCh chan<- []byte, errCh chan<- error) {
	defer close(dataCh)
	defer close(errCh)

	var (
		lastDelivered string
		skipped       int
	)
	for {
		chunks, err := s.after(ctx, name, lastDelivered)
		if err != nil {
			errCh <- err
			return
		}
		for _, chunk := range chunks {
			lastDelivered = chunk.ChunkID
			if chunk.EOF {
				return
			}
			if skipped < opts.StartIndex {
				skipped++
				continue
			}
			select {
			case dataCh <- chunk.Data:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
			return
		case <-time.After(pollInterval):
		}
	}
}

func (s *streamer) after(ctx context.Context, name, lastDelivered string) ([]chunkDocument, error) {
	filter := bson.M{"stream": name}
	if lastDelivered != "" {
		filter["chunk_id"] = bson.M{"$gt": lastDelivered}
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "chunk_id", Value: 1}}))
	if err != nil {
		return nil, world.Internalf(err, "scan chunks")
	}
	defer cur.Close(ctx)

	var chunks []chunkDocument
	for cur.Next(ctx) {
		var doc chunkDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, world.Internalf(err, "decode chunk")
		}
		chunks = append(chunks, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, world.Internalf(err, "scan chunks")
	}
	return chunks, nil
}

func (s *streamer) isClosed(ctx context.Context, name string) (bool, error) {
	var doc chunkDocument
	err := s.coll.FindOne(ctx, bson.M{"stream": name}, options.FindOne().
		SetSort(bson.D{{Key: "chunk_id", Value: -1}})).Decode(&doc)
	if errors.Is(err, mongoclient.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, world.Internalf(err, "load last chunk")
	}
	return doc.EOF, nil
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
