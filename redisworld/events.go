package redisworld

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/durablekit/world"
	"github.com/durablekit/world/ids"
)

// eventStore implements world.EventStore. Events are JSON values under event
// keys with two lexicographic sorted-set indexes: by run and by correlation
// id. Event ids are minted by the shared monotonic generator, so lex order on
// either index is creation order.
type eventStore struct {
	rdb  *redis.Client
	keys keyspace
	gen  *ids.Generator
}

func newEventStore(rdb *redis.Client, keys keyspace, gen *ids.Generator) *eventStore {
	return &eventStore{rdb: rdb, keys: keys, gen: gen}
}

func (s *eventStore) Create(ctx context.Context, runID string, req world.CreateEventRequest) (*world.Event, error) {
	if runID == "" {
		return nil, world.InvalidArgumentf("run id is required")
	}
	if req.EventType == "" {
		return nil, world.InvalidArgumentf("event type is required")
	}
	event := world.NewEvent(s.gen.EventID(), runID, req, time.Now().UTC())
	data, err := json.Marshal(event)
	if err != nil {
		return nil, world.Internalf(err, "marshal event")
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, s.keys.event(event.ID), data, 0)
	pipe.ZAdd(ctx, s.keys.eventsByRun(runID), redis.Z{Member: event.ID})
	if event.CorrelationID != "" {
		pipe.ZAdd(ctx, s.keys.eventsByCorrelation(event.CorrelationID), redis.Z{Member: event.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, world.Internalf(err, "append event")
	}
	return &event, nil
}

func (s *eventStore) List(ctx context.Context, params world.ListEventsParams) (*world.Page[world.Event], error) {
	return s.listIndex(ctx, s.keys.eventsByRun(params.RunID), params.SortOrder, params.Pagination)
}

func (s *eventStore) ListByCorrelationID(ctx context.Context, params world.ListByCorrelationParams) (*world.Page[world.Event], error) {
	return s.listIndex(ctx, s.keys.eventsByCorrelation(params.CorrelationID), params.SortOrder, params.Pagination)
}

func (s *eventStore) listIndex(ctx context.Context, indexKey string, order world.SortOrder, pagination world.Pagination) (*world.Page[world.Event], error) {
	p := pagination.Normalize()

	var eventIDs []string
	var err error
	if order.Normalize() == world.SortDesc {
		max := "+"
		if p.Cursor != "" {
			max = "(" + p.Cursor
		}
		eventIDs, err = s.rdb.ZRevRangeByLex(ctx, indexKey, &redis.ZRangeBy{
			Min:   "-",
			Max:   max,
			Count: int64(p.Limit + 1),
		}).Result()
	} else {
		min := "-"
		if p.Cursor != "" {
			min = "(" + p.Cursor
		}
		eventIDs, err = s.rdb.ZRangeByLex(ctx, indexKey, &redis.ZRangeBy{
			Min:   min,
			Max:   "+",
			Count: int64(p.Limit + 1),
		}).Result()
	}
	if err != nil {
		return nil, world.Internalf(err, "scan event index")
	}

	events := make([]world.Event, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		raw, err := s.rdb.Get(ctx, s.keys.event(eventID)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, world.Internalf(err, "load event")
		}
		var event world.Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, world.Internalf(err, "decode event")
		}
		events = append(events, event)
	}
	return world.NewPage(events, p.Limit, func(e world.Event) string { return e.ID }), nil
}
