package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/durablekit/world"
	"github.com/durablekit/world/ids"
)

// eventStore implements world.EventStore with dual indexing: per-run append
// order and per-correlation append order. Both lists are naturally ordered by
// event id because ids are minted inside the append critical section.
type eventStore struct {
	mu     sync.RWMutex
	byRun  map[string][]world.Event
	byCorr map[string][]world.Event
	gen    *ids.Generator
}

func newEventStore(gen *ids.Generator) *eventStore {
	return &eventStore{
		byRun:  make(map[string][]world.Event),
		byCorr: make(map[string][]world.Event),
		gen:    gen,
	}
}

func (s *eventStore) Create(_ context.Context, runID string, req world.CreateEventRequest) (*world.Event, error) {
	if runID == "" {
		return nil, world.InvalidArgumentf("run id is required")
	}
	if req.EventType == "" {
		return nil, world.InvalidArgumentf("event type is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	event := world.NewEvent(s.gen.EventID(), runID, req, time.Now().UTC())
	s.byRun[runID] = append(s.byRun[runID], event)
	if event.CorrelationID != "" {
		s.byCorr[event.CorrelationID] = append(s.byCorr[event.CorrelationID], event)
	}
	out := event
	return &out, nil
}

func (s *eventStore) List(_ context.Context, params world.ListEventsParams) (*world.Page[world.Event], error) {
	s.mu.RLock()
	events := append([]world.Event(nil), s.byRun[params.RunID]...)
	s.mu.RUnlock()
	return pageEvents(events, params.SortOrder, params.Pagination), nil
}

func (s *eventStore) ListByCorrelationID(_ context.Context, params world.ListByCorrelationParams) (*world.Page[world.Event], error) {
	s.mu.RLock()
	events := append([]world.Event(nil), s.byCorr[params.CorrelationID]...)
	s.mu.RUnlock()
	return pageEvents(events, params.SortOrder, params.Pagination), nil
}

// pageEvents paginates an id-ascending event list in the requested order.
func pageEvents(asc []world.Event, order world.SortOrder, pagination world.Pagination) *world.Page[world.Event] {
	p := pagination.Normalize()
	events := asc
	if order.Normalize() == world.SortDesc {
		events = make([]world.Event, len(asc))
		for i, e := range asc {
			events[len(asc)-1-i] = e
		}
	}
	matched := make([]world.Event, 0, len(events))
	for _, e := range events {
		if p.Cursor != "" {
			if order.Normalize() == world.SortDesc && e.ID >= p.Cursor {
				continue
			}
			if order.Normalize() == world.SortAsc && e.ID <= p.Cursor {
				continue
			}
		}
		matched = append(matched, e)
		if len(matched) == p.Limit+1 {
			break
		}
	}
	return world.NewPage(matched, p.Limit, func(e world.Event) string { return e.ID })
}
