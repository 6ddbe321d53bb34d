package mongoworld

import (
	"context"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/durablekit/world"
	"github.com/durablekit/world/ids"
	mongoclient "github.com/durablekit/world/mongoworld/clients/mongo"
)

// eventDocument is the stored form of an event. Event ids are minted by the
// shared monotonic generator, so _id order is creation order and both
// listings sort on _id.
type eventDocument struct {
	ID            string    `bson:"_id"`
	RunID         string    `bson:"run_id"`
	EventType     string    `bson:"event_type"`
	CorrelationID string    `bson:"correlation_id,omitempty"`
	EventData     string    `bson:"event_data,omitempty"`
	CreatedAt     time.Time `bson:"created_at"`
}

func (doc eventDocument) toEvent() (world.Event, error) {
	event := world.Event{
		ID:            doc.ID,
		RunID:         doc.RunID,
		EventType:     doc.EventType,
		CorrelationID: doc.CorrelationID,
		CreatedAt:     doc.CreatedAt,
	}
	if doc.EventData != "" {
		if err := json.Unmarshal([]byte(doc.EventData), &event.EventData); err != nil {
			return world.Event{}, world.Internalf(err, "decode event data")
		}
	}
	return event, nil
}

// eventStore implements world.EventStore on a Mongo collection.
type eventStore struct {
	coll mongoclient.Collection
	gen  *ids.Generator
}

func newEventStore(coll mongoclient.Collection, gen *ids.Generator) *eventStore {
	return &eventStore{coll: coll, gen: gen}
}

func (s *eventStore) Create(ctx context.Context, runID string, req world.CreateEventRequest) (*world.Event, error) {
	if runID == "" {
		return nil, world.InvalidArgumentf("run id is required")
	}
	if req.EventType == "" {
		return nil, world.InvalidArgumentf("event type is required")
	}
	event := world.NewEvent(s.gen.EventID(), runID, req, time.Now().UTC())
	data, err := encodeJSON(event.EventData)
	if err != nil {
		return nil, err
	}
	doc := eventDocument{
		ID:            event.ID,
		RunID:         event.RunID,
		EventType:     event.EventType,
		CorrelationID: event.CorrelationID,
		EventData:     data,
		CreatedAt:     event.CreatedAt,
	}
	if err := s.coll.InsertOne(ctx, doc); err != nil {
		return nil, world.Internalf(err, "append event")
	}
	return &event, nil
}

func (s *eventStore) List(ctx context.Context, params world.ListEventsParams) (*world.Page[world.Event], error) {
	return s.list(ctx, bson.M{"run_id": params.RunID}, params.SortOrder, params.Pagination)
}

func (s *eventStore) ListByCorrelationID(ctx context.Context, params world.ListByCorrelationParams) (*world.Page[world.Event], error) {
	return s.list(ctx, bson.M{"correlation_id": params.CorrelationID}, params.SortOrder, params.Pagination)
}

func (s *eventStore) list(ctx context.Context, filter bson.M, order world.SortOrder, pagination world.Pagination) (*world.Page[world.Event], error) {
	p := pagination.Normalize()

	dir := 1
	if order.Normalize() == world.SortDesc {
		dir = -1
	}
	if p.Cursor != "" {
		if dir > 0 {
			filter["_id"] = bson.M{"$gt": p.Cursor}
		} else {
			filter["_id"] = bson.M{"$lt": p.Cursor}
		}
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: dir}}).
		SetLimit(int64(p.Limit+1)))
	if err != nil {
		return nil, world.Internalf(err, "list events")
	}
	defer cur.Close(ctx)

	var events []world.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, world.Internalf(err, "decode event")
		}
		event, err := doc.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := cur.Err(); err != nil {
		return nil, world.Internalf(err, "list events")
	}
	return world.NewPage(events, p.Limit, func(e world.Event) string { return e.ID }), nil
}
