package mongoworld

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/durablekit/world"
	mongoclient "github.com/durablekit/world/mongoworld/clients/mongo"
)

// hookDocument is the stored form of a hook. The token carries a unique
// index, making GetByToken a point lookup.
type hookDocument struct {
	ID          string    `bson:"_id"`
	RunID       string    `bson:"run_id"`
	Token       string    `bson:"token"`
	OwnerID     string    `bson:"owner_id,omitempty"`
	ProjectID   string    `bson:"project_id,omitempty"`
	Environment string    `bson:"environment,omitempty"`
	Metadata    string    `bson:"metadata,omitempty"`
	CreatedAt   time.Time `bson:"created_at"`
}

func (doc hookDocument) toHook() (world.Hook, error) {
	hook := world.Hook{
		ID:          doc.ID,
		RunID:       doc.RunID,
		Token:       doc.Token,
		OwnerID:     doc.OwnerID,
		ProjectID:   doc.ProjectID,
		Environment: doc.Environment,
		CreatedAt:   doc.CreatedAt,
	}
	if doc.Metadata != "" {
		if err := json.Unmarshal([]byte(doc.Metadata), &hook.Metadata); err != nil {
			return world.Hook{}, world.Internalf(err, "decode hook metadata")
		}
	}
	return hook, nil
}

// hookStore implements world.HookStore on a Mongo collection.
type hookStore struct {
	coll mongoclient.Collection
}

func newHookStore(coll mongoclient.Collection) *hookStore {
	return &hookStore{coll: coll}
}

func (s *hookStore) Create(ctx context.Context, runID string, req world.CreateHookRequest) (*world.Hook, error) {
	if runID == "" {
		return nil, world.InvalidArgumentf("run id is required")
	}
	if req.HookID == "" {
		return nil, world.InvalidArgumentf("hook id is required")
	}
	if req.Token == "" {
		return nil, world.InvalidArgumentf("token is required")
	}
	hook := world.NewHook(runID, req, time.Now().UTC())
	metadata, err := encodeJSON(hook.Metadata)
	if err != nil {
		return nil, err
	}
	doc := hookDocument{
		ID:          hook.ID,
		RunID:       hook.RunID,
		Token:       hook.Token,
		OwnerID:     hook.OwnerID,
		ProjectID:   hook.ProjectID,
		Environment: hook.Environment,
		Metadata:    metadata,
		CreatedAt:   hook.CreatedAt,
	}
	if err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongoclient.IsDuplicate(err) {
			// Idempotent on hook id: the original record, including its
			// original token, wins. A duplicate token under a different
			// hook id is a genuine conflict.
			existing, err := s.Get(ctx, req.HookID)
			if world.IsNotFound(err) {
				return nil, world.Conflictf("token %q already in use", req.Token)
			}
			return existing, err
		}
		return nil, world.Internalf(err, "store hook")
	}
	return &hook, nil
}

func (s *hookStore) Get(ctx context.Context, hookID string) (*world.Hook, error) {
	return s.load(ctx, bson.M{"_id": hookID})
}

func (s *hookStore) GetByToken(ctx context.Context, token string) (*world.Hook, error) {
	return s.load(ctx, bson.M{"token": token})
}

func (s *hookStore) List(ctx context.Context, params world.ListHooksParams) (*world.Page[world.Hook], error) {
	p := params.Pagination.Normalize()

	filter := bson.M{"run_id": params.RunID}
	if p.Cursor != "" {
		filter["_id"] = bson.M{"$lt": p.Cursor}
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetLimit(int64(p.Limit+1)))
	if err != nil {
		return nil, world.Internalf(err, "list hooks")
	}
	defer cur.Close(ctx)

	var hooks []world.Hook
	for cur.Next(ctx) {
		var doc hookDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, world.Internalf(err, "decode hook")
		}
		hook, err := doc.toHook()
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, hook)
	}
	if err := cur.Err(); err != nil {
		return nil, world.Internalf(err, "list hooks")
	}
	return world.NewPage(hooks, p.Limit, func(h world.Hook) string { return h.ID }), nil
}

func (s *hookStore) Dispose(ctx context.Context, hookID string) (*world.Hook, error) {
	hook, err := s.Get(ctx, hookID)
	if err != nil {
		return nil, err
	}
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": hookID}); err != nil {
		return nil, world.Internalf(err, "dispose hook")
	}
	return hook, nil
}

// disposeRun removes every hook registered against runID. Invoked after the
// run first reaches a terminal status.
func (s *hookStore) disposeRun(ctx context.Context, runID string) error {
	if _, err := s.coll.DeleteMany(ctx, bson.M{"run_id": runID}); err != nil {
		return world.Internalf(err, "dispose run hooks")
	}
	return nil
}

func (s *hookStore) load(ctx context.Context, filter bson.M) (*world.Hook, error) {
	var doc hookDocument
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongoclient.ErrNoDocuments) {
			return nil, world.NotFoundf("hook not found")
		}
		return nil, world.Internalf(err, "load hook")
	}
	hook, err := doc.toHook()
	if err != nil {
		return nil, err
	}
	return &hook, nil
}
