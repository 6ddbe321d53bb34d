package redisworld

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/durablekit/world"
)

// hookStore implements world.HookStore. Hooks are JSON values under hook
// keys; the token index is one key per token mapping to the hook id, making
// GetByToken a point lookup. Hooks are disposed eagerly when their run
// terminates (wired through the run store's onTerminal callback).
type hookStore struct {
	rdb  *redis.Client
	keys keyspace
}

func newHookStore(rdb *redis.Client, keys keyspace) *hookStore {
	return &hookStore{rdb: rdb, keys: keys}
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
	data, err := json.Marshal(hook)
	if err != nil {
		return nil, world.Internalf(err, "marshal hook")
	}

	created, err := s.rdb.SetNX(ctx, s.keys.hook(req.HookID), data, 0).Result()
	if err != nil {
		return nil, world.Internalf(err, "store hook")
	}
	if !created {
		// Idempotent on hook id: the original record, including its
		// original token, wins.
		return s.Get(ctx, req.HookID)
	}
	claimed, err := s.rdb.SetNX(ctx, s.keys.hookToken(req.Token), req.HookID, 0).Result()
	if err != nil {
		return nil, world.Internalf(err, "index token")
	}
	if !claimed {
		// Another hook holds the token; undo the record.
		_ = s.rdb.Del(ctx, s.keys.hook(req.HookID)).Err()
		return nil, world.Conflictf("token %q already in use", req.Token)
	}
	if err := s.rdb.ZAdd(ctx, s.keys.hookIndex(runID), redis.Z{Member: req.HookID}).Err(); err != nil {
		return nil, world.Internalf(err, "index hook")
	}
	return &hook, nil
}

func (s *hookStore) Get(ctx context.Context, hookID string) (*world.Hook, error) {
	raw, err := s.rdb.Get(ctx, s.keys.hook(hookID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, world.NotFoundf("hook %q", hookID)
	}
	if err != nil {
		return nil, world.Internalf(err, "load hook")
	}
	var hook world.Hook
	if err := json.Unmarshal([]byte(raw), &hook); err != nil {
		return nil, world.Internalf(err, "decode hook")
	}
	return &hook, nil
}

func (s *hookStore) GetByToken(ctx context.Context, token string) (*world.Hook, error) {
	hookID, err := s.rdb.Get(ctx, s.keys.hookToken(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, world.NotFoundf("hook with token %q", token)
	}
	if err != nil {
		return nil, world.Internalf(err, "load token index")
	}
	return s.Get(ctx, hookID)
}

func (s *hookStore) List(ctx context.Context, params world.ListHooksParams) (*world.Page[world.Hook], error) {
	p := params.Pagination.Normalize()

	max := "+"
	if p.Cursor != "" {
		max = "(" + p.Cursor
	}
	hookIDs, err := s.rdb.ZRevRangeByLex(ctx, s.keys.hookIndex(params.RunID), &redis.ZRangeBy{
		Min:   "-",
		Max:   max,
		Count: int64(p.Limit + 1),
	}).Result()
	if err != nil {
		return nil, world.Internalf(err, "scan hook index")
	}

	hooks := make([]world.Hook, 0, len(hookIDs))
	for _, hookID := range hookIDs {
		hook, err := s.Get(ctx, hookID)
		if world.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, *hook)
	}
	return world.NewPage(hooks, p.Limit, func(h world.Hook) string { return h.ID }), nil
}

func (s *hookStore) Dispose(ctx context.Context, hookID string) (*world.Hook, error) {
	hook, err := s.Get(ctx, hookID)
	if err != nil {
		return nil, err
	}
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, s.keys.hook(hookID))
	pipe.Del(ctx, s.keys.hookToken(hook.Token))
	pipe.ZRem(ctx, s.keys.hookIndex(hook.RunID), hookID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, world.Internalf(err, "dispose hook")
	}
	return hook, nil
}

// disposeRun removes every hook registered against runID. Invoked after the
// run first reaches a terminal status.
func (s *hookStore) disposeRun(ctx context.Context, runID string) error {
	hookIDs, err := s.rdb.ZRange(ctx, s.keys.hookIndex(runID), 0, -1).Result()
	if err != nil {
		return world.Internalf(err, "scan hook index")
	}
	for _, hookID := range hookIDs {
		if _, err := s.Dispose(ctx, hookID); err != nil && !world.IsNotFound(err) {
			return err
		}
	}
	return nil
}
