package redisworld

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/durablekit/world"
)

// stepStore implements world.StepStore. Steps are JSON values keyed by
// (runID, stepID) with a per-run lexicographic index of step ids.
type stepStore struct {
	rdb  *redis.Client
	keys keyspace
}

func newStepStore(rdb *redis.Client, keys keyspace) *stepStore {
	return &stepStore{rdb: rdb, keys: keys}
}

func (s *stepStore) Create(ctx context.Context, runID string, req world.CreateStepRequest) (*world.Step, error) {
	if runID == "" {
		return nil, world.InvalidArgumentf("run id is required")
	}
	if req.StepID == "" {
		return nil, world.InvalidArgumentf("step id is required")
	}
	step := world.NewStep(runID, req, time.Now().UTC())
	data, err := json.Marshal(step)
	if err != nil {
		return nil, world.Internalf(err, "marshal step")
	}

	key := s.keys.step(runID, req.StepID)
	created, err := s.rdb.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return nil, world.Internalf(err, "store step")
	}
	if !created {
		// Re-creation during replay returns the existing record unchanged.
		return s.load(ctx, runID, req.StepID)
	}
	if err := s.rdb.ZAdd(ctx, s.keys.stepIndex(runID), redis.Z{Member: req.StepID}).Err(); err != nil {
		return nil, world.Internalf(err, "index step")
	}
	return &step, nil
}

func (s *stepStore) Get(ctx context.Context, runID, stepID string) (*world.Step, error) {
	if runID != "" {
		return s.load(ctx, runID, stepID)
	}
	// Slow path: scan for the step across runs.
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.keys.stepPattern(stepID), listScanBatch).Result()
		if err != nil {
			return nil, world.Internalf(err, "scan steps")
		}
		if len(keys) > 0 {
			raw, err := s.rdb.Get(ctx, keys[0]).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return nil, world.Internalf(err, "load step")
			}
			if err == nil {
				var step world.Step
				if err := json.Unmarshal([]byte(raw), &step); err != nil {
					return nil, world.Internalf(err, "decode step")
				}
				return &step, nil
			}
		}
		if next == 0 {
			return nil, world.NotFoundf("step %q", stepID)
		}
		cursor = next
	}
}

func (s *stepStore) Update(ctx context.Context, runID, stepID string, patch world.StepPatch) (*world.Step, error) {
	key := s.keys.step(runID, stepID)
	var next world.Step

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return world.NotFoundf("step %q in run %q", stepID, runID)
		}
		if err != nil {
			return world.Internalf(err, "load step")
		}
		var cur world.Step
		if err := json.Unmarshal([]byte(raw), &cur); err != nil {
			return world.Internalf(err, "decode step")
		}
		next = world.NextStep(cur, patch, time.Now().UTC())
		data, err := json.Marshal(next)
		if err != nil {
			return world.Internalf(err, "marshal step")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for range txAttempts {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &next, nil
	}
	return nil, world.Internalf(redis.TxFailedErr, "update step %q", stepID)
}

func (s *stepStore) List(ctx context.Context, params world.ListStepsParams) (*world.Page[world.Step], error) {
	p := params.Pagination.Normalize()

	max := "+"
	if p.Cursor != "" {
		max = "(" + p.Cursor
	}
	stepIDs, err := s.rdb.ZRevRangeByLex(ctx, s.keys.stepIndex(params.RunID), &redis.ZRangeBy{
		Min:   "-",
		Max:   max,
		Count: int64(p.Limit + 1),
	}).Result()
	if err != nil {
		return nil, world.Internalf(err, "scan step index")
	}

	steps := make([]world.Step, 0, len(stepIDs))
	for _, stepID := range stepIDs {
		step, err := s.load(ctx, params.RunID, stepID)
		if world.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return world.NewPage(steps, p.Limit, func(st world.Step) string { return st.ID }), nil
}

func (s *stepStore) load(ctx context.Context, runID, stepID string) (*world.Step, error) {
	raw, err := s.rdb.Get(ctx, s.keys.step(runID, stepID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, world.NotFoundf("step %q in run %q", stepID, runID)
	}
	if err != nil {
		return nil, world.Internalf(err, "load step")
	}
	var step world.Step
	if err := json.Unmarshal([]byte(raw), &step); err != nil {
		return nil, world.Internalf(err, "decode step")
	}
	return &step, nil
}
