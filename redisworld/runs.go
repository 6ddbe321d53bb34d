package redisworld

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/durablekit/world"
	"github.com/durablekit/world/ids"
)

// listScanBatch is the index batch size used when filtered listings must
// discard non-matching runs before filling a page.
const listScanBatch = 64

// txAttempts bounds optimistic WATCH retries on contended entity updates.
const txAttempts = 16

// runStore implements world.RunStore. Runs are JSON values under run keys;
// the run index is a lexicographic sorted set of run ids, which makes the
// newest-first listing a reverse lex range.
type runStore struct {
	rdb        *redis.Client
	keys       keyspace
	gen        *ids.Generator
	onTerminal func(ctx context.Context, runID string) error
}

func newRunStore(rdb *redis.Client, keys keyspace, gen *ids.Generator, onTerminal func(ctx context.Context, runID string) error) *runStore {
	return &runStore{rdb: rdb, keys: keys, gen: gen, onTerminal: onTerminal}
}

func (s *runStore) Create(ctx context.Context, req world.CreateRunRequest) (*world.Run, error) {
	if req.WorkflowName == "" {
		return nil, world.InvalidArgumentf("workflow name is required")
	}
	id := s.gen.RunID()
	run := world.NewRun(id, req, time.Now().UTC())
	data, err := json.Marshal(run)
	if err != nil {
		return nil, world.Internalf(err, "marshal run")
	}

	ok, err := s.rdb.SetNX(ctx, s.keys.run(id), data, 0).Result()
	if err != nil {
		return nil, world.Internalf(err, "store run")
	}
	if !ok {
		return nil, world.Conflictf("run %q already exists", id)
	}
	if err := s.rdb.ZAdd(ctx, s.keys.runIndex(), redis.Z{Member: id}).Err(); err != nil {
		return nil, world.Internalf(err, "index run")
	}
	return &run, nil
}

func (s *runStore) Get(ctx context.Context, runID string, opts world.GetRunOptions) (*world.Run, error) {
	run, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if opts.ResolveData == world.ResolveDataNone {
		elided := run.Elide()
		return &elided, nil
	}
	return run, nil
}

func (s *runStore) Update(ctx context.Context, runID string, patch world.RunPatch) (*world.Run, error) {
	return s.mutate(ctx, runID, func(cur world.Run) (world.RunPatch, error) {
		return patch, nil
	})
}

func (s *runStore) Cancel(ctx context.Context, runID string) (*world.Run, error) {
	return s.mutate(ctx, runID, func(cur world.Run) (world.RunPatch, error) {
		return world.CancelPatch(cur.Status)
	})
}

func (s *runStore) Pause(ctx context.Context, runID string) (*world.Run, error) {
	return s.mutate(ctx, runID, func(cur world.Run) (world.RunPatch, error) {
		return world.PausePatch(cur.Status)
	})
}

func (s *runStore) Resume(ctx context.Context, runID string) (*world.Run, error) {
	return s.mutate(ctx, runID, func(cur world.Run) (world.RunPatch, error) {
		return world.ResumePatch(cur.Status)
	})
}

func (s *runStore) List(ctx context.Context, params world.ListRunsParams) (*world.Page[world.Run], error) {
	p := params.Pagination.Normalize()

	// Walk the id index newest-first and drop non-matching runs until the
	// page (plus the has-more probe) is full.
	max := "+"
	if p.Cursor != "" {
		max = "(" + p.Cursor
	}
	matched := make([]world.Run, 0, p.Limit+1)
	for len(matched) < p.Limit+1 {
		batch, err := s.rdb.ZRevRangeByLex(ctx, s.keys.runIndex(), &redis.ZRangeBy{
			Min:   "-",
			Max:   max,
			Count: listScanBatch,
		}).Result()
		if err != nil {
			return nil, world.Internalf(err, "scan run index")
		}
		if len(batch) == 0 {
			break
		}
		for _, runID := range batch {
			run, err := s.load(ctx, runID)
			if world.IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if params.WorkflowName != "" && run.WorkflowName != params.WorkflowName {
				continue
			}
			if params.Status != "" && run.Status != params.Status {
				continue
			}
			matched = append(matched, *run)
			if len(matched) == p.Limit+1 {
				break
			}
		}
		max = "(" + batch[len(batch)-1]
	}
	return world.NewPage(matched, p.Limit, func(r world.Run) string { return r.ID }), nil
}

// mutate applies a guarded patch under an optimistic WATCH transaction so
// concurrent writers serialize through Redis.
func (s *runStore) mutate(ctx context.Context, runID string, guard func(world.Run) (world.RunPatch, error)) (*world.Run, error) {
	key := s.keys.run(runID)
	var next world.Run
	var becameTerminal bool

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return world.NotFoundf("run %q", runID)
		}
		if err != nil {
			return world.Internalf(err, "load run")
		}
		var cur world.Run
		if err := json.Unmarshal([]byte(raw), &cur); err != nil {
			return world.Internalf(err, "decode run")
		}
		patch, err := guard(cur)
		if err != nil {
			return err
		}
		next = world.NextRun(cur, patch, time.Now().UTC())
		becameTerminal = next.Status.Terminal() && !cur.Status.Terminal()
		data, err := json.Marshal(next)
		if err != nil {
			return world.Internalf(err, "marshal run")
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
		if becameTerminal && s.onTerminal != nil {
			if err := s.onTerminal(ctx, runID); err != nil {
				log.Error(ctx, err,
					log.KV{K: "msg", V: "hook sweep after run termination failed"},
					log.KV{K: "run_id", V: runID})
			}
		}
		return &next, nil
	}
	return nil, world.Internalf(redis.TxFailedErr, "update run %q", runID)
}

func (s *runStore) load(ctx context.Context, runID string) (*world.Run, error) {
	raw, err := s.rdb.Get(ctx, s.keys.run(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, world.NotFoundf("run %q", runID)
	}
	if err != nil {
		return nil, world.Internalf(err, "load run")
	}
	var run world.Run
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return nil, world.Internalf(err, "decode run")
	}
	return &run, nil
}
