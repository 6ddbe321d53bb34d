package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/durablekit/world"
	"github.com/durablekit/world/ids"
)

// runStore implements world.RunStore over a mutex-guarded map. onTerminal is
// invoked (outside the lock) after a run first reaches a terminal status; the
// backend wires it to the hook registry's eager disposal sweep.
type runStore struct {
	mu         sync.RWMutex
	runs       map[string]world.Run
	gen        *ids.Generator
	onTerminal func(runID string)
}

func newRunStore(gen *ids.Generator, onTerminal func(runID string)) *runStore {
	return &runStore{
		runs:       make(map[string]world.Run),
		gen:        gen,
		onTerminal: onTerminal,
	}
}

func (s *runStore) Create(_ context.Context, req world.CreateRunRequest) (*world.Run, error) {
	if req.WorkflowName == "" {
		return nil, world.InvalidArgumentf("workflow name is required")
	}
	id := s.gen.RunID()
	run := world.NewRun(id, req, time.Now().UTC())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; ok {
		return nil, world.Conflictf("run %q already exists", id)
	}
	s.runs[id] = run
	out := run.Clone()
	return &out, nil
}

func (s *runStore) Get(_ context.Context, runID string, opts world.GetRunOptions) (*world.Run, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, world.NotFoundf("run %q", runID)
	}
	if opts.ResolveData == world.ResolveDataNone {
		out := run.Elide()
		return &out, nil
	}
	out := run.Clone()
	return &out, nil
}

func (s *runStore) Update(_ context.Context, runID string, patch world.RunPatch) (*world.Run, error) {
	run, becameTerminal, err := s.apply(runID, patch)
	if err != nil {
		return nil, err
	}
	if becameTerminal && s.onTerminal != nil {
		s.onTerminal(runID)
	}
	return run, nil
}

func (s *runStore) Cancel(ctx context.Context, runID string) (*world.Run, error) {
	return s.transition(ctx, runID, world.CancelPatch)
}

func (s *runStore) Pause(ctx context.Context, runID string) (*world.Run, error) {
	return s.transition(ctx, runID, world.PausePatch)
}

func (s *runStore) Resume(ctx context.Context, runID string) (*world.Run, error) {
	return s.transition(ctx, runID, world.ResumePatch)
}

func (s *runStore) List(_ context.Context, params world.ListRunsParams) (*world.Page[world.Run], error) {
	p := params.Pagination.Normalize()

	s.mu.RLock()
	matched := make([]world.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if params.WorkflowName != "" && run.WorkflowName != params.WorkflowName {
			continue
		}
		if params.Status != "" && run.Status != params.Status {
			continue
		}
		if p.Cursor != "" && run.ID >= p.Cursor {
			continue
		}
		matched = append(matched, run.Clone())
	}
	s.mu.RUnlock()

	// Newest first.
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	if len(matched) > p.Limit+1 {
		matched = matched[:p.Limit+1]
	}
	return world.NewPage(matched, p.Limit, func(r world.Run) string { return r.ID }), nil
}

// transition runs a guarded status change: the guard validates the current
// status and produces the patch to apply.
func (s *runStore) transition(_ context.Context, runID string, guard func(world.RunStatus) (world.RunPatch, error)) (*world.Run, error) {
	s.mu.Lock()
	cur, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return nil, world.NotFoundf("run %q", runID)
	}
	patch, err := guard(cur.Status)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	next := world.NextRun(cur, patch, time.Now().UTC())
	s.runs[runID] = next
	becameTerminal := next.Status.Terminal() && !cur.Status.Terminal()
	s.mu.Unlock()

	if becameTerminal && s.onTerminal != nil {
		s.onTerminal(runID)
	}
	out := next.Clone()
	return &out, nil
}

func (s *runStore) apply(runID string, patch world.RunPatch) (*world.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[runID]
	if !ok {
		return nil, false, world.NotFoundf("run %q", runID)
	}
	next := world.NextRun(cur, patch, time.Now().UTC())
	s.runs[runID] = next
	out := next.Clone()
	return &out, next.Status.Terminal() && !cur.Status.Terminal(), nil
}
