package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/durablekit/world"
)

// stepStore implements world.StepStore. Steps are keyed by run id then step
// id; step ids are caller supplied and unique within their run.
type stepStore struct {
	mu    sync.RWMutex
	steps map[string]map[string]world.Step
}

func newStepStore() *stepStore {
	return &stepStore{steps: make(map[string]map[string]world.Step)}
}

func (s *stepStore) Create(_ context.Context, runID string, req world.CreateStepRequest) (*world.Step, error) {
	if runID == "" {
		return nil, world.InvalidArgumentf("run id is required")
	}
	if req.StepID == "" {
		return nil, world.InvalidArgumentf("step id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byRun := s.steps[runID]
	if byRun == nil {
		byRun = make(map[string]world.Step)
		s.steps[runID] = byRun
	}
	// Re-creation during replay returns the existing record unchanged.
	if existing, ok := byRun[req.StepID]; ok {
		out := existing.Clone()
		return &out, nil
	}
	step := world.NewStep(runID, req, time.Now().UTC())
	byRun[req.StepID] = step
	out := step.Clone()
	return &out, nil
}

func (s *stepStore) Get(_ context.Context, runID, stepID string) (*world.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if runID != "" {
		if step, ok := s.steps[runID][stepID]; ok {
			out := step.Clone()
			return &out, nil
		}
		return nil, world.NotFoundf("step %q in run %q", stepID, runID)
	}
	// Slow path: search across runs.
	for _, byRun := range s.steps {
		if step, ok := byRun[stepID]; ok {
			out := step.Clone()
			return &out, nil
		}
	}
	return nil, world.NotFoundf("step %q", stepID)
}

func (s *stepStore) Update(_ context.Context, runID, stepID string, patch world.StepPatch) (*world.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.steps[runID][stepID]
	if !ok {
		return nil, world.NotFoundf("step %q in run %q", stepID, runID)
	}
	next := world.NextStep(cur, patch, time.Now().UTC())
	s.steps[runID][stepID] = next
	out := next.Clone()
	return &out, nil
}

func (s *stepStore) List(_ context.Context, params world.ListStepsParams) (*world.Page[world.Step], error) {
	p := params.Pagination.Normalize()

	s.mu.RLock()
	matched := make([]world.Step, 0, len(s.steps[params.RunID]))
	for _, step := range s.steps[params.RunID] {
		if p.Cursor != "" && step.ID >= p.Cursor {
			continue
		}
		matched = append(matched, step.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	if len(matched) > p.Limit+1 {
		matched = matched[:p.Limit+1]
	}
	return world.NewPage(matched, p.Limit, func(st world.Step) string { return st.ID }), nil
}
