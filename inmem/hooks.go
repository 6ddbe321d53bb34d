package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/durablekit/world"
)

// hookStore implements world.HookStore with a token secondary index. Hooks
// are disposed eagerly when their run terminates so the registry does not
// accumulate.
type hookStore struct {
	mu      sync.RWMutex
	hooks   map[string]world.Hook
	byToken map[string]string
	byRun   map[string]map[string]struct{}
}

func newHookStore() *hookStore {
	return &hookStore{
		hooks:   make(map[string]world.Hook),
		byToken: make(map[string]string),
		byRun:   make(map[string]map[string]struct{}),
	}
}

func (s *hookStore) Create(_ context.Context, runID string, req world.CreateHookRequest) (*world.Hook, error) {
	if runID == "" {
		return nil, world.InvalidArgumentf("run id is required")
	}
	if req.HookID == "" {
		return nil, world.InvalidArgumentf("hook id is required")
	}
	if req.Token == "" {
		return nil, world.InvalidArgumentf("token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Idempotent on hook id: the original record, including its original
	// token, wins.
	if existing, ok := s.hooks[req.HookID]; ok {
		out := existing
		return &out, nil
	}
	if _, ok := s.byToken[req.Token]; ok {
		return nil, world.Conflictf("token %q already in use", req.Token)
	}
	hook := world.NewHook(runID, req, time.Now().UTC())
	s.hooks[hook.ID] = hook
	s.byToken[hook.Token] = hook.ID
	if s.byRun[runID] == nil {
		s.byRun[runID] = make(map[string]struct{})
	}
	s.byRun[runID][hook.ID] = struct{}{}
	out := hook
	return &out, nil
}

func (s *hookStore) Get(_ context.Context, hookID string) (*world.Hook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hook, ok := s.hooks[hookID]
	if !ok {
		return nil, world.NotFoundf("hook %q", hookID)
	}
	out := hook
	return &out, nil
}

func (s *hookStore) GetByToken(_ context.Context, token string) (*world.Hook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hookID, ok := s.byToken[token]
	if !ok {
		return nil, world.NotFoundf("hook with token %q", token)
	}
	out := s.hooks[hookID]
	return &out, nil
}

func (s *hookStore) List(_ context.Context, params world.ListHooksParams) (*world.Page[world.Hook], error) {
	p := params.Pagination.Normalize()

	s.mu.RLock()
	matched := make([]world.Hook, 0, len(s.byRun[params.RunID]))
	for hookID := range s.byRun[params.RunID] {
		if p.Cursor != "" && hookID >= p.Cursor {
			continue
		}
		matched = append(matched, s.hooks[hookID])
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	if len(matched) > p.Limit+1 {
		matched = matched[:p.Limit+1]
	}
	return world.NewPage(matched, p.Limit, func(h world.Hook) string { return h.ID }), nil
}

func (s *hookStore) Dispose(_ context.Context, hookID string) (*world.Hook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hook, ok := s.hooks[hookID]
	if !ok {
		return nil, world.NotFoundf("hook %q", hookID)
	}
	s.remove(hook)
	out := hook
	return &out, nil
}

// disposeRun removes every hook registered against runID. Invoked by the run
// store when a run first reaches a terminal status.
func (s *hookStore) disposeRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hookID := range s.byRun[runID] {
		s.remove(s.hooks[hookID])
	}
}

// remove deletes the hook and its index entries. Callers hold the lock.
func (s *hookStore) remove(hook world.Hook) {
	delete(s.hooks, hook.ID)
	delete(s.byToken, hook.Token)
	if byRun := s.byRun[hook.RunID]; byRun != nil {
		delete(byRun, hook.ID)
		if len(byRun) == 0 {
			delete(s.byRun, hook.RunID)
		}
	}
}
