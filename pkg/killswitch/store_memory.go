package killswitch

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is process-local switch state. Single-process deployments
// and tests use this; multi-process deployments use the Redis store so
// one activation is visible everywhere at once.
type MemoryStore struct {
	mu       sync.RWMutex
	active   map[string]Activation
	readOnly bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{active: make(map[string]Activation)}
}

func key(scope Scope, id string) string {
	return string(scope) + "/" + id
}

func (s *MemoryStore) Set(_ context.Context, a Activation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[key(a.Scope, a.ID)] = a
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, scope Scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, key(scope, id))
	return nil
}

func (s *MemoryStore) Get(_ context.Context, scope Scope, id string) (*Activation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.active[key(scope, id)]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Activation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Activation, 0, len(s.active))
	for _, a := range s.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) SetReadOnly(_ context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOnly = on
	return nil
}

func (s *MemoryStore) ReadOnly(_ context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readOnly, nil
}
