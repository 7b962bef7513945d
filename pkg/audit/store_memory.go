package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps the chain in process memory. Useful for tests and
// for ephemeral tooling; production uses the SQL store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	anchors []*Anchor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) AppendEntry(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *e
	s.entries = append(s.entries, &copied)
	return nil
}

func (s *MemoryStore) Last(_ context.Context) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	copied := *s.entries[len(s.entries)-1]
	return &copied, nil
}

func (s *MemoryStore) Range(_ context.Context, start, end uint64) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0)
	for _, e := range s.entries {
		if e.ChainPosition >= start && e.ChainPosition <= end {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]*Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*Entry, 0)
	for _, e := range s.entries {
		if f.ConnectionID != "" && e.ConnectionID != f.ConnectionID {
			continue
		}
		if f.EventType != "" && e.Type != f.EventType {
			continue
		}
		if f.StartDate != nil && e.Timestamp.Before(*f.StartDate) {
			continue
		}
		if f.EndDate != nil && e.Timestamp.After(*f.EndDate) {
			continue
		}
		copied := *e
		matched = append(matched, &copied)
	}
	total := len(matched)

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (s *MemoryStore) Count(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.entries)), nil
}

func (s *MemoryStore) SaveAnchor(_ context.Context, a *Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *a
	s.anchors = append(s.anchors, &copied)
	return nil
}

func (s *MemoryStore) LatestAnchor(_ context.Context) (*Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.anchors) == 0 {
		return nil, nil
	}
	copied := *s.anchors[len(s.anchors)-1]
	return &copied, nil
}

func (s *MemoryStore) FirstAnchor(_ context.Context) (*Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.anchors) == 0 {
		return nil, nil
	}
	copied := *s.anchors[0]
	return &copied, nil
}

func (s *MemoryStore) AnchorCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.anchors), nil
}

// Corrupt overwrites the stored entry at the given position. Test hook
// for chain verification; never used by production code.
func (s *MemoryStore) Corrupt(position uint64, mutate func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ChainPosition == position {
			mutate(e)
			return
		}
	}
}
