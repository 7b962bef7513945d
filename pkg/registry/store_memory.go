package registry

import (
	"context"
	"sync"
	"time"

	"github.com/stackpilot/core/pkg/plan"
	"github.com/stackpilot/core/pkg/simulation"
)

// MemoryStore is the in-process implementation. Entries evaporate on
// restart, so it suits tests and single-shot tooling only.
type MemoryStore struct {
	mu          sync.Mutex
	plans       map[string]*plan.Plan
	simulations map[string]*simulation.Result
	approvals   map[string]*ApprovalRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:       make(map[string]*plan.Plan),
		simulations: make(map[string]*simulation.Result),
		approvals:   make(map[string]*ApprovalRecord),
	}
}

func (s *MemoryStore) SavePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.Steps = append([]plan.Step(nil), p.Steps...)
	s.plans[p.PlanID] = &cp
	return nil
}

func (s *MemoryStore) Plan(_ context.Context, planID string) (*plan.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	cp := *p
	cp.Steps = append([]plan.Step(nil), p.Steps...)
	return &cp, nil
}

func (s *MemoryStore) SaveSimulation(_ context.Context, r *simulation.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.simulations[r.PlanID] = &cp
	return nil
}

func (s *MemoryStore) Simulation(_ context.Context, planID string) (*simulation.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.simulations[planID]
	if !ok {
		return nil, ErrSimulationNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) SaveApproval(_ context.Context, rec *ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.approvals[rec.PlanID] = &cp
	return nil
}

func (s *MemoryStore) Approval(_ context.Context, planID string) (*ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.approvals[planID]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ConsumeApproval(_ context.Context, planID, tokenID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.approvals[planID]
	if !ok || rec.TokenID != tokenID {
		return ErrApprovalNotFound
	}
	if rec.Consumed {
		return ErrApprovalConsumed
	}
	rec.Consumed = true
	t := at
	rec.ConsumedAt = &t
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, p := range s.plans {
		if p.Expired(now) {
			delete(s.plans, id)
			delete(s.simulations, id)
			delete(s.approvals, id)
			removed++
		}
	}
	return removed, nil
}

var _ Store = (*MemoryStore)(nil)
