// Package simulation dry-runs execution plans. A simulation never
// mutates anything: it checks the connection's grant against the
// plan's actions, buckets cost confidence, and produces an
// independent risk assessment that may consult live resource state.
// Its verdict informs approval; it never authorizes execution itself.
package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stackpilot/core/pkg/audit"
	"github.com/stackpilot/core/pkg/boundary"
	"github.com/stackpilot/core/pkg/cloud"
	"github.com/stackpilot/core/pkg/plan"
	"github.com/stackpilot/core/pkg/risk"
)

// Confidence buckets cost predictions by pricing model quality.
type Confidence string

const (
	// ConfidenceHigh means every step prices from a fixed table.
	ConfidenceHigh Confidence = "high"
	// ConfidenceLow means at least one step relies on estimated pricing.
	ConfidenceLow Confidence = "low"
)

type PermissionValidation struct {
	Valid              bool     `json:"valid"`
	MissingPermissions []string `json:"missing_permissions"`
}

type CostPrediction struct {
	MonthlyDelta float64    `json:"monthly_delta"`
	AnnualDelta  float64    `json:"annual_delta"`
	Confidence   Confidence `json:"confidence"`
}

// Factor is one weighted contribution to the assessed risk.
type Factor struct {
	Name    string `json:"name"`
	Weight  int    `json:"weight"`
	Present bool   `json:"present"`
}

type RiskAssessment struct {
	OverallRisk risk.Level `json:"overall_risk"`
	RiskScore   int        `json:"risk_score"`
	Factors     []Factor   `json:"factors"`
	Mitigations []string   `json:"mitigations,omitempty"`
}

// Result is the outcome of one dry run.
type Result struct {
	SimulationID string    `json:"simulation_id"`
	PlanID       string    `json:"plan_id"`
	ConnectionID string    `json:"connection_id"`
	DSLHash      string    `json:"dsl_hash"`
	CreatedAt    time.Time `json:"created_at"`

	PermissionValidation PermissionValidation `json:"permission_validation"`
	CostPrediction       CostPrediction       `json:"cost_prediction"`
	RiskAssessment       RiskAssessment       `json:"risk_assessment"`

	// Observations note live-state findings, e.g. a resource already in
	// its target state.
	Observations []string `json:"observations,omitempty"`

	CanPromoteToLive  bool     `json:"can_promote_to_live"`
	PromotionBlockers []string `json:"promotion_blockers,omitempty"`
}

// Passed reports whether this result clears the plan for approval.
func (r *Result) Passed() bool { return r.CanPromoteToLive }

// StateObserver reads live resource state without mutating it.
// cloud.Driver satisfies it.
type StateObserver interface {
	ResourceState(ctx context.Context, conn *cloud.Connection, service, resourceID string) (string, error)
}

// Engine runs simulations.
type Engine struct {
	boundary *boundary.Boundary
	policy   risk.Policy
	log      audit.Recorder
	observer StateObserver
	clock    func() time.Time
	logger   *slog.Logger
}

type EngineOption func(*Engine)

// WithStateObserver enables live-state refinement. Without one the
// simulation works purely from the plan and the catalog.
func WithStateObserver(o StateObserver) EngineOption {
	return func(e *Engine) { e.observer = o }
}

func WithEngineClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(b *boundary.Boundary, policy risk.Policy, log audit.Recorder, opts ...EngineOption) *Engine {
	e := &Engine{
		boundary: b,
		policy:   policy,
		log:      log,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Simulate dry-runs the plan against the connection. It performs no
// mutating calls.
func (e *Engine) Simulate(ctx context.Context, conn *cloud.Connection, p *plan.Plan) (*Result, error) {
	now := e.clock().UTC()
	r := &Result{
		SimulationID: uuid.NewString(),
		PlanID:       p.PlanID,
		ConnectionID: conn.ID,
		DSLHash:      p.DSLHash,
		CreatedAt:    now,
	}

	r.PermissionValidation = e.checkPermissions(conn, p)
	noop := e.observeState(ctx, conn, p, r)
	r.CostPrediction = e.predictCost(p, noop)
	r.RiskAssessment = e.assessRisk(p, noop, r)

	if !r.PermissionValidation.Valid {
		r.PromotionBlockers = append(r.PromotionBlockers,
			fmt.Sprintf("connection is missing %d required permission(s)", len(r.PermissionValidation.MissingPermissions)))
	}
	if r.RiskAssessment.OverallRisk == risk.LevelCritical {
		r.PromotionBlockers = append(r.PromotionBlockers, "overall risk is critical")
	}
	if p.Expired(now) {
		r.PromotionBlockers = append(r.PromotionBlockers, "plan has expired and must be regenerated")
	}
	r.CanPromoteToLive = len(r.PromotionBlockers) == 0

	result := audit.ResultSuccess
	if !r.CanPromoteToLive {
		result = audit.ResultFailure
	}
	if _, err := e.log.Record(ctx, audit.Event{
		Type:         audit.EventSimulationExecuted,
		Result:       result,
		ConnectionID: conn.ID,
		Action:       audit.ActionRef{PlanID: p.PlanID},
		Impact:       &audit.Impact{ResourceCount: p.Summary.ResourcesAffected, CostChange: r.CostPrediction.MonthlyDelta},
		Metadata: map[string]interface{}{
			"simulation_id": r.SimulationID,
			"dsl_hash":      p.DSLHash,
			"can_promote":   r.CanPromoteToLive,
		},
	}); err != nil {
		return nil, fmt.Errorf("simulation: record: %w", err)
	}

	e.logger.Info("simulation executed",
		"simulation_id", r.SimulationID,
		"plan_id", p.PlanID,
		"can_promote", r.CanPromoteToLive,
		"blockers", len(r.PromotionBlockers))
	return r, nil
}

// checkPermissions requires the connection grant to be a superset of
// every action the plan references.
func (e *Engine) checkPermissions(conn *cloud.Connection, p *plan.Plan) PermissionValidation {
	missing := map[string]bool{}
	for i := range p.Steps {
		id := p.Steps[i].ActionID()
		if !conn.Allows(id) {
			missing[id] = true
		}
	}
	v := PermissionValidation{Valid: len(missing) == 0, MissingPermissions: []string{}}
	for id := range missing {
		v.MissingPermissions = append(v.MissingPermissions, id)
	}
	sort.Strings(v.MissingPermissions)
	return v
}

// observeState asks the observer whether any step's resource is
// already in the step's target state. Such steps would be no-ops at
// execution time. Observation failures degrade to "no observation";
// the simulation still stands on the plan's static view.
func (e *Engine) observeState(ctx context.Context, conn *cloud.Connection, p *plan.Plan, r *Result) map[string]bool {
	noop := map[string]bool{}
	if e.observer == nil {
		return noop
	}
	for i := range p.Steps {
		st := &p.Steps[i]
		if st.TargetState == "" {
			continue
		}
		for _, res := range st.Resources {
			state, err := e.observer.ResourceState(ctx, conn, st.Service, res)
			if err != nil {
				e.logger.Warn("state observation failed", "resource", res, "error", err)
				continue
			}
			if state == st.TargetState {
				noop[st.StepID] = true
				r.Observations = append(r.Observations,
					fmt.Sprintf("%s is already %s, step %d would be a no-op", res, state, st.Order))
			}
		}
	}
	return noop
}

func (e *Engine) predictCost(p *plan.Plan, noop map[string]bool) CostPrediction {
	monthly := 0.0
	confidence := ConfidenceHigh
	for i := range p.Steps {
		st := &p.Steps[i]
		if !noop[st.StepID] {
			monthly += st.Impact.CostChange
		}
		if action, ok := e.boundary.Lookup(st.ActionID()); ok && action.CostModel != boundary.CostModelTabular {
			confidence = ConfidenceLow
		}
	}
	return CostPrediction{
		MonthlyDelta: monthly,
		AnnualDelta:  monthly * 12,
		Confidence:   confidence,
	}
}

// assessRisk recomputes risk independently of the plan's static
// summary. Steps observed to be no-ops drop out of the live score.
func (e *Engine) assessRisk(p *plan.Plan, noop map[string]bool, r *Result) RiskAssessment {
	a := RiskAssessment{}
	irreversible, downtime, dataLoss := false, false, false
	for i := range p.Steps {
		st := &p.Steps[i]
		if noop[st.StepID] {
			continue
		}
		score := e.policy.Score(risk.Factors{
			Reversible:    st.Impact.Reversible,
			Downtime:      st.Impact.Downtime,
			DataLoss:      st.Impact.DataLoss,
			ResourceCount: st.Impact.ResourceCount,
		})
		if score > a.RiskScore {
			a.RiskScore = score
		}
		irreversible = irreversible || !st.Impact.Reversible
		downtime = downtime || st.Impact.Downtime
		dataLoss = dataLoss || st.Impact.DataLoss
	}
	a.OverallRisk = risk.LevelFor(a.RiskScore)
	a.Factors = []Factor{
		{Name: "irreversible", Weight: e.policy.IrreversibleWeight, Present: irreversible},
		{Name: "data_loss", Weight: e.policy.DataLossWeight, Present: dataLoss},
		{Name: "downtime", Weight: e.policy.DowntimeWeight, Present: downtime},
	}
	if irreversible {
		a.Mitigations = append(a.Mitigations, "take a snapshot or backup before executing")
	}
	if downtime {
		a.Mitigations = append(a.Mitigations, "schedule execution inside a maintenance window")
	}
	if len(noop) > 0 {
		a.Mitigations = append(a.Mitigations,
			fmt.Sprintf("%d step(s) target resources already in their end state", len(noop)))
	}
	return a
}
