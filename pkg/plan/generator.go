package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stackpilot/core/pkg/audit"
	"github.com/stackpilot/core/pkg/boundary"
	"github.com/stackpilot/core/pkg/cloud"
	"github.com/stackpilot/core/pkg/intent"
	"github.com/stackpilot/core/pkg/risk"
)

// DefaultTTL bounds the window in which a plan can be approved or
// executed. Stale plans must be regenerated, not resumed.
const DefaultTTL = 15 * time.Minute

var (
	ErrIntentBlocked = errors.New("plan: intent is blocked")
	ErrNoResources   = errors.New("plan: no target resources")
)

// Generator compiles intents into plans.
type Generator struct {
	boundary *boundary.Boundary
	policy   risk.Policy
	log      audit.Recorder
	ttl      time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

type GeneratorOption func(*Generator)

func WithTTL(ttl time.Duration) GeneratorOption {
	return func(g *Generator) { g.ttl = ttl }
}

func WithGeneratorClock(clock func() time.Time) GeneratorOption {
	return func(g *Generator) { g.clock = clock }
}

func WithGeneratorLogger(l *slog.Logger) GeneratorOption {
	return func(g *Generator) { g.logger = l }
}

func NewGenerator(b *boundary.Boundary, policy risk.Policy, log audit.Recorder, opts ...GeneratorOption) *Generator {
	g := &Generator{
		boundary: b,
		policy:   policy,
		log:      log,
		ttl:      DefaultTTL,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate compiles a non-blocked intent into an ordered plan. An
// explicit resource list overrides the intent's inferred resources.
// Policy refusals (params, hard limits) are audited as
// permission_denied before the error returns.
func (g *Generator) Generate(ctx context.Context, conn *cloud.Connection, pi *intent.ParsedIntent, resources []string) (*Plan, error) {
	if pi.Blocked {
		return nil, fmt.Errorf("%w: %s", ErrIntentBlocked, pi.BlockReason)
	}
	action, ok := g.boundary.Lookup(pi.InterpretedAction)
	if !ok {
		return nil, fmt.Errorf("plan: action %q not in catalog", pi.InterpretedAction)
	}

	if len(resources) == 0 {
		resources = pi.Entities.Resources
	}
	if len(resources) == 0 {
		return nil, ErrNoResources
	}
	resources = dedupeSorted(resources)

	if err := g.boundary.ValidateParams(action.ID, pi.Entities.Parameters); err != nil {
		g.deny(ctx, conn, action, len(resources), err)
		return nil, err
	}
	totalCost := action.MonthlyCostDelta * float64(len(resources))
	if err := g.boundary.CheckLimit(action, len(resources), totalCost); err != nil {
		g.deny(ctx, conn, action, len(resources), err)
		return nil, err
	}

	now := g.clock().UTC()
	p := &Plan{
		PlanID:       uuid.NewString(),
		ConnectionID: conn.ID,
		IntentID:     pi.IntentID,
		DSLVersion:   DSLVersion,
		CreatedAt:    now,
		ExpiresAt:    now.Add(g.ttl),
	}

	// One step per resource: rollback then has a single linear undo
	// order and a mid-plan failure leaves a precise boundary between
	// applied and unapplied resources.
	score := g.policy.Score(risk.Factors{
		Reversible:    action.Reversible,
		Downtime:      action.Downtime,
		DataLoss:      action.DataLoss,
		ResourceCount: 1,
	})
	for i, res := range resources {
		p.Steps = append(p.Steps, Step{
			StepID:      uuid.NewString(),
			Order:       i + 1,
			Service:     action.Service,
			Action:      action.Operation,
			Description: fmt.Sprintf("%s on %s", action.Description, res),
			Resources:   []string{res},
			Params:      pi.Entities.Parameters,
			Impact: Impact{
				ResourceCount: 1,
				CostChange:    action.MonthlyCostDelta,
				Reversible:    action.Reversible,
				Downtime:      action.Downtime,
				DataLoss:      action.DataLoss,
				RiskLevel:     risk.LevelFor(score),
				RiskScore:     score,
			},
			Status:             StepPending,
			DependencyRank:     action.DependencyRank,
			CompensatingAction: action.CompensatingAction,
			DurationSeconds:    action.DurationSeconds,
			TargetState:        action.TargetState,
		})
	}
	sortSteps(p.Steps)

	p.Summary = ComputeSummary(p.Steps)
	hash, err := HashSteps(p.DSLVersion, p.Steps)
	if err != nil {
		return nil, fmt.Errorf("plan: hash steps: %w", err)
	}
	p.DSLHash = hash
	p.Visualization = visualize(p.Steps)

	if _, err := g.log.Record(ctx, audit.Event{
		Type:         audit.EventPlanGenerated,
		Result:       audit.ResultSuccess,
		ConnectionID: conn.ID,
		Action:       audit.ActionRef{Service: action.Service, Operation: action.Operation, PlanID: p.PlanID},
		Impact:       &audit.Impact{ResourceCount: p.Summary.ResourcesAffected, CostChange: p.Summary.EstimatedCostImpact},
		Metadata: map[string]interface{}{
			"intent_id":  pi.IntentID,
			"dsl_hash":   p.DSLHash,
			"risk_score": p.Summary.RiskScore,
			"expires_at": p.ExpiresAt,
		},
	}); err != nil {
		return nil, fmt.Errorf("plan: record: %w", err)
	}

	g.logger.Info("plan generated",
		"plan_id", p.PlanID,
		"steps", len(p.Steps),
		"risk_score", p.Summary.RiskScore,
		"reversible", p.Summary.Reversible)
	return p, nil
}

func (g *Generator) deny(ctx context.Context, conn *cloud.Connection, action *boundary.CanonicalAction, count int, cause error) {
	if _, err := g.log.Record(ctx, audit.Event{
		Type:         audit.EventPermissionDenied,
		Result:       audit.ResultBlocked,
		ConnectionID: conn.ID,
		Action:       audit.ActionRef{Service: action.Service, Operation: action.Operation},
		Impact:       &audit.Impact{ResourceCount: count},
		Error:        cause.Error(),
	}); err != nil {
		g.logger.Error("audit write failed for denial", "error", err)
	}
}

// sortSteps orders by dependency rank, then resource identifier
// ascending, then reassigns Order.
func sortSteps(steps []Step) {
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].DependencyRank != steps[j].DependencyRank {
			return steps[i].DependencyRank < steps[j].DependencyRank
		}
		return steps[i].Resources[0] < steps[j].Resources[0]
	})
	for i := range steps {
		steps[i].Order = i + 1
	}
}

func dedupeSorted(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// visualize renders the step sequence as mermaid flowchart source.
func visualize(steps []Step) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	for i, st := range steps {
		fmt.Fprintf(&b, "  S%d[\"%d. %s:%s %s\"]\n", st.Order, st.Order, st.Service, st.Action, strings.Join(st.Resources, ","))
		if i > 0 {
			fmt.Fprintf(&b, "  S%d --> S%d\n", steps[i-1].Order, st.Order)
		}
	}
	return b.String()
}
