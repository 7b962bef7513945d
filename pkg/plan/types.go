// Package plan compiles parsed intents into ordered, risk-scored
// execution plans. A plan is immutable once generated; its summary is
// always derivable from its steps and its dslHash pins the step
// sequence so tampering between generation and execution is detectable.
package plan

import (
	"sort"
	"time"

	"github.com/stackpilot/core/pkg/canonicalize"
	"github.com/stackpilot/core/pkg/risk"
)

// DSLVersion tags the canonical step encoding that dslHash covers.
const DSLVersion = "v1"

// StepStatus tracks one step through execution.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepRunning    StepStatus = "running"
	StepSucceeded  StepStatus = "succeeded"
	StepFailed     StepStatus = "failed"
	StepRolledBack StepStatus = "rolled_back"
)

// Impact describes what one step does to the account.
type Impact struct {
	ResourceCount int        `json:"resource_count"`
	CostChange    float64    `json:"cost_change"` // monthly, positive = increase
	Reversible    bool       `json:"reversible"`
	Downtime      bool       `json:"downtime"`
	DataLoss      bool       `json:"data_loss"`
	RiskLevel     risk.Level `json:"risk_level"`
	RiskScore     int        `json:"risk_score"`
}

// Step is one ordered unit of work. Steps are owned by their plan and
// never shared.
type Step struct {
	StepID      string   `json:"step_id"`
	Order       int      `json:"order"` // 1-based
	Service     string   `json:"service"`
	Action      string   `json:"action"`
	Description string   `json:"description"`
	Resources   []string `json:"resources"`

	Params map[string]interface{} `json:"params,omitempty"`
	Impact Impact                 `json:"impact"`
	Status StepStatus             `json:"status"`

	// Ordering key, computed once at generation time.
	DependencyRank int `json:"dependency_rank"`

	// CompensatingAction undoes this step during rollback. Empty for
	// irreversible steps.
	CompensatingAction string `json:"compensating_action,omitempty"`
	DurationSeconds    int    `json:"duration_seconds"`
	TargetState        string `json:"target_state,omitempty"`
}

// ActionID returns the canonical "<service>:<operation>" identifier.
func (s *Step) ActionID() string {
	return s.Service + ":" + s.Action
}

// Summary aggregates a plan's steps. It is derived, never edited.
type Summary struct {
	TotalSteps          int        `json:"total_steps"`
	EstimatedDuration   int        `json:"estimated_duration"` // seconds
	EstimatedCostImpact float64    `json:"estimated_cost_impact"`
	RiskScore           int        `json:"risk_score"`
	RiskLevel           risk.Level `json:"risk_level"`
	ResourcesAffected   int        `json:"resources_affected"`
	ServicesAffected    []string   `json:"services_affected"`
	RequiresApproval    bool       `json:"requires_approval"`
	Reversible          bool       `json:"reversible"`
}

// Plan is an ordered execution plan with a hard TTL.
type Plan struct {
	PlanID       string    `json:"plan_id"`
	ConnectionID string    `json:"connection_id"`
	IntentID     string    `json:"intent_id,omitempty"`
	DSLVersion   string    `json:"dsl_version"`
	DSLHash      string    `json:"dsl_hash"`
	Steps        []Step    `json:"steps"`
	Summary      Summary   `json:"summary"`
	Visualization string   `json:"visualization,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the plan's approval/execution window has
// closed. Expiry is evaluated against the moment of use, never cached.
func (p *Plan) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// ComputeSummary derives the aggregate view of a step sequence.
// riskScore is the maximum step score, not an average: one
// catastrophic step must not be diluted by many benign ones.
func ComputeSummary(steps []Step) Summary {
	s := Summary{
		TotalSteps: len(steps),
		Reversible: true,
	}
	services := map[string]bool{}
	for _, st := range steps {
		s.EstimatedDuration += st.DurationSeconds
		s.EstimatedCostImpact += st.Impact.CostChange
		s.ResourcesAffected += st.Impact.ResourceCount
		if st.Impact.RiskScore > s.RiskScore {
			s.RiskScore = st.Impact.RiskScore
		}
		if !st.Impact.Reversible {
			s.Reversible = false
		}
		services[st.Service] = true
	}
	for svc := range services {
		s.ServicesAffected = append(s.ServicesAffected, svc)
	}
	sort.Strings(s.ServicesAffected)
	s.RiskLevel = risk.LevelFor(s.RiskScore)
	// Every mutating plan needs an approval token before execution.
	s.RequiresApproval = len(steps) > 0
	return s
}

// canonicalStep is the hashed projection of a step: the fields that
// define what will be done, nothing transient.
type canonicalStep struct {
	Order     int                    `json:"order"`
	Service   string                 `json:"service"`
	Action    string                 `json:"action"`
	Resources []string               `json:"resources"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// HashSteps computes the dslHash over the canonical step sequence.
func HashSteps(version string, steps []Step) (string, error) {
	canon := make([]canonicalStep, len(steps))
	for i, st := range steps {
		canon[i] = canonicalStep{
			Order:     st.Order,
			Service:   st.Service,
			Action:    st.Action,
			Resources: st.Resources,
			Params:    st.Params,
		}
	}
	return canonicalize.Hash(struct {
		Version string          `json:"version"`
		Steps   []canonicalStep `json:"steps"`
	}{Version: version, Steps: canon})
}
