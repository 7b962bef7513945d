package boundary

import (
	"time"

	"github.com/stackpilot/core/pkg/risk"
)

// CatalogVersion is the schema version this build understands.
// Loaded catalogs must be semver-compatible (same major).
const CatalogVersion = "1.0.0"

// CostModel describes how a canonical action's cost delta is derived.
type CostModel string

const (
	// CostModelTabular means the monthly delta comes from a fixed price table.
	CostModelTabular CostModel = "tabular"
	// CostModelEstimated means the delta depends on usage and is approximate.
	CostModelEstimated CostModel = "estimated"
)

// CanonicalAction is one allowed operation in the catalog. Every plan
// step must reference exactly one canonical action.
type CanonicalAction struct {
	ID          string `json:"id" yaml:"id"` // "<service>:<operation>"
	Service     string `json:"service" yaml:"service"`
	Operation   string `json:"operation" yaml:"operation"`
	Description string `json:"description" yaml:"description"`
	Category    string `json:"category" yaml:"category"` // compute, storage, database, network

	RiskCategory     risk.Level `json:"risk_category" yaml:"risk_category"`
	Reversible       bool       `json:"reversible" yaml:"reversible"`
	Downtime         bool       `json:"downtime" yaml:"downtime"`
	DataLoss         bool       `json:"data_loss" yaml:"data_loss"`
	RequiresApproval bool       `json:"requires_approval" yaml:"requires_approval"`

	// DependencyRank orders steps across actions: lower ranks execute
	// first (stop before detach, detach before delete).
	DependencyRank int `json:"dependency_rank" yaml:"dependency_rank"`

	// CompensatingAction is the catalog ID of the action that undoes
	// this one. Empty for irreversible actions.
	CompensatingAction string `json:"compensating_action,omitempty" yaml:"compensating_action"`

	CostModel        CostModel `json:"cost_model" yaml:"cost_model"`
	MonthlyCostDelta float64   `json:"monthly_cost_delta" yaml:"monthly_cost_delta"` // per resource, positive = increase
	DurationSeconds  int       `json:"duration_seconds" yaml:"duration_seconds"`     // per resource estimate

	// TargetState is the resource state this action drives toward
	// ("stopped", "deleted", ...), consulted by simulation.
	TargetState string `json:"target_state,omitempty" yaml:"target_state"`

	// ParamSchema is a JSON Schema (2020-12) for the action's free-form
	// parameters. Empty means no parameters accepted.
	ParamSchema string `json:"-" yaml:"param_schema"`
}

// HardLimit caps what a single plan may touch within an action category.
type HardLimit struct {
	Category     string  `json:"category" yaml:"category"`
	MaxResources int     `json:"max_resources" yaml:"max_resources"`
	MaxCostDelta float64 `json:"max_cost_delta" yaml:"max_cost_delta"` // absolute monthly delta ceiling, 0 = none

	// Guard is an optional CEL expression over resource_count and
	// cost_delta; it must evaluate to true for the plan to pass.
	Guard string `json:"guard,omitempty" yaml:"guard"`
}

// Catalog is the static policy document.
type Catalog struct {
	Version         string            `json:"version" yaml:"version"`
	UpdatedAt       time.Time         `json:"updated_at" yaml:"updated_at"`
	AllowedServices []string          `json:"allowed_services" yaml:"allowed_services"`
	BannedActions   []string          `json:"banned_actions" yaml:"banned_actions"`
	HardLimits      []HardLimit       `json:"hard_limits" yaml:"hard_limits"`
	Actions         []CanonicalAction `json:"actions" yaml:"actions"`
}
