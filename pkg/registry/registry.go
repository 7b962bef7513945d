// Package registry stores plans, simulation results, and approval
// records for their TTL-bounded lifetime. Plans and approvals are
// ephemeral by contract but must survive a process restart within
// their TTL, so the durable implementation shares the server's SQL
// database.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/stackpilot/core/pkg/plan"
	"github.com/stackpilot/core/pkg/simulation"
)

var (
	ErrPlanNotFound       = errors.New("registry: plan not found")
	ErrSimulationNotFound = errors.New("registry: simulation not found")
	ErrApprovalNotFound   = errors.New("registry: approval not found")
	ErrApprovalConsumed   = errors.New("registry: approval already consumed")
)

// ApprovalRecord is the stored side of an issued approval token.
// Consumption is a one-way transition.
type ApprovalRecord struct {
	TokenID      string     `json:"token_id"` // jti claim
	PlanID       string     `json:"plan_id"`
	ConnectionID string     `json:"connection_id"`
	DSLHash      string     `json:"dsl_hash"`
	Token        string     `json:"token"` // signed compact form
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Consumed     bool       `json:"consumed"`
	ConsumedAt   *time.Time `json:"consumed_at,omitempty"`
}

// Store is the registry persistence contract. Simulation results are
// keyed by plan; a later simulation for the same plan replaces the
// earlier one.
type Store interface {
	SavePlan(ctx context.Context, p *plan.Plan) error
	Plan(ctx context.Context, planID string) (*plan.Plan, error)

	SaveSimulation(ctx context.Context, r *simulation.Result) error
	Simulation(ctx context.Context, planID string) (*simulation.Result, error)

	SaveApproval(ctx context.Context, rec *ApprovalRecord) error
	Approval(ctx context.Context, planID string) (*ApprovalRecord, error)
	// ConsumeApproval atomically marks the approval used. It fails with
	// ErrApprovalConsumed when it was already used.
	ConsumeApproval(ctx context.Context, planID, tokenID string, at time.Time) error

	// PurgeExpired removes plans, simulations, and approvals whose plan
	// expiry has passed. Returns the number of plans removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
