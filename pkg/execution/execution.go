// Package execution runs approved plans against the cloud account.
// One plan at a time per connection, steps strictly sequential, kill
// switch re-checked before every step, reverse-order rollback when a
// reversible plan fails midway. An irreversible plan that fails after
// taking effect terminates as partial, the highest-severity failure
// mode in this system.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackpilot/core/pkg/approval"
	"github.com/stackpilot/core/pkg/audit"
	"github.com/stackpilot/core/pkg/cloud"
	"github.com/stackpilot/core/pkg/killswitch"
	"github.com/stackpilot/core/pkg/plan"
)

// MaxStepRetries bounds the retry of a transient step failure. Retries
// are explicit and bounded, never a loop.
const MaxStepRetries = 1

var ErrExecutionBusy = errors.New("execution: another plan is already running on this connection")

// Status is the terminal (or in-flight) state of one execution.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// StepOutcome is the per-step record inside a Result.
type StepOutcome struct {
	StepID    string          `json:"step_id"`
	Order     int             `json:"order"`
	Action    string          `json:"action"`
	Resources []string        `json:"resources"`
	Status    plan.StepStatus `json:"status"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error,omitempty"`
}

// Result is created when execution starts and immutable once the
// engine terminates.
type Result struct {
	ExecutionID      string        `json:"execution_id"`
	PlanID           string        `json:"plan_id"`
	ConnectionID     string        `json:"connection_id"`
	Status           Status        `json:"status"`
	Steps            []StepOutcome `json:"steps"`
	StartedAt        time.Time     `json:"started_at"`
	CompletedAt      time.Time     `json:"completed_at"`
	Duration         time.Duration `json:"duration"`
	Error            string        `json:"error,omitempty"`
	RollbackExecuted bool          `json:"rollback_executed"`
}

// Engine executes plans.
type Engine struct {
	driver    cloud.Driver
	approvals *approval.Service
	kill      *killswitch.Switch
	log       audit.Recorder
	clock     func() time.Time
	logger    *slog.Logger

	// busy serializes executions per connection. A second request for
	// a held connection fails fast rather than queuing.
	mu   sync.Mutex
	busy map[string]bool
}

type Option func(*Engine)

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(driver cloud.Driver, approvals *approval.Service, kill *killswitch.Switch, log audit.Recorder, opts ...Option) *Engine {
	e := &Engine{
		driver:    driver,
		approvals: approvals,
		kill:      kill,
		log:       log,
		clock:     time.Now,
		logger:    slog.Default(),
		busy:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the plan under the given approval token. Gate refusals
// (busy connection, kill switch, bad token) return before any cloud
// call and are audited; once the first step runs, the outcome is a
// Result with a terminal status.
func (e *Engine) Execute(ctx context.Context, conn *cloud.Connection, p *plan.Plan, token string) (*Result, error) {
	if err := e.acquire(conn.ID); err != nil {
		e.deny(ctx, conn, p, err)
		return nil, err
	}
	defer e.release(conn.ID)

	target := killswitch.Target{CustomerID: conn.CustomerID, ConnectionID: conn.ID}
	if err := e.kill.CheckWritable(ctx); err != nil {
		e.deny(ctx, conn, p, err)
		return nil, err
	}
	if err := e.kill.Check(ctx, target); err != nil {
		e.deny(ctx, conn, p, err)
		return nil, err
	}
	if _, err := e.approvals.Consume(ctx, token, p, conn.ID); err != nil {
		e.deny(ctx, conn, p, err)
		return nil, err
	}

	now := e.clock().UTC()
	r := &Result{
		ExecutionID:  uuid.NewString(),
		PlanID:       p.PlanID,
		ConnectionID: conn.ID,
		Status:       StatusRunning,
		StartedAt:    now,
	}
	for i := range p.Steps {
		st := &p.Steps[i]
		r.Steps = append(r.Steps, StepOutcome{
			StepID:    st.StepID,
			Order:     st.Order,
			Action:    st.ActionID(),
			Resources: st.Resources,
			Status:    plan.StepPending,
		})
	}

	if _, err := e.log.Record(ctx, audit.Event{
		Type:         audit.EventExecutionStarted,
		Result:       audit.ResultPending,
		ConnectionID: conn.ID,
		Action:       audit.ActionRef{PlanID: p.PlanID},
		Impact:       &audit.Impact{ResourceCount: p.Summary.ResourcesAffected, CostChange: p.Summary.EstimatedCostImpact},
		Metadata:     map[string]interface{}{"execution_id": r.ExecutionID, "dsl_hash": p.DSLHash},
	}); err != nil {
		return nil, fmt.Errorf("execution: record start: %w", err)
	}

	e.run(ctx, conn, p, r, target)

	r.CompletedAt = e.clock().UTC()
	r.Duration = r.CompletedAt.Sub(r.StartedAt)
	e.recordTerminal(ctx, conn, p, r)
	e.logger.Info("execution finished",
		"execution_id", r.ExecutionID,
		"plan_id", p.PlanID,
		"status", string(r.Status),
		"rollback", r.RollbackExecuted)
	return r, nil
}

// run drives the step sequence and settles the terminal status.
func (e *Engine) run(ctx context.Context, conn *cloud.Connection, p *plan.Plan, r *Result, target killswitch.Target) {
	applied := 0
	for i := range p.Steps {
		st := &p.Steps[i]
		out := &r.Steps[i]

		// Re-check before every step: activation must be immediate,
		// not just observed at start.
		stepTarget := target
		stepTarget.Service = st.Service
		if err := e.kill.Check(ctx, stepTarget); err != nil {
			out.Status = plan.StepFailed
			out.Error = err.Error()
			// The switch blocks all mutation, compensating calls
			// included, so a tripped switch never triggers rollback.
			if applied > 0 {
				r.Status = StatusPartial
				r.Error = fmt.Sprintf("halted by kill switch after %d step(s) applied: %v", applied, err)
			} else {
				r.Status = StatusFailed
				r.Error = fmt.Sprintf("halted by kill switch before any step applied: %v", err)
			}
			return
		}

		out.Status = plan.StepRunning
		err := e.runStep(ctx, conn, st, out)
		if err == nil {
			out.Status = plan.StepSucceeded
			st.Status = plan.StepSucceeded
			applied++
			continue
		}
		out.Status = plan.StepFailed
		st.Status = plan.StepFailed
		out.Error = err.Error()

		if applied == 0 {
			r.Status = StatusFailed
			r.Error = fmt.Sprintf("step %d (%s) failed before any effect: %v", st.Order, st.ActionID(), err)
			return
		}
		if !p.Summary.Reversible {
			r.Status = StatusPartial
			r.Error = fmt.Sprintf(
				"IRREVERSIBLE PARTIAL EXECUTION: step %d (%s) failed after %d irreversible step(s) already applied; manual intervention required: %v",
				st.Order, st.ActionID(), applied, err)
			return
		}
		e.rollback(ctx, conn, p, r, i)
		return
	}
	r.Status = StatusCompleted
}

// runStep executes one step's resources with a bounded transient retry.
func (e *Engine) runStep(ctx context.Context, conn *cloud.Connection, st *plan.Step, out *StepOutcome) error {
	for _, res := range st.Resources {
		var err error
		for attempt := 0; attempt <= MaxStepRetries; attempt++ {
			out.Attempts++
			err = e.driver.Execute(ctx, conn, st.ActionID(), res, st.Params)
			if err == nil || !cloud.IsTransient(err) {
				break
			}
			e.logger.Warn("transient step failure, retrying once",
				"step", st.Order, "resource", res, "error", err)
		}
		if err != nil {
			return fmt.Errorf("resource %s: %w", res, err)
		}
	}
	return nil
}

// rollback compensates already-applied steps in reverse order. failedIdx
// is the index of the step that failed; everything before it succeeded.
func (e *Engine) rollback(ctx context.Context, conn *cloud.Connection, p *plan.Plan, r *Result, failedIdx int) {
	var manual []string
	for i := failedIdx - 1; i >= 0; i-- {
		st := &p.Steps[i]
		out := &r.Steps[i]
		if st.CompensatingAction == "" {
			manual = append(manual, fmt.Sprintf("step %d (%s) has no compensating action", st.Order, st.ActionID()))
			continue
		}
		failed := false
		for _, res := range st.Resources {
			if err := e.driver.Execute(ctx, conn, st.CompensatingAction, res, nil); err != nil {
				manual = append(manual, fmt.Sprintf("undo of step %d (%s on %s) failed: %v", st.Order, st.CompensatingAction, res, err))
				failed = true
			}
		}
		if !failed {
			out.Status = plan.StepRolledBack
			st.Status = plan.StepRolledBack
		}
	}
	if len(manual) == 0 {
		r.Status = StatusRolledBack
		r.RollbackExecuted = true
		r.Error = fmt.Sprintf("step %d failed; all applied steps rolled back", p.Steps[failedIdx].Order)
		return
	}
	r.Status = StatusPartial
	r.RollbackExecuted = true
	r.Error = fmt.Sprintf("step %d failed; rollback incomplete, manual intervention required: %s",
		p.Steps[failedIdx].Order, strings.Join(manual, "; "))
}

func (e *Engine) recordTerminal(ctx context.Context, conn *cloud.Connection, p *plan.Plan, r *Result) {
	evType := audit.EventExecutionCompleted
	result := audit.ResultSuccess
	if r.Status != StatusCompleted {
		evType = audit.EventExecutionFailed
		result = audit.ResultFailure
	}
	steps := make([]map[string]interface{}, len(r.Steps))
	applied := 0
	for i, out := range r.Steps {
		steps[i] = map[string]interface{}{
			"order":    out.Order,
			"action":   out.Action,
			"status":   string(out.Status),
			"attempts": out.Attempts,
		}
		if out.Status == plan.StepSucceeded {
			applied++
		}
	}
	if _, err := e.log.Record(ctx, audit.Event{
		Type:         evType,
		Result:       result,
		ConnectionID: conn.ID,
		Action:       audit.ActionRef{PlanID: p.PlanID},
		Impact:       &audit.Impact{ResourceCount: applied, CostChange: p.Summary.EstimatedCostImpact},
		Error:        r.Error,
		Metadata: map[string]interface{}{
			"execution_id": r.ExecutionID,
			"status":       string(r.Status),
			"rollback":     r.RollbackExecuted,
			"steps":        steps,
		},
	}); err != nil {
		e.logger.Error("audit write failed for terminal status", "error", err)
	}
}

func (e *Engine) deny(ctx context.Context, conn *cloud.Connection, p *plan.Plan, cause error) {
	if _, err := e.log.Record(ctx, audit.Event{
		Type:         audit.EventPermissionDenied,
		Result:       audit.ResultBlocked,
		ConnectionID: conn.ID,
		Action:       audit.ActionRef{PlanID: p.PlanID},
		Error:        cause.Error(),
	}); err != nil {
		e.logger.Error("audit write failed for denial", "error", err)
	}
}

func (e *Engine) acquire(connectionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy[connectionID] {
		return ErrExecutionBusy
	}
	e.busy[connectionID] = true
	return nil
}

func (e *Engine) release(connectionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.busy, connectionID)
}
