package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stackpilot/core/pkg/plan"
	"github.com/stackpilot/core/pkg/simulation"
)

// SQLStore persists registry state with database/sql. Records are
// stored as JSON payloads; only the columns the queries need are
// broken out. Placeholders use the $n form, which both SQLite and
// Postgres accept.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an existing handle, typically the same database
// that holds the audit chain.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS registry_plans (
	plan_id TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS registry_simulations (
	plan_id TEXT PRIMARY KEY,
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS registry_approvals (
	plan_id TEXT PRIMARY KEY,
	token_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	consumed INTEGER NOT NULL DEFAULT 0,
	consumed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_registry_plans_expiry ON registry_plans (expires_at);
`

// Init creates the schema if missing.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("registry: init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) SavePlan(ctx context.Context, p *plan.Plan) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("registry: marshal plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO registry_plans (plan_id, connection_id, payload, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (plan_id) DO UPDATE SET payload = $3, expires_at = $4`,
		p.PlanID, p.ConnectionID, string(payload), p.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("registry: save plan: %w", err)
	}
	return nil
}

func (s *SQLStore) Plan(ctx context.Context, planID string) (*plan.Plan, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM registry_plans WHERE plan_id = $1`, planID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: load plan: %w", err)
	}
	var p plan.Plan
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("registry: decode plan: %w", err)
	}
	return &p, nil
}

func (s *SQLStore) SaveSimulation(ctx context.Context, r *simulation.Result) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("registry: marshal simulation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO registry_simulations (plan_id, payload)
		VALUES ($1, $2)
		ON CONFLICT (plan_id) DO UPDATE SET payload = $2`,
		r.PlanID, string(payload))
	if err != nil {
		return fmt.Errorf("registry: save simulation: %w", err)
	}
	return nil
}

func (s *SQLStore) Simulation(ctx context.Context, planID string) (*simulation.Result, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM registry_simulations WHERE plan_id = $1`, planID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSimulationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: load simulation: %w", err)
	}
	var r simulation.Result
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("registry: decode simulation: %w", err)
	}
	return &r, nil
}

func (s *SQLStore) SaveApproval(ctx context.Context, rec *ApprovalRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: marshal approval: %w", err)
	}
	consumed := 0
	if rec.Consumed {
		consumed = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO registry_approvals (plan_id, token_id, payload, consumed, consumed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (plan_id) DO UPDATE SET token_id = $2, payload = $3, consumed = $4, consumed_at = $5`,
		rec.PlanID, rec.TokenID, string(payload), consumed, nullTime(rec.ConsumedAt))
	if err != nil {
		return fmt.Errorf("registry: save approval: %w", err)
	}
	return nil
}

func (s *SQLStore) Approval(ctx context.Context, planID string) (*ApprovalRecord, error) {
	var payload string
	var consumed int
	var consumedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, consumed, consumed_at FROM registry_approvals WHERE plan_id = $1`,
		planID).Scan(&payload, &consumed, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrApprovalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: load approval: %w", err)
	}
	var rec ApprovalRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("registry: decode approval: %w", err)
	}
	// The consumption columns are authoritative: ConsumeApproval
	// flips them without rewriting the payload.
	rec.Consumed = consumed != 0
	if consumedAt.Valid {
		t := consumedAt.Time.UTC()
		rec.ConsumedAt = &t
	}
	return &rec, nil
}

func (s *SQLStore) ConsumeApproval(ctx context.Context, planID, tokenID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE registry_approvals SET consumed = 1, consumed_at = $1
		WHERE plan_id = $2 AND token_id = $3 AND consumed = 0`,
		at.UTC(), planID, tokenID)
	if err != nil {
		return fmt.Errorf("registry: consume approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: consume approval: %w", err)
	}
	if n == 1 {
		return nil
	}
	// Distinguish "already used" from "never issued".
	var consumed int
	err = s.db.QueryRowContext(ctx,
		`SELECT consumed FROM registry_approvals WHERE plan_id = $1 AND token_id = $2`,
		planID, tokenID).Scan(&consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrApprovalNotFound
	}
	if err != nil {
		return fmt.Errorf("registry: consume approval: %w", err)
	}
	return ErrApprovalConsumed
}

func (s *SQLStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT plan_id FROM registry_plans WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("registry: purge scan: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("registry: purge scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("registry: purge scan: %w", err)
	}
	_ = rows.Close()

	for _, id := range ids {
		for _, q := range []string{
			`DELETE FROM registry_approvals WHERE plan_id = $1`,
			`DELETE FROM registry_simulations WHERE plan_id = $1`,
			`DELETE FROM registry_plans WHERE plan_id = $1`,
		} {
			if _, err := s.db.ExecContext(ctx, q, id); err != nil {
				return 0, fmt.Errorf("registry: purge: %w", err)
			}
		}
	}
	return len(ids), nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

var _ Store = (*SQLStore)(nil)
