// Package approval gates plan execution behind explicit, time-boxed
// consent. A token is signed, bound 1:1 to (planId, connectionId,
// dslHash), and single use. Approval is a state transition, not a
// counter: re-approving an unexpired plan returns the existing token.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stackpilot/core/pkg/audit"
	"github.com/stackpilot/core/pkg/cloud"
	"github.com/stackpilot/core/pkg/killswitch"
	"github.com/stackpilot/core/pkg/plan"
	"github.com/stackpilot/core/pkg/registry"
	"github.com/stackpilot/core/pkg/risk"
)

// DefaultTTL caps a token's life. The effective expiry is the earlier
// of this and the plan's own expiry.
const DefaultTTL = 5 * time.Minute

var (
	ErrPlanExpired        = errors.New("approval: plan has expired")
	ErrWrongConnection    = errors.New("approval: plan belongs to a different connection")
	ErrSimulationRequired = errors.New("approval: a passing simulation is required for this risk tier")
	ErrSimulationStale    = errors.New("approval: simulation does not match the current plan")
	ErrSimulationFailed   = errors.New("approval: simulation did not clear the plan for promotion")
	ErrTokenInvalid       = errors.New("approval: token is invalid")
	ErrTokenMismatch      = errors.New("approval: token is bound to a different plan or connection")
	ErrTokenConsumed      = errors.New("approval: token was already used")
)

// Claims is the token payload. Subject carries the plan ID.
type Claims struct {
	jwt.RegisteredClaims
	ConnectionID string `json:"cid"`
	DSLHash      string `json:"dsl"`
}

// Service mints and validates approval tokens.
type Service struct {
	secret []byte
	store  registry.Store
	kill   *killswitch.Switch
	log    audit.Recorder
	ttl    time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

type Option func(*Service)

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(secret []byte, store registry.Store, kill *killswitch.Switch, log audit.Recorder, opts ...Option) *Service {
	s := &Service{
		secret: secret,
		store:  store,
		kill:   kill,
		log:    log,
		ttl:    DefaultTTL,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Approve validates the plan's preconditions and mints a token. A
// second call for the same unexpired, unconsumed plan returns the
// existing record unchanged. Every refusal lands in the audit log as
// plan_rejected before the error returns.
func (s *Service) Approve(ctx context.Context, conn *cloud.Connection, planID string) (*registry.ApprovalRecord, error) {
	now := s.clock().UTC()

	p, err := s.store.Plan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p.ConnectionID != conn.ID {
		return nil, s.reject(ctx, conn, p, ErrWrongConnection)
	}

	if err := s.kill.CheckWritable(ctx); err != nil {
		return nil, s.reject(ctx, conn, p, err)
	}
	if err := s.kill.Check(ctx, killswitch.Target{CustomerID: conn.CustomerID, ConnectionID: conn.ID}); err != nil {
		return nil, s.reject(ctx, conn, p, err)
	}
	if p.Expired(now) {
		return nil, s.reject(ctx, conn, p, ErrPlanExpired)
	}

	// Idempotent re-approval.
	if existing, err := s.store.Approval(ctx, planID); err == nil {
		if !existing.Consumed && now.Before(existing.ExpiresAt) {
			return existing, nil
		}
	} else if !errors.Is(err, registry.ErrApprovalNotFound) {
		return nil, err
	}

	if err := s.checkSimulation(ctx, p); err != nil {
		return nil, s.reject(ctx, conn, p, err)
	}

	expiresAt := now.Add(s.ttl)
	if p.ExpiresAt.Before(expiresAt) {
		expiresAt = p.ExpiresAt
	}
	rec := &registry.ApprovalRecord{
		TokenID:      uuid.NewString(),
		PlanID:       p.PlanID,
		ConnectionID: conn.ID,
		DSLHash:      p.DSLHash,
		IssuedAt:     now,
		ExpiresAt:    expiresAt,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        rec.TokenID,
			Subject:   p.PlanID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ConnectionID: conn.ID,
		DSLHash:      p.DSLHash,
	})
	rec.Token, err = token.SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("approval: sign token: %w", err)
	}
	if err := s.store.SaveApproval(ctx, rec); err != nil {
		return nil, err
	}

	if _, err := s.log.Record(ctx, audit.Event{
		Type:         audit.EventPlanApproved,
		Result:       audit.ResultSuccess,
		ConnectionID: conn.ID,
		Action:       audit.ActionRef{PlanID: p.PlanID},
		Metadata: map[string]interface{}{
			"token_id":   rec.TokenID,
			"dsl_hash":   p.DSLHash,
			"expires_at": rec.ExpiresAt,
		},
	}); err != nil {
		return nil, fmt.Errorf("approval: record: %w", err)
	}

	s.logger.Info("plan approved",
		"plan_id", p.PlanID,
		"token_id", rec.TokenID,
		"expires_at", rec.ExpiresAt)
	return rec, nil
}

// checkSimulation enforces the simulation mandate for high and
// critical plans. The simulation must cover this exact dslHash.
func (s *Service) checkSimulation(ctx context.Context, p *plan.Plan) error {
	tier := p.Summary.RiskLevel
	if tier != risk.LevelHigh && tier != risk.LevelCritical {
		return nil
	}
	sim, err := s.store.Simulation(ctx, p.PlanID)
	if errors.Is(err, registry.ErrSimulationNotFound) {
		return ErrSimulationRequired
	}
	if err != nil {
		return err
	}
	if sim.DSLHash != p.DSLHash {
		return ErrSimulationStale
	}
	if !sim.Passed() {
		return ErrSimulationFailed
	}
	return nil
}

// Consume validates the token against the plan being executed and
// marks it used. It is called exactly once per execution start; plan
// expiry dominates token expiry.
func (s *Service) Consume(ctx context.Context, tokenStr string, p *plan.Plan, connectionID string) (*Claims, error) {
	now := s.clock().UTC()

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.Subject != p.PlanID || claims.ConnectionID != connectionID {
		return nil, ErrTokenMismatch
	}
	if claims.DSLHash != p.DSLHash {
		return nil, fmt.Errorf("%w: dsl hash changed since approval", ErrTokenMismatch)
	}
	if p.Expired(now) {
		return nil, ErrPlanExpired
	}

	err = s.store.ConsumeApproval(ctx, p.PlanID, claims.ID, now)
	if errors.Is(err, registry.ErrApprovalConsumed) {
		return nil, ErrTokenConsumed
	}
	if errors.Is(err, registry.ErrApprovalNotFound) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Service) reject(ctx context.Context, conn *cloud.Connection, p *plan.Plan, cause error) error {
	if _, err := s.log.Record(ctx, audit.Event{
		Type:         audit.EventPlanRejected,
		Result:       audit.ResultBlocked,
		ConnectionID: conn.ID,
		Action:       audit.ActionRef{PlanID: p.PlanID},
		Error:        cause.Error(),
	}); err != nil {
		s.logger.Error("audit write failed for rejection", "error", err)
	}
	return cause
}
