// Package killswitch implements the hierarchical emergency stop.
// Scopes are checked as an ordered OR: global, then customer, then
// service, then connection; any active scope blocks the operation.
// The switch is an injected service, never a package singleton, so
// tests construct independent instances.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stackpilot/core/pkg/audit"
)

// Scope identifies a level of the kill-switch hierarchy.
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopeCustomer   Scope = "customer"
	ScopeService    Scope = "service"
	ScopeConnection Scope = "connection"
)

// scopeOrder is the check order: widest blast radius first.
var scopeOrder = []Scope{ScopeGlobal, ScopeCustomer, ScopeService, ScopeConnection}

var (
	ErrActive       = errors.New("kill switch is active")
	ErrReadOnlyMode = errors.New("read-only mode is active")
	ErrInvalidScope = errors.New("invalid kill switch scope")
)

// Activation is one tripped switch.
type Activation struct {
	Scope       Scope     `json:"scope"`
	ID          string    `json:"id,omitempty"` // empty for global scope
	Reason      string    `json:"reason,omitempty"`
	ActivatedAt time.Time `json:"activated_at"`
	ActivatedBy string    `json:"activated_by,omitempty"`
}

// Target names the scopes relevant to one operation.
type Target struct {
	CustomerID   string
	Service      string
	ConnectionID string
}

// Store holds switch state. Implementations must make writes visible to
// all readers immediately (no caching beyond a single round trip).
type Store interface {
	Set(ctx context.Context, a Activation) error
	Delete(ctx context.Context, scope Scope, id string) error
	Get(ctx context.Context, scope Scope, id string) (*Activation, error) // nil, nil when inactive
	List(ctx context.Context) ([]Activation, error)
	SetReadOnly(ctx context.Context, on bool) error
	ReadOnly(ctx context.Context) (bool, error)
}

// Switch is the kill-switch service.
type Switch struct {
	store  Store
	log    audit.Recorder
	clock  func() time.Time
	logger *slog.Logger
}

// New creates a Switch on the given store.
func New(store Store, log audit.Recorder, logger *slog.Logger) *Switch {
	if logger == nil {
		logger = slog.Default()
	}
	return &Switch{store: store, log: log, clock: time.Now, logger: logger}
}

// WithClock overrides the clock for testing.
func (s *Switch) WithClock(clock func() time.Time) *Switch {
	s.clock = clock
	return s
}

// Activate trips a switch at a scope. Non-global scopes require an ID.
func (s *Switch) Activate(ctx context.Context, scope Scope, id, reason, actor string) error {
	if err := validScope(scope, id); err != nil {
		return err
	}
	a := Activation{
		Scope:       scope,
		ID:          id,
		Reason:      reason,
		ActivatedAt: s.clock().UTC(),
		ActivatedBy: actor,
	}
	if err := s.store.Set(ctx, a); err != nil {
		return fmt.Errorf("killswitch: activate: %w", err)
	}
	s.logger.Warn("kill switch activated", "scope", string(scope), "id", id, "reason", reason)
	if s.log != nil {
		if _, err := s.log.Record(ctx, audit.Event{
			Type:   audit.EventKillSwitchActivated,
			Result: audit.ResultSuccess,
			Metadata: map[string]interface{}{
				"scope":  string(scope),
				"id":     id,
				"reason": reason,
				"actor":  actor,
			},
		}); err != nil {
			s.logger.Error("audit write failed for activation", "error", err)
		}
	}
	return nil
}

// Clear releases a tripped switch.
func (s *Switch) Clear(ctx context.Context, scope Scope, id string) error {
	if err := validScope(scope, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, scope, id); err != nil {
		return fmt.Errorf("killswitch: clear: %w", err)
	}
	s.logger.Info("kill switch cleared", "scope", string(scope), "id", id)
	if s.log != nil {
		if _, err := s.log.Record(ctx, audit.Event{
			Type:   audit.EventKillSwitchCleared,
			Result: audit.ResultSuccess,
			Metadata: map[string]interface{}{
				"scope": string(scope),
				"id":    id,
			},
		}); err != nil {
			s.logger.Error("audit write failed for clearing", "error", err)
		}
	}
	return nil
}

// Check evaluates all scopes relevant to the target and fails on the
// first active one. Callers on the execution path re-check before every
// step, not just at start.
func (s *Switch) Check(ctx context.Context, t Target) error {
	for _, scope := range scopeOrder {
		id := ""
		switch scope {
		case ScopeCustomer:
			id = t.CustomerID
		case ScopeService:
			id = t.Service
		case ScopeConnection:
			id = t.ConnectionID
		}
		if scope != ScopeGlobal && id == "" {
			continue
		}
		a, err := s.store.Get(ctx, scope, id)
		if err != nil {
			// Fail closed: if switch state is unreadable, block.
			return fmt.Errorf("%w: state unreadable for scope %s: %v", ErrActive, scope, err)
		}
		if a != nil {
			return fmt.Errorf("%w: scope %s%s (%s)", ErrActive, scope, idSuffix(id), a.Reason)
		}
	}
	return nil
}

// SetReadOnly toggles read-only mode: parsing, planning, and simulation
// stay available; approval and execution are refused.
func (s *Switch) SetReadOnly(ctx context.Context, on bool, reason, actor string) error {
	if err := s.store.SetReadOnly(ctx, on); err != nil {
		return fmt.Errorf("killswitch: set read-only: %w", err)
	}
	s.logger.Warn("read-only mode changed", "on", on, "reason", reason)
	if s.log != nil {
		evType := audit.EventKillSwitchActivated
		if !on {
			evType = audit.EventKillSwitchCleared
		}
		if _, err := s.log.Record(ctx, audit.Event{
			Type:   evType,
			Result: audit.ResultSuccess,
			Metadata: map[string]interface{}{
				"scope":  "read_only",
				"on":     on,
				"reason": reason,
				"actor":  actor,
			},
		}); err != nil {
			s.logger.Error("audit write failed for read-only change", "error", err)
		}
	}
	return nil
}

// CheckWritable fails if read-only mode is on. Approval and execution
// call this in addition to Check.
func (s *Switch) CheckWritable(ctx context.Context) error {
	on, err := s.store.ReadOnly(ctx)
	if err != nil {
		return fmt.Errorf("%w: read-only state unreadable: %v", ErrReadOnlyMode, err)
	}
	if on {
		return ErrReadOnlyMode
	}
	return nil
}

// State reports all active switches and the read-only flag.
func (s *Switch) State(ctx context.Context) ([]Activation, bool, error) {
	list, err := s.store.List(ctx)
	if err != nil {
		return nil, false, err
	}
	ro, err := s.store.ReadOnly(ctx)
	if err != nil {
		return nil, false, err
	}
	return list, ro, nil
}

func validScope(scope Scope, id string) error {
	switch scope {
	case ScopeGlobal:
		return nil
	case ScopeCustomer, ScopeService, ScopeConnection:
		if id == "" {
			return fmt.Errorf("%w: scope %s requires an id", ErrInvalidScope, scope)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
}

func idSuffix(id string) string {
	if id == "" {
		return ""
	}
	return "/" + id
}
