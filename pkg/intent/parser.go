// Package intent turns natural language requests into canonical
// actions from the permission catalog. The parser never guesses: low
// confidence, unknown actions, and banned operations all block.
package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stackpilot/core/pkg/audit"
	"github.com/stackpilot/core/pkg/boundary"
	"github.com/stackpilot/core/pkg/cloud"
	"github.com/stackpilot/core/pkg/risk"
)

// DefaultConfidenceThreshold is the classifier confidence below which
// an intent is blocked and the caller is asked to rephrase.
const DefaultConfidenceThreshold = 0.6

var ErrEmptyRequest = errors.New("intent: empty request")

// ParsedIntent is the structured interpretation of a natural language
// request. A blocked intent carries the reason and never advances to
// plan generation.
type ParsedIntent struct {
	IntentID          string        `json:"intent_id"`
	ConnectionID      string        `json:"connection_id"`
	OriginalRequest   string        `json:"original_request"`
	InterpretedAction string        `json:"interpreted_action,omitempty"`
	Confidence        float64       `json:"confidence"`
	Entities          Entities      `json:"entities"`
	RiskLevel         risk.Level    `json:"risk_level,omitempty"`
	SuggestedAction   string        `json:"suggested_action,omitempty"`
	Warnings          []string      `json:"warnings,omitempty"`
	Blocked           bool          `json:"blocked"`
	BlockReason       string        `json:"block_reason,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Parser resolves free text to a canonical action inside the
// permission boundary. Anything it cannot resolve with confidence is
// blocked rather than guessed.
type Parser struct {
	classifier Classifier
	boundary   *boundary.Boundary
	policy     risk.Policy
	log        audit.Recorder
	threshold  float64
	clock      func() time.Time
	logger     *slog.Logger
}

type ParserOption func(*Parser)

func WithConfidenceThreshold(t float64) ParserOption {
	return func(p *Parser) { p.threshold = t }
}

func WithParserClock(clock func() time.Time) ParserOption {
	return func(p *Parser) { p.clock = clock }
}

func WithParserLogger(l *slog.Logger) ParserOption {
	return func(p *Parser) { p.logger = l }
}

func NewParser(c Classifier, b *boundary.Boundary, policy risk.Policy, log audit.Recorder, opts ...ParserOption) *Parser {
	p := &Parser{
		classifier: c,
		boundary:   b,
		policy:     policy,
		log:        log,
		threshold:  DefaultConfidenceThreshold,
		clock:      time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse interprets text against the connection's boundary. A nil
// connection scopes nothing: catalog and confidence rules still apply,
// the grant check is skipped. It returns a ParsedIntent even when the
// intent is blocked; the error return is reserved for infrastructure
// failures (classifier or audit).
func (p *Parser) Parse(ctx context.Context, conn *cloud.Connection, actor, text string) (*ParsedIntent, error) {
	if text == "" {
		return nil, ErrEmptyRequest
	}

	ents, err := p.classifier.Classify(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("intent: classify: %w", err)
	}

	connID, customerID := "", ""
	if conn != nil {
		connID, customerID = conn.ID, conn.CustomerID
	}
	pi := &ParsedIntent{
		IntentID:        uuid.NewString(),
		ConnectionID:    connID,
		OriginalRequest: text,
		Confidence:      ents.Confidence,
		Entities:        ents,
		CreatedAt:       p.clock().UTC(),
	}

	actionID := ents.Service + ":" + ents.Action
	p.resolve(pi, conn, actionID)

	result := audit.ResultSuccess
	if pi.Blocked {
		result = audit.ResultBlocked
	}
	event := audit.Event{
		Type:         audit.EventIntentParsed,
		Result:       result,
		ConnectionID: connID,
		Action:       audit.ActionRef{Service: ents.Service, Operation: ents.Action},
		Error:        pi.BlockReason,
		Metadata: map[string]interface{}{
			"intent_id":  pi.IntentID,
			"actor":      actor,
			"customer":   customerID,
			"confidence": pi.Confidence,
		},
	}
	if _, err := p.log.Record(ctx, event); err != nil {
		return nil, fmt.Errorf("intent: record: %w", err)
	}

	p.logger.Info("intent parsed",
		"intent_id", pi.IntentID,
		"action", pi.InterpretedAction,
		"confidence", pi.Confidence,
		"blocked", pi.Blocked)
	return pi, nil
}

// assessRisk scores the intent from the recognized entities. When the
// action resolves in the catalog its attributes drive the score;
// otherwise only the blast radius is known.
func (p *Parser) assessRisk(pi *ParsedIntent, actionID string) {
	f := risk.Factors{
		Reversible:    true,
		ResourceCount: len(pi.Entities.Resources),
	}
	if action, ok := p.boundary.Lookup(actionID); ok {
		f.Reversible = action.Reversible
		f.Downtime = action.Downtime
		f.DataLoss = action.DataLoss
	}
	pi.RiskLevel = risk.LevelFor(p.policy.Score(f))
}

// resolve applies the blocking rules in precedence order. A banned
// action blocks unconditionally, before the confidence check, so a
// high-confidence match on a banned operation never reads as "almost
// allowed".
func (p *Parser) resolve(pi *ParsedIntent, conn *cloud.Connection, actionID string) {
	// Risk is assessed from whatever partial entities the classifier
	// recognized, before any gate fires, so blocked intents still
	// report a level.
	p.assessRisk(pi, actionID)

	if p.boundary.IsBanned(actionID) {
		pi.Blocked = true
		pi.BlockReason = fmt.Sprintf("action %q is banned and can never be executed", actionID)
		pi.SuggestedAction = p.safestAlternative(actionID)
		return
	}

	if pi.Confidence < p.threshold {
		pi.Blocked = true
		pi.BlockReason = fmt.Sprintf("confidence %.2f below threshold %.2f, please rephrase the request", pi.Confidence, p.threshold)
		return
	}

	action, ok := p.boundary.Lookup(actionID)
	if !ok {
		pi.Blocked = true
		pi.BlockReason = fmt.Sprintf("action %q is outside the permission boundary", actionID)
		return
	}
	pi.InterpretedAction = action.ID

	if !p.boundary.ServiceAllowed(action.Service) {
		pi.Blocked = true
		pi.BlockReason = fmt.Sprintf("service %q is not enabled in the catalog", action.Service)
		return
	}
	if conn != nil && !conn.Allows(action.ID) {
		pi.Blocked = true
		pi.BlockReason = fmt.Sprintf("connection %s does not grant %q", conn.ID, action.ID)
		return
	}

	if !action.Reversible {
		pi.Warnings = append(pi.Warnings, fmt.Sprintf("%q cannot be undone", action.ID))
	}
	if action.Downtime {
		pi.Warnings = append(pi.Warnings, fmt.Sprintf("%q causes downtime on affected resources", action.ID))
	}
	if len(pi.Entities.Resources) == 0 {
		pi.Warnings = append(pi.Warnings, "no explicit resources named, plan generation will resolve matching resources")
	}
}

// safestAlternative proposes a reversible action in the same service,
// when one exists.
func (p *Parser) safestAlternative(bannedID string) string {
	svc, _, ok := strings.Cut(bannedID, ":")
	if !ok {
		return ""
	}
	for _, a := range p.boundary.Actions() {
		if a.Service == svc && a.Reversible {
			return a.ID
		}
	}
	return ""
}
