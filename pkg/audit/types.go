// Package audit implements the append-only, hash-chained audit log.
// Every security-relevant state transition in the system lands here:
// parses, plans, approvals, executions, refusals, kill-switch flips.
// The ledger records refusals as rigorously as successes.
package audit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrChainBroken   = errors.New("audit hash chain is broken")
	ErrEntryNotFound = errors.New("audit entry not found")
	ErrBadRange      = errors.New("invalid verification range")
)

// GenesisSeed is the fixed prev-hash of the first chain entry.
const GenesisSeed = "stackpilot-genesis"

// EventType categorizes audit events.
type EventType string

const (
	EventConnectionCreated   EventType = "connection_created"
	EventConnectionDeleted   EventType = "connection_deleted"
	EventIntentParsed        EventType = "intent_parsed"
	EventPlanGenerated       EventType = "plan_generated"
	EventPlanApproved        EventType = "plan_approved"
	EventPlanRejected        EventType = "plan_rejected"
	EventSimulationExecuted  EventType = "simulation_executed"
	EventExecutionStarted    EventType = "execution_started"
	EventExecutionCompleted  EventType = "execution_completed"
	EventExecutionFailed     EventType = "execution_failed"
	EventKillSwitchActivated EventType = "kill_switch_activated"
	EventKillSwitchCleared   EventType = "kill_switch_cleared"
	EventPermissionDenied    EventType = "permission_denied"
)

// Result is the outcome category of an audited event.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultBlocked Result = "blocked"
	ResultPending Result = "pending"
)

// ActionRef identifies what the event acted on.
type ActionRef struct {
	Service   string `json:"service,omitempty"`
	Operation string `json:"operation,omitempty"`
	PlanID    string `json:"plan_id,omitempty"`
}

// Impact summarizes the blast radius of the audited event.
type Impact struct {
	ResourceCount int     `json:"resource_count"`
	CostChange    float64 `json:"cost_change"`
}

// Event is the caller-supplied part of an audit entry.
type Event struct {
	Type         EventType              `json:"event_type"`
	Result       Result                 `json:"result"`
	ConnectionID string                 `json:"connection_id,omitempty"`
	Action       ActionRef              `json:"action"`
	Impact       *Impact                `json:"impact,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Entry is one immutable link in the chain.
type Entry struct {
	EntryID       string    `json:"entry_id"`
	ChainPosition uint64    `json:"chain_position"`
	Timestamp     time.Time `json:"timestamp"`
	Event
	PrevHash  string `json:"prev_hash"`
	EntryHash string `json:"entry_hash"`
}

// Anchor is a periodic checkpoint over a contiguous run of entries.
// Verification can resume from an anchor instead of replaying from
// genesis.
type Anchor struct {
	AnchorID      string    `json:"anchor_id"`
	AnchorHash    string    `json:"anchor_hash"`
	StartPosition uint64    `json:"start_position"`
	EndPosition   uint64    `json:"end_position"`
	EntryCount    int       `json:"entry_count"`
	CreatedAt     time.Time `json:"created_at"`
	Signature     string    `json:"signature,omitempty"`
	PublicKey     string    `json:"public_key,omitempty"`
}

// Filter selects entries for queries.
type Filter struct {
	ConnectionID string
	EventType    EventType
	StartDate    *time.Time
	EndDate      *time.Time
	Limit        int
	Offset       int
}

// Store is the durable persistence behind the Log. Implementations must
// preserve insertion order by ChainPosition and never mutate stored
// entries.
type Store interface {
	AppendEntry(ctx context.Context, e *Entry) error
	Last(ctx context.Context) (*Entry, error) // nil, nil when empty
	Range(ctx context.Context, start, end uint64) ([]*Entry, error)
	Query(ctx context.Context, f Filter) ([]*Entry, int, error)
	Count(ctx context.Context) (uint64, error)
	SaveAnchor(ctx context.Context, a *Anchor) error
	LatestAnchor(ctx context.Context) (*Anchor, error)
	FirstAnchor(ctx context.Context) (*Anchor, error)
	AnchorCount(ctx context.Context) (int, error)
}

// Recorder is what event producers depend on. *Log satisfies it.
type Recorder interface {
	Record(ctx context.Context, ev Event) (*Entry, error)
}

// VerifyResult reports the outcome of a chain verification pass.
type VerifyResult struct {
	Valid          bool    `json:"valid"`
	BrokenAt       *uint64 `json:"broken_at,omitempty"`
	EntriesChecked int     `json:"entries_checked"`
}

// AnchorStatus is the anchoring state exposed over the API.
type AnchorStatus struct {
	Latest        *Anchor `json:"latest_anchor,omitempty"`
	RootOfTrust   *Anchor `json:"root_of_trust,omitempty"`
	AnchorCount   int     `json:"anchor_count"`
	ChainPosition uint64  `json:"chain_position"`
}
