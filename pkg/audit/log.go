package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackpilot/core/pkg/canonicalize"
)

// Log is the hash-chained audit ledger. Appends across all connections
// are strictly ordered: a single mutex guards the read-last-hash,
// compute-next-hash, persist sequence, so two entries can never claim
// the same prev hash.
type Log struct {
	mu          sync.Mutex
	store       Store
	position    uint64
	head        string
	anchorEvery uint64
	anchoredTo  uint64 // last position covered by an anchor
	keyring     *Keyring
	clock       func() time.Time
	logger      *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithAnchorInterval sets how many entries each anchor covers.
func WithAnchorInterval(n uint64) Option {
	return func(l *Log) {
		if n > 0 {
			l.anchorEvery = n
		}
	}
}

// WithKeyring sets the anchor-signing keyring.
func WithKeyring(k *Keyring) Option {
	return func(l *Log) { l.keyring = k }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Log) { l.logger = lg }
}

// Open attaches a Log to a store, recovering the chain head and
// position from the last persisted entry so the chain continues across
// process restarts.
func Open(ctx context.Context, store Store, opts ...Option) (*Log, error) {
	l := &Log{
		store:       store,
		head:        GenesisSeed,
		anchorEvery: 32,
		clock:       time.Now,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}

	last, err := store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: recover chain head: %w", err)
	}
	if last != nil {
		l.position = last.ChainPosition
		l.head = last.EntryHash
	}
	if latest, err := store.LatestAnchor(ctx); err == nil && latest != nil {
		l.anchoredTo = latest.EndPosition
	}
	return l, nil
}

// Record appends one entry for the event and returns it.
// The entry hash is H(prevHash || canonicalBytes(entry-sans-hash)), so
// the same logical event always hashes identically.
func (l *Log) Record(ctx context.Context, ev Event) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &Entry{
		EntryID:       uuid.New().String(),
		ChainPosition: l.position + 1,
		Timestamp:     l.clock().UTC(),
		Event:         ev,
		PrevHash:      l.head,
	}

	hash, err := entryHash(entry)
	if err != nil {
		return nil, fmt.Errorf("audit: hash entry: %w", err)
	}
	entry.EntryHash = hash

	if err := l.store.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("audit: persist entry: %w", err)
	}
	l.position = entry.ChainPosition
	l.head = entry.EntryHash

	l.logger.Debug("audit entry appended",
		"position", entry.ChainPosition,
		"event_type", string(ev.Type),
		"result", string(ev.Result))

	if l.position-l.anchoredTo >= l.anchorEvery {
		if err := l.anchorLocked(ctx); err != nil {
			// Anchoring failure must not lose the already-persisted
			// entry; the next append retries.
			l.logger.Error("audit anchor failed", "error", err)
		}
	}
	return entry, nil
}

// anchorLocked checkpoints the run (anchoredTo, position]. Caller holds l.mu.
func (l *Log) anchorLocked(ctx context.Context) error {
	start, end := l.anchoredTo+1, l.position
	entries, err := l.store.Range(ctx, start, end)
	if err != nil {
		return err
	}
	h := sha256.New()
	for _, e := range entries {
		h.Write([]byte(e.EntryHash))
	}
	anchor := &Anchor{
		AnchorID:      uuid.New().String(),
		AnchorHash:    "sha256:" + hex.EncodeToString(h.Sum(nil)),
		StartPosition: start,
		EndPosition:   end,
		EntryCount:    len(entries),
		CreatedAt:     l.clock().UTC(),
	}
	if l.keyring != nil {
		if err := l.keyring.SignAnchor(anchor); err != nil {
			return fmt.Errorf("sign anchor: %w", err)
		}
	}
	if err := l.store.SaveAnchor(ctx, anchor); err != nil {
		return err
	}
	l.anchoredTo = end
	l.logger.Info("audit chain anchored",
		"anchor_id", anchor.AnchorID,
		"start", start, "end", end)
	return nil
}

// entryHash computes the chained hash of an entry. EntryHash itself is
// excluded from the hashed representation.
func entryHash(e *Entry) (string, error) {
	hashable := struct {
		ChainPosition uint64                 `json:"chain_position"`
		Timestamp     time.Time              `json:"timestamp"`
		Type          EventType              `json:"event_type"`
		Result        Result                 `json:"result"`
		ConnectionID  string                 `json:"connection_id,omitempty"`
		Action        ActionRef              `json:"action"`
		Impact        *Impact                `json:"impact,omitempty"`
		Error         string                 `json:"error,omitempty"`
		Metadata      map[string]interface{} `json:"metadata,omitempty"`
	}{
		ChainPosition: e.ChainPosition,
		Timestamp:     e.Timestamp,
		Type:          e.Type,
		Result:        e.Result,
		ConnectionID:  e.ConnectionID,
		Action:        e.Action,
		Impact:        e.Impact,
		Error:         e.Error,
		Metadata:      e.Metadata,
	}
	canon, err := canonicalize.Canonical(hashable)
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(append([]byte(e.PrevHash), canon...)), nil
}

// Verify recomputes hashes over [start, end] and compares them with the
// stored chain. A zero start defaults to 1; a zero end defaults to the
// current chain position. The first divergent position is reported.
func (l *Log) Verify(ctx context.Context, start, end uint64) (VerifyResult, error) {
	l.mu.Lock()
	position := l.position
	l.mu.Unlock()

	// An empty chain has nothing to diverge; it is trivially valid.
	if position == 0 {
		return VerifyResult{Valid: true}, nil
	}
	if start == 0 {
		start = 1
	}
	if end == 0 {
		end = position
	}
	if end < start {
		return VerifyResult{}, fmt.Errorf("%w: start %d > end %d", ErrBadRange, start, end)
	}

	prev := GenesisSeed
	if start > 1 {
		before, err := l.store.Range(ctx, start-1, start-1)
		if err != nil {
			return VerifyResult{}, err
		}
		if len(before) != 1 {
			return VerifyResult{}, fmt.Errorf("%w: position %d", ErrEntryNotFound, start-1)
		}
		prev = before[0].EntryHash
	}

	entries, err := l.store.Range(ctx, start, end)
	if err != nil {
		return VerifyResult{}, err
	}

	checked := 0
	expect := start
	for _, e := range entries {
		checked++
		pos := e.ChainPosition
		if pos != expect {
			// A missing or duplicated position is a broken link too.
			return VerifyResult{Valid: false, BrokenAt: &expect, EntriesChecked: checked}, nil
		}
		if e.PrevHash != prev {
			return VerifyResult{Valid: false, BrokenAt: &pos, EntriesChecked: checked}, nil
		}
		recomputed, err := entryHash(e)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("audit: rehash position %d: %w", pos, err)
		}
		if recomputed != e.EntryHash {
			return VerifyResult{Valid: false, BrokenAt: &pos, EntriesChecked: checked}, nil
		}
		prev = e.EntryHash
		expect++
	}
	if uint64(checked) != end-start+1 {
		return VerifyResult{Valid: false, BrokenAt: &expect, EntriesChecked: checked}, nil
	}
	return VerifyResult{Valid: true, EntriesChecked: checked}, nil
}

// Query returns entries matching the filter plus the unpaginated total.
func (l *Log) Query(ctx context.Context, f Filter) ([]*Entry, int, error) {
	return l.store.Query(ctx, f)
}

// AnchorStatus reports the latest anchor, the root-of-trust anchor, and
// the chain position.
func (l *Log) AnchorStatus(ctx context.Context) (AnchorStatus, error) {
	l.mu.Lock()
	position := l.position
	l.mu.Unlock()

	latest, err := l.store.LatestAnchor(ctx)
	if err != nil {
		return AnchorStatus{}, err
	}
	first, err := l.store.FirstAnchor(ctx)
	if err != nil {
		return AnchorStatus{}, err
	}
	count, err := l.store.AnchorCount(ctx)
	if err != nil {
		return AnchorStatus{}, err
	}
	return AnchorStatus{
		Latest:        latest,
		RootOfTrust:   first,
		AnchorCount:   count,
		ChainPosition: position,
	}, nil
}

// Position returns the current chain position.
func (l *Log) Position() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.position
}

// Head returns the current chain head hash.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}
