package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stackpilot/core/pkg/canonicalize"
)

// Bundle is an exportable, self-verifying run of chain entries,
// typically handed to an external auditor or archived off-box.
type Bundle struct {
	BundleID      string    `json:"bundle_id"`
	Version       string    `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	StartPosition uint64    `json:"start_position"`
	EndPosition   uint64    `json:"end_position"`
	EntryCount    int       `json:"entry_count"`
	Entries       []*Entry  `json:"entries"`
	ChainHead     string    `json:"chain_head"`
	BundleHash    string    `json:"bundle_hash"`
}

// Sink receives exported bundles (e.g. an S3 prefix).
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Export packages the contiguous run [start, end] as a bundle with its
// own canonical hash.
func (l *Log) Export(ctx context.Context, start, end uint64) (*Bundle, error) {
	if start == 0 {
		start = 1
	}
	if end == 0 {
		end = l.Position()
	}
	entries, err := l.store.Range(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries in [%d, %d]", ErrEntryNotFound, start, end)
	}

	b := &Bundle{
		BundleID:      uuid.New().String(),
		Version:       "1.0.0",
		CreatedAt:     l.clock().UTC(),
		StartPosition: entries[0].ChainPosition,
		EndPosition:   entries[len(entries)-1].ChainPosition,
		EntryCount:    len(entries),
		Entries:       entries,
		ChainHead:     entries[len(entries)-1].EntryHash,
	}
	hash, err := canonicalize.Hash(b.Entries)
	if err != nil {
		return nil, fmt.Errorf("audit: bundle hash: %w", err)
	}
	b.BundleHash = hash
	return b, nil
}

// Upload serializes a bundle and writes it to the sink keyed by its
// position range.
func Upload(ctx context.Context, sink Sink, b *Bundle) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("audit: marshal bundle: %w", err)
	}
	key := fmt.Sprintf("audit-bundles/%d-%d-%s.json", b.StartPosition, b.EndPosition, b.BundleID)
	if err := sink.Put(ctx, key, data); err != nil {
		return fmt.Errorf("audit: upload bundle: %w", err)
	}
	return nil
}

// VerifyBundle checks a bundle's internal chain and hash.
func VerifyBundle(b *Bundle) error {
	if len(b.Entries) == 0 {
		return fmt.Errorf("audit: bundle is empty")
	}
	hash, err := canonicalize.Hash(b.Entries)
	if err != nil {
		return err
	}
	if hash != b.BundleHash {
		return fmt.Errorf("%w: bundle hash mismatch", ErrChainBroken)
	}
	for i := 1; i < len(b.Entries); i++ {
		if b.Entries[i].PrevHash != b.Entries[i-1].EntryHash {
			return fmt.Errorf("%w: bundle link broken at position %d", ErrChainBroken, b.Entries[i].ChainPosition)
		}
	}
	return nil
}
