package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func openTestLog(t *testing.T, opts ...Option) (*Log, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	opts = append(opts, WithClock(testClock()))
	l, err := Open(context.Background(), store, opts...)
	require.NoError(t, err)
	return l, store
}

func TestRecord_ChainsEntries(t *testing.T) {
	l, _ := openTestLog(t)
	ctx := context.Background()

	e1, err := l.Record(ctx, Event{Type: EventIntentParsed, Result: ResultSuccess, ConnectionID: "conn-1"})
	require.NoError(t, err)
	e2, err := l.Record(ctx, Event{Type: EventPlanGenerated, Result: ResultSuccess, ConnectionID: "conn-1"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.ChainPosition)
	assert.Equal(t, GenesisSeed, e1.PrevHash)
	assert.Equal(t, e1.EntryHash, e2.PrevHash)
	assert.Equal(t, e2.EntryHash, l.Head())
}

func TestRecord_SameLogicalEventHashesIdentically(t *testing.T) {
	ev := Event{
		Type: EventPlanGenerated, Result: ResultSuccess,
		ConnectionID: "conn-1",
		Action:       ActionRef{Service: "ec2", Operation: "stop_instances", PlanID: "plan-1"},
		Impact:       &Impact{ResourceCount: 3, CostChange: -135},
		Metadata:     map[string]interface{}{"b": 2, "a": 1},
	}
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e1 := &Entry{ChainPosition: 7, Timestamp: ts, Event: ev, PrevHash: "sha256:prev"}
	e2 := &Entry{ChainPosition: 7, Timestamp: ts, Event: ev, PrevHash: "sha256:prev"}

	h1, err := entryHash(e1)
	require.NoError(t, err)
	h2, err := entryHash(e2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestVerify_RoundTrip(t *testing.T) {
	l, _ := openTestLog(t)
	ctx := context.Background()

	const n = 25
	for i := 0; i < n; i++ {
		_, err := l.Record(ctx, Event{Type: EventIntentParsed, Result: ResultSuccess})
		require.NoError(t, err)
	}

	res, err := l.Verify(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Nil(t, res.BrokenAt)
	assert.Equal(t, n, res.EntriesChecked)
}

func TestVerify_ReportsFirstDivergence(t *testing.T) {
	l, store := openTestLog(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := l.Record(ctx, Event{Type: EventIntentParsed, Result: ResultSuccess})
		require.NoError(t, err)
	}

	store.Corrupt(4, func(e *Entry) { e.Error = "tampered" })

	res, err := l.Verify(ctx, 0, 0)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotNil(t, res.BrokenAt)
	assert.Equal(t, uint64(4), *res.BrokenAt)
}

func TestVerify_FromTrustedMidpoint(t *testing.T) {
	l, _ := openTestLog(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := l.Record(ctx, Event{Type: EventIntentParsed, Result: ResultSuccess})
		require.NoError(t, err)
	}

	res, err := l.Verify(ctx, 5, 8)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 4, res.EntriesChecked)
}

func TestVerify_BadRange(t *testing.T) {
	l, _ := openTestLog(t)
	_, err := l.Record(context.Background(), Event{Type: EventIntentParsed, Result: ResultSuccess})
	require.NoError(t, err)

	_, err = l.Verify(context.Background(), 5, 2)
	assert.ErrorIs(t, err, ErrBadRange)
}

func TestVerify_EmptyChainIsValid(t *testing.T) {
	l, _ := openTestLog(t)
	res, err := l.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Zero(t, res.EntriesChecked)
}

func TestAnchoring(t *testing.T) {
	provider, err := NewMemoryKeyProvider()
	require.NoError(t, err)
	l, _ := openTestLog(t, WithAnchorInterval(8), WithKeyring(NewKeyring(provider)))
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := l.Record(ctx, Event{Type: EventIntentParsed, Result: ResultSuccess})
		require.NoError(t, err)
	}

	status, err := l.AnchorStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.AnchorCount)
	require.NotNil(t, status.Latest)
	require.NotNil(t, status.RootOfTrust)
	assert.Equal(t, uint64(1), status.RootOfTrust.StartPosition)
	assert.Equal(t, uint64(8), status.RootOfTrust.EndPosition)
	assert.Equal(t, uint64(16), status.Latest.EndPosition)
	assert.Equal(t, uint64(20), status.ChainPosition)

	ok, err := VerifyAnchor(status.Latest)
	require.NoError(t, err)
	assert.True(t, ok)

	// A forged anchor fails verification.
	forged := *status.Latest
	forged.EntryCount++
	ok, err = VerifyAnchor(&forged)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpen_RecoversChainAcrossRestart(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	l1, err := Open(ctx, store, WithClock(testClock()))
	require.NoError(t, err)
	e1, err := l1.Record(ctx, Event{Type: EventIntentParsed, Result: ResultSuccess})
	require.NoError(t, err)

	// Same store, fresh process.
	l2, err := Open(ctx, store, WithClock(testClock()))
	require.NoError(t, err)
	assert.Equal(t, e1.EntryHash, l2.Head())

	e2, err := l2.Record(ctx, Event{Type: EventPlanGenerated, Result: ResultSuccess})
	require.NoError(t, err)
	assert.Equal(t, e1.EntryHash, e2.PrevHash)
	assert.Equal(t, uint64(2), e2.ChainPosition)

	res, err := l2.Verify(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestQuery_Filters(t *testing.T) {
	l, _ := openTestLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Record(ctx, Event{Type: EventIntentParsed, Result: ResultSuccess, ConnectionID: "conn-a"})
		require.NoError(t, err)
	}
	_, err := l.Record(ctx, Event{Type: EventPlanGenerated, Result: ResultSuccess, ConnectionID: "conn-b"})
	require.NoError(t, err)

	entries, total, err := l.Query(ctx, Filter{ConnectionID: "conn-a", Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[0].ChainPosition)

	entries, total, err = l.Query(ctx, Filter{EventType: EventPlanGenerated})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, "conn-b", entries[0].ConnectionID)
}

func TestExportAndVerifyBundle(t *testing.T) {
	l, _ := openTestLog(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := l.Record(ctx, Event{Type: EventIntentParsed, Result: ResultSuccess})
		require.NoError(t, err)
	}

	b, err := l.Export(ctx, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, 4, b.EntryCount)
	assert.NoError(t, VerifyBundle(b))

	b.Entries[1].Error = "tampered"
	assert.Error(t, VerifyBundle(b))
}

func TestDerivedKeyProvider_Stable(t *testing.T) {
	p1, err := NewDerivedKeyProvider([]byte("root-secret"))
	require.NoError(t, err)
	p2, err := NewDerivedKeyProvider([]byte("root-secret"))
	require.NoError(t, err)
	assert.Equal(t, p1.PublicKey(), p2.PublicKey())

	p3, err := NewDerivedKeyProvider([]byte("other-secret"))
	require.NoError(t, err)
	assert.NotEqual(t, p1.PublicKey(), p3.PublicKey())

	_, err = NewDerivedKeyProvider(nil)
	assert.Error(t, err)
}
