package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLStore_AppendEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewSQLStore(db)

	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))

	e := &Entry{
		EntryID:       "e-1",
		ChainPosition: 1,
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Event: Event{
			Type: EventIntentParsed, Result: ResultSuccess,
			ConnectionID: "conn-1",
			Impact:       &Impact{ResourceCount: 2, CostChange: -90},
		},
		PrevHash:  GenesisSeed,
		EntryHash: "sha256:abc",
	}
	require.NoError(t, store.AppendEntry(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AppendEntry_ForkRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewSQLStore(db)

	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnError(errors.New("UNIQUE constraint failed: audit_entries.chain_position"))

	e := &Entry{EntryID: "e-dup", ChainPosition: 1, Timestamp: time.Now(), PrevHash: GenesisSeed, EntryHash: "sha256:x"}
	err = store.AppendEntry(context.Background(), e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert entry")
}

func TestSQLStore_LastEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewSQLStore(db)

	mock.ExpectQuery("SELECT (.+) FROM audit_entries ORDER BY chain_position DESC").
		WillReturnRows(sqlmock.NewRows([]string{"chain_position"}))

	last, err := store.Last(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestSQLStore_RoundTripThroughSQLite(t *testing.T) {
	// End-to-end against a real SQLite file: the store must carry the
	// chain across reopen, and the Log must verify it.
	path := t.TempDir() + "/audit.db"
	ctx := context.Background()

	store, err := OpenSQLite(ctx, path)
	require.NoError(t, err)

	l, err := Open(ctx, store, WithClock(testClock()))
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		_, err := l.Record(ctx, Event{
			Type: EventIntentParsed, Result: ResultSuccess,
			ConnectionID: "conn-1",
			Action:       ActionRef{Service: "ec2", Operation: "stop_instances"},
			Metadata:     map[string]interface{}{"request": "stop idle instances"},
		})
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	l2, err := Open(ctx, reopened, WithClock(testClock()))
	require.NoError(t, err)
	assert.Equal(t, uint64(12), l2.Position())

	res, err := l2.Verify(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 12, res.EntriesChecked)

	entries, total, err := l2.Query(ctx, Filter{ConnectionID: "conn-1", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 12, total)
	assert.Len(t, entries, 5)
	assert.Equal(t, "stop idle instances", entries[0].Metadata["request"])
}
