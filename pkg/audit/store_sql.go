package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// SQL drivers registered for OpenSQLite / OpenPostgres.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore persists the chain with database/sql. It works against both
// SQLite and Postgres via standard drivers; placeholders use the $n
// form, which both support.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite-backed store at path.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	// The chain has exactly one writer; a second connection would only
	// contend on SQLite's file lock.
	db.SetMaxOpenConns(1)
	return initStore(ctx, db)
}

// OpenPostgres opens a Postgres-backed store.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres: %w", err)
	}
	return initStore(ctx, db)
}

// NewSQLStore wraps an existing handle (used by tests with sqlmock).
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func initStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	chain_position BIGINT PRIMARY KEY,
	entry_id TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	event_type TEXT NOT NULL,
	result TEXT NOT NULL,
	connection_id TEXT,
	service TEXT,
	operation TEXT,
	plan_id TEXT,
	impact TEXT,
	error TEXT,
	metadata TEXT,
	prev_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_anchors (
	anchor_id TEXT PRIMARY KEY,
	anchor_hash TEXT NOT NULL,
	start_position BIGINT NOT NULL,
	end_position BIGINT NOT NULL,
	entry_count INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	signature TEXT,
	public_key TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_connection ON audit_entries (connection_id);
CREATE INDEX IF NOT EXISTS idx_audit_entries_type ON audit_entries (event_type);
`

// Init creates the schema if missing.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit: init schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) AppendEntry(ctx context.Context, e *Entry) error {
	var impact, metadata []byte
	var err error
	if e.Impact != nil {
		if impact, err = json.Marshal(e.Impact); err != nil {
			return fmt.Errorf("audit: marshal impact: %w", err)
		}
	}
	if e.Metadata != nil {
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("audit: marshal metadata: %w", err)
		}
	}
	// The primary key on chain_position rejects forks: a duplicate
	// position fails loudly instead of silently branching the chain.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries
			(chain_position, entry_id, timestamp, event_type, result, connection_id,
			 service, operation, plan_id, impact, error, metadata, prev_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ChainPosition, e.EntryID, e.Timestamp, string(e.Type), string(e.Result),
		nullable(e.ConnectionID), nullable(e.Action.Service), nullable(e.Action.Operation),
		nullable(e.Action.PlanID), nullableBytes(impact), nullable(e.Error),
		nullableBytes(metadata), e.PrevHash, e.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

const entryColumns = `chain_position, entry_id, timestamp, event_type, result, connection_id,
	service, operation, plan_id, impact, error, metadata, prev_hash, entry_hash`

func (s *SQLStore) Last(ctx context.Context) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries ORDER BY chain_position DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *SQLStore) Range(ctx context.Context, start, end uint64) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries
		 WHERE chain_position >= $1 AND chain_position <= $2
		 ORDER BY chain_position ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectEntries(rows)
}

func (s *SQLStore) Query(ctx context.Context, f Filter) ([]*Entry, int, error) {
	where := make([]string, 0, 4)
	args := make([]interface{}, 0, 4)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ConnectionID != "" {
		where = append(where, "connection_id = "+arg(f.ConnectionID))
	}
	if f.EventType != "" {
		where = append(where, "event_type = "+arg(string(f.EventType)))
	}
	if f.StartDate != nil {
		where = append(where, "timestamp >= "+arg(*f.StartDate))
	}
	if f.EndDate != nil {
		where = append(where, "timestamp <= "+arg(*f.EndDate))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_entries"+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + entryColumns + " FROM audit_entries" + clause + " ORDER BY chain_position ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *SQLStore) Count(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n)
	return n, err
}

func (s *SQLStore) SaveAnchor(ctx context.Context, a *Anchor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_anchors
			(anchor_id, anchor_hash, start_position, end_position, entry_count, created_at, signature, public_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.AnchorID, a.AnchorHash, a.StartPosition, a.EndPosition,
		a.EntryCount, a.CreatedAt, nullable(a.Signature), nullable(a.PublicKey),
	)
	if err != nil {
		return fmt.Errorf("audit: insert anchor: %w", err)
	}
	return nil
}

const anchorColumns = `anchor_id, anchor_hash, start_position, end_position, entry_count, created_at, signature, public_key`

func (s *SQLStore) LatestAnchor(ctx context.Context) (*Anchor, error) {
	return s.anchorRow(ctx,
		`SELECT `+anchorColumns+` FROM audit_anchors ORDER BY end_position DESC LIMIT 1`)
}

func (s *SQLStore) FirstAnchor(ctx context.Context) (*Anchor, error) {
	return s.anchorRow(ctx,
		`SELECT `+anchorColumns+` FROM audit_anchors ORDER BY end_position ASC LIMIT 1`)
}

func (s *SQLStore) anchorRow(ctx context.Context, query string) (*Anchor, error) {
	var a Anchor
	var sig, pub sql.NullString
	err := s.db.QueryRowContext(ctx, query).Scan(
		&a.AnchorID, &a.AnchorHash, &a.StartPosition, &a.EndPosition,
		&a.EntryCount, &a.CreatedAt, &sig, &pub)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Signature = sig.String
	a.PublicKey = pub.String
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

func (s *SQLStore) AnchorCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_anchors`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var ts time.Time
	var connID, service, operation, planID, errMsg sql.NullString
	var impact, metadata sql.NullString
	err := row.Scan(
		&e.ChainPosition, &e.EntryID, &ts, (*string)(&e.Type), (*string)(&e.Result),
		&connID, &service, &operation, &planID, &impact, &errMsg, &metadata,
		&e.PrevHash, &e.EntryHash,
	)
	if err != nil {
		return nil, err
	}
	e.Timestamp = ts.UTC()
	e.ConnectionID = connID.String
	e.Action = ActionRef{Service: service.String, Operation: operation.String, PlanID: planID.String}
	e.Error = errMsg.String
	if impact.Valid && impact.String != "" {
		var imp Impact
		if err := json.Unmarshal([]byte(impact.String), &imp); err != nil {
			return nil, fmt.Errorf("audit: unmarshal impact: %w", err)
		}
		e.Impact = &imp
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("audit: unmarshal metadata: %w", err)
		}
	}
	return &e, nil
}

func collectEntries(rows *sql.Rows) ([]*Entry, error) {
	out := make([]*Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}
