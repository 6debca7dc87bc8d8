// Package database opens the SQL backend used by the rail's persistent
// stores and owns their schema. Postgres is used when a DATABASE_URL is
// configured; otherwise the rail runs in lite mode on SQLite.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver (lite mode)
)

// Dialect selects placeholder style and dialect-specific statements.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DB bundles a handle with the dialect it speaks.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Wrap pairs an existing handle (e.g. a sqlmock) with a dialect.
func Wrap(db *sql.DB, d Dialect) *DB {
	return &DB{DB: db, Dialect: d}
}

// Rebind rewrites '?' placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Rebind rewrites placeholders for this handle's dialect.
func (db *DB) Rebind(query string) string {
	return db.Dialect.Rebind(query)
}

// Time converts t to the dialect's column representation. SQLite stores
// timestamps as Unix milliseconds so range comparisons stay numeric.
func (d Dialect) Time(t time.Time) any {
	if d == SQLite {
		return t.UTC().UnixMilli()
	}
	return t.UTC()
}

// Timestamp scans a timestamp column written by Dialect.Time.
type Timestamp struct {
	Time  time.Time
	Valid bool
}

// Scan implements sql.Scanner.
func (ts *Timestamp) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		*ts = Timestamp{}
	case time.Time:
		*ts = Timestamp{Time: x.UTC(), Valid: true}
	case int64:
		*ts = Timestamp{Time: time.UnixMilli(x).UTC(), Valid: true}
	case []byte:
		return ts.parse(string(x))
	case string:
		return ts.parse(x)
	default:
		return fmt.Errorf("timestamp: unsupported column type %T", v)
	}
	return nil
}

func (ts *Timestamp) parse(s string) error {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*ts = Timestamp{Time: t.UTC(), Valid: true}
	return nil
}

// Open connects to Postgres when url is set, else opens SQLite under dataDir.
func Open(ctx context.Context, url, dataDir string) (*DB, error) {
	logger := slog.Default().With("component", "database")

	if url != "" {
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.InfoContext(ctx, "postgres connected")
		return &DB{DB: db, Dialect: Postgres}, nil
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "rail.db")
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer; one connection keeps ledger transactions
	// serialized instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	logger.InfoContext(ctx, "lite mode: using sqlite", "path", path)
	return &DB{DB: db, Dialect: SQLite}, nil
}

// Migrate creates the rail's tables if they do not exist.
func Migrate(ctx context.Context, db *DB) error {
	stmts := schemaSQLite
	if db.Dialect == Postgres {
		stmts = schemaPostgres
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var schemaPostgres = []string{
	`CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		proposal JSONB NOT NULL,
		proposal_hash TEXT NOT NULL,
		approver_role TEXT NOT NULL,
		tier TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ,
		resolved_by TEXT,
		comment TEXT,
		reservation_ids TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS approval_requests_pending_idx ON approval_requests (expires_at) WHERE state = 'pending'`,
	`CREATE TABLE IF NOT EXISTS cost_ledger_entries (
		id TEXT PRIMARY KEY,
		ledger_key TEXT NOT NULL,
		amount BIGINT NOT NULL,
		period_start BIGINT NOT NULL,
		proposal_reference TEXT NOT NULL,
		provisional BOOLEAN NOT NULL DEFAULT TRUE,
		released_entry_id TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS cost_ledger_entries_key_idx ON cost_ledger_entries (ledger_key, period_start)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS cost_ledger_entries_release_idx ON cost_ledger_entries (released_entry_id)`,
	`CREATE TABLE IF NOT EXISTS agent_configs (
		agent_id TEXT PRIMARY KEY,
		config JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS principal_roles (
		principal_id TEXT NOT NULL,
		role TEXT NOT NULL,
		revoked_at TIMESTAMPTZ,
		PRIMARY KEY (principal_id, role)
	)`,
}

var schemaSQLite = []string{
	`CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		proposal TEXT NOT NULL,
		proposal_hash TEXT NOT NULL,
		approver_role TEXT NOT NULL,
		tier TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		resolved_at INTEGER,
		resolved_by TEXT,
		comment TEXT,
		reservation_ids TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS approval_requests_state_idx ON approval_requests (state, expires_at)`,
	`CREATE TABLE IF NOT EXISTS cost_ledger_entries (
		id TEXT PRIMARY KEY,
		ledger_key TEXT NOT NULL,
		amount INTEGER NOT NULL,
		period_start INTEGER NOT NULL,
		proposal_reference TEXT NOT NULL,
		provisional INTEGER NOT NULL DEFAULT 1,
		released_entry_id TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS cost_ledger_entries_key_idx ON cost_ledger_entries (ledger_key, period_start)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS cost_ledger_entries_release_idx ON cost_ledger_entries (released_entry_id)`,
	`CREATE TABLE IF NOT EXISTS agent_configs (
		agent_id TEXT PRIMARY KEY,
		config TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS principal_roles (
		principal_id TEXT NOT NULL,
		role TEXT NOT NULL,
		revoked_at DATETIME,
		PRIMARY KEY (principal_id, role)
	)`,
}
