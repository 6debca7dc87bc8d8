package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/physicsrail/pkg/database"
)

// SQLLedger implements Ledger on the cost_ledger_entries table.
//
// On Postgres each reservation runs in a transaction holding a
// transaction-scoped advisory lock on the ledger key, so concurrent
// reservations for one key serialize while other keys proceed. On SQLite
// the handle opens immediate transactions on a single connection, which
// gives the same serialization for the whole database.
type SQLLedger struct {
	db    *database.DB
	clock func() time.Time
}

// NewSQLLedger creates a ledger over db. The schema must already be migrated.
func NewSQLLedger(db *database.DB) *SQLLedger {
	return &SQLLedger{db: db, clock: time.Now}
}

func (l *SQLLedger) lockKey(ctx context.Context, tx *sql.Tx, key string) error {
	if l.db.Dialect != database.Postgres {
		return nil
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
		return fmt.Errorf("lock ledger key: %w", err)
	}
	return nil
}

func (l *SQLLedger) sum(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, key string, start time.Time) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx,
		l.db.Rebind("SELECT COALESCE(SUM(amount), 0) FROM cost_ledger_entries WHERE ledger_key = ? AND period_start = ?"),
		key, start.Unix()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return total, nil
}

// TryReserve implements Ledger.
func (l *SQLLedger) TryReserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reservation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := l.lockKey(ctx, tx, req.Key); err != nil {
		return nil, err
	}
	current, err := l.sum(ctx, tx, req.Key, req.Window.Start)
	if err != nil {
		return nil, err
	}
	if !fits(current, req.Amount, req.Ceiling) {
		// Nothing written; the deferred rollback ends the transaction.
		return newReservation(false, "", current, req.Ceiling, req.Window), nil
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, l.db.Rebind(`INSERT INTO cost_ledger_entries
		(id, ledger_key, amount, period_start, proposal_reference, provisional, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		id, req.Key, req.Amount, req.Window.Start.Unix(), req.ProposalRef, true, l.db.Dialect.Time(l.clock()))
	if err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reservation: %w", err)
	}
	return newReservation(true, id, current+req.Amount, req.Ceiling, req.Window), nil
}

// Release implements Ledger.
func (l *SQLLedger) Release(ctx context.Context, entryID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		key         string
		amount      int64
		periodStart int64
		proposalRef string
	)
	err = tx.QueryRowContext(ctx, l.db.Rebind(`SELECT ledger_key, amount, period_start, proposal_reference
		FROM cost_ledger_entries WHERE id = ? AND released_entry_id IS NULL`), entryID).
		Scan(&key, &amount, &periodStart, &proposalRef)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrEntryNotFound
	}
	if err != nil {
		return fmt.Errorf("load ledger entry: %w", err)
	}

	if err := l.lockKey(ctx, tx, key); err != nil {
		return err
	}
	var existing int
	err = tx.QueryRowContext(ctx,
		l.db.Rebind("SELECT COUNT(*) FROM cost_ledger_entries WHERE released_entry_id = ?"), entryID).Scan(&existing)
	if err != nil {
		return fmt.Errorf("check release: %w", err)
	}
	if existing > 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, l.db.Rebind(`INSERT INTO cost_ledger_entries
		(id, ledger_key, amount, period_start, proposal_reference, provisional, released_entry_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), key, -amount, periodStart, proposalRef, true, entryID, l.db.Dialect.Time(l.clock()))
	if err != nil {
		return fmt.Errorf("append release entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit release: %w", err)
	}
	return nil
}

// Total implements Ledger.
func (l *SQLLedger) Total(ctx context.Context, key string, w Window) (int64, error) {
	return l.sum(ctx, l.db, key, w.Start)
}
