package database

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

// TestACIDKillDuringWrite checks that the ledger schema keeps its
// guarantees when writers race or die mid-transaction. It runs in lite mode
// by default; set TEST_DATABASE_URL to run it against Postgres.
func TestACIDKillDuringWrite(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	insert := db.Rebind(`INSERT INTO cost_ledger_entries
		(id, ledger_key, amount, period_start, proposal_reference, provisional, released_entry_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	now := db.Dialect.Time(time.Now())

	exists := func(t *testing.T, id string) bool {
		t.Helper()
		var n int
		err := db.QueryRowContext(ctx, db.Rebind(`SELECT COUNT(*) FROM cost_ledger_entries WHERE id = ?`), id).Scan(&n)
		if err != nil {
			t.Fatalf("existence check: %v", err)
		}
		return n > 0
	}

	const (
		numWriters      = 10
		writesPerWriter = 20
	)

	t.Run("Isolation_ConcurrentWriters", func(t *testing.T) {
		var wg sync.WaitGroup
		errCh := make(chan error, numWriters*writesPerWriter)

		for w := 0; w < numWriters; w++ {
			wg.Add(1)
			go func(writer int) {
				defer wg.Done()
				key := fmt.Sprintf("agent:writer-%d", writer)
				for i := 0; i < writesPerWriter; i++ {
					_, err := db.ExecContext(ctx, insert,
						fmt.Sprintf("iso-%d-%d", writer, i), key, 1, 0, "p", true, nil, now)
					if err != nil {
						errCh <- fmt.Errorf("writer %d, write %d: %w", writer, i, err)
					}
				}
			}(w)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			t.Errorf("concurrent write error: %v", err)
		}

		var total int64
		err := db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(amount), 0) FROM cost_ledger_entries WHERE id LIKE 'iso-%'`).Scan(&total)
		if err != nil {
			t.Fatalf("sum query: %v", err)
		}
		if total != numWriters*writesPerWriter {
			t.Errorf("expected total %d, got %d", numWriters*writesPerWriter, total)
		}
	})

	t.Run("Atomicity_RolledBackTx", func(t *testing.T) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin tx: %v", err)
		}
		if _, err := tx.ExecContext(ctx, insert, "rolled-back", "agent:a", 5, 0, "p", true, nil, now); err != nil {
			t.Fatalf("insert in tx: %v", err)
		}
		if err := tx.Rollback(); err != nil {
			t.Fatalf("rollback: %v", err)
		}
		if exists(t, "rolled-back") {
			t.Error("rolled-back entry still visible")
		}
	})

	// Only one release row may point at a given entry.
	t.Run("Consistency_SingleRelease", func(t *testing.T) {
		if _, err := db.ExecContext(ctx, insert, "held", "agent:a", 5, 0, "p", true, nil, now); err != nil {
			t.Fatalf("insert: %v", err)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for w := 0; w < 5; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				_, err := db.ExecContext(ctx, insert,
					fmt.Sprintf("release-%d", w), "agent:a", -5, 0, "p", false, "held", now)
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()

		if succeeded != 1 {
			t.Errorf("expected exactly 1 release, got %d", succeeded)
		}
	})

	t.Run("Durability_CommittedDataSurvives", func(t *testing.T) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin tx: %v", err)
		}
		if _, err := tx.ExecContext(ctx, insert, "durable", "agent:d", 7, 0, "p", true, nil, now); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}

		var amount int64
		err = db.QueryRowContext(ctx,
			db.Rebind(`SELECT amount FROM cost_ledger_entries WHERE id = ?`), "durable").Scan(&amount)
		if err != nil {
			t.Fatalf("read after commit: %v", err)
		}
		if amount != 7 {
			t.Errorf("expected amount 7, got %d", amount)
		}
	})

	t.Run("Kill_ContextCancellation", func(t *testing.T) {
		killCtx, cancel := context.WithCancel(ctx)

		tx, err := db.BeginTx(killCtx, nil)
		if err != nil {
			t.Fatalf("begin tx: %v", err)
		}
		if _, err := tx.ExecContext(killCtx, insert, "killed", "agent:k", 3, 0, "p", true, nil, now); err != nil {
			t.Fatalf("insert: %v", err)
		}

		cancel()
		time.Sleep(10 * time.Millisecond)

		if err := tx.Commit(); err == nil {
			// Commit won the race with the cancellation.
			return
		}
		if exists(t, "killed") {
			t.Error("entry from cancelled transaction still visible")
		}
	})
}

func testDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	db, err := Open(ctx, os.Getenv("TEST_DATABASE_URL"), t.TempDir())
	if err != nil {
		t.Skipf("database not available: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if db.Dialect == Postgres {
		if _, err := db.ExecContext(ctx, `DELETE FROM cost_ledger_entries`); err != nil {
			t.Fatalf("reset: %v", err)
		}
	}
	return db
}
