//go:build property
// +build property

package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestLedgerCeilingHolds verifies that for any set of concurrent
// reservations the window total never exceeds the ceiling, and that the
// total equals the sum of granted amounts.
func TestLedgerCeilingHolds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	w := WindowAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Hour)

	properties.Property("total never exceeds ceiling", prop.ForAll(
		func(amounts []int64, ceiling int64) bool {
			l := NewMemoryLedger()
			ctx := context.Background()

			var mu sync.Mutex
			var grantedSum int64
			var wg sync.WaitGroup
			for _, a := range amounts {
				wg.Add(1)
				go func(a int64) {
					defer wg.Done()
					res, err := l.TryReserve(ctx, ReserveRequest{Key: "k", Amount: a, Ceiling: ceiling, Window: w})
					if err != nil || !res.Granted {
						return
					}
					mu.Lock()
					grantedSum += a
					mu.Unlock()
				}(a)
			}
			wg.Wait()

			total, err := l.Total(ctx, "k", w)
			if err != nil {
				return false
			}
			return total <= ceiling && total == grantedSum
		},
		gen.SliceOf(gen.Int64Range(1, 500)),
		gen.Int64Range(0, 2000),
	))

	properties.Property("release restores the pre-reservation total", prop.ForAll(
		func(first, second int64) bool {
			l := NewMemoryLedger()
			ctx := context.Background()
			a, err := l.TryReserve(ctx, ReserveRequest{Key: "k", Amount: first, Ceiling: 1 << 40, Window: w})
			if err != nil {
				return false
			}
			b, err := l.TryReserve(ctx, ReserveRequest{Key: "k", Amount: second, Ceiling: 1 << 40, Window: w})
			if err != nil {
				return false
			}
			if l.Release(ctx, b.EntryID) != nil || l.Release(ctx, b.EntryID) != nil {
				return false
			}
			total, err := l.Total(ctx, "k", w)
			return err == nil && total == a.CurrentTotal
		},
		gen.Int64Range(1, 1_000_000),
		gen.Int64Range(1, 1_000_000),
	))

	properties.TestingRun(t)
}
