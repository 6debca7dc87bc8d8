package budget

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWindow() Window {
	return WindowAt(time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC), 24*time.Hour)
}

func TestWindowAt(t *testing.T) {
	w := testWindow()
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), w.End())
	assert.True(t, w.Contains(w.Start))
	assert.False(t, w.Contains(w.End()))

	// Non-UTC input lands in the same window.
	loc := time.FixedZone("UTC+5", 5*3600)
	local := time.Date(2026, 3, 14, 20, 0, 0, 0, loc)
	assert.Equal(t, w.Start, WindowAt(local, 24*time.Hour).Start)

	hourly := WindowAt(time.Date(2026, 3, 14, 15, 59, 59, 0, time.UTC), time.Hour)
	assert.Equal(t, time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC), hourly.Start)

	assert.Equal(t, 24*time.Hour, WindowAt(time.Now(), 0).Length)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "agent:a-1", AgentKey("a-1"))
	assert.Equal(t, "workspace:w-1", WorkspaceKey("w-1"))
}

func TestMemoryLedger_TryReserve(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	w := testWindow()

	res, err := l.TryReserve(ctx, ReserveRequest{Key: "agent:a", Amount: 40, Ceiling: 100, Window: w, ProposalRef: "p1"})
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.NotEmpty(t, res.EntryID)
	assert.Equal(t, int64(40), res.CurrentTotal)
	assert.Equal(t, int64(60), res.Remaining)

	res, err = l.TryReserve(ctx, ReserveRequest{Key: "agent:a", Amount: 60, Ceiling: 100, Window: w, ProposalRef: "p2"})
	require.NoError(t, err)
	assert.True(t, res.Granted, "exactly reaching the ceiling is allowed")
	assert.Equal(t, int64(0), res.Remaining)

	res, err = l.TryReserve(ctx, ReserveRequest{Key: "agent:a", Amount: 1, Ceiling: 100, Window: w, ProposalRef: "p3"})
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Empty(t, res.EntryID)
	assert.Equal(t, int64(100), res.CurrentTotal)
	assert.Len(t, l.Entries("agent:a"), 2, "a refusal writes nothing")

	// A new window starts from zero.
	next := Window{Start: w.End(), Length: w.Length}
	res, err = l.TryReserve(ctx, ReserveRequest{Key: "agent:a", Amount: 100, Ceiling: 100, Window: next, ProposalRef: "p4"})
	require.NoError(t, err)
	assert.True(t, res.Granted)

	// Other keys are independent.
	total, err := l.Total(ctx, "agent:b", w)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestMemoryLedger_InvalidRequest(t *testing.T) {
	l := NewMemoryLedger()
	w := testWindow()
	cases := []ReserveRequest{
		{Key: "", Amount: 1, Ceiling: 1, Window: w},
		{Key: "k", Amount: 0, Ceiling: 1, Window: w},
		{Key: "k", Amount: -5, Ceiling: 1, Window: w},
		{Key: "k", Amount: 1, Ceiling: -1, Window: w},
		{Key: "k", Amount: 1, Ceiling: 1},
	}
	for _, req := range cases {
		_, err := l.TryReserve(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
}

func TestMemoryLedger_Release(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	w := testWindow()

	res, err := l.TryReserve(ctx, ReserveRequest{Key: "k", Amount: 70, Ceiling: 100, Window: w})
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, res.EntryID))
	require.NoError(t, l.Release(ctx, res.EntryID), "release is idempotent")

	total, err := l.Total(ctx, "k", w)
	require.NoError(t, err)
	assert.Zero(t, total)

	entries := l.Entries("k")
	require.Len(t, entries, 2, "release appends, never deletes")
	assert.Equal(t, int64(-70), entries[1].Amount)

	assert.ErrorIs(t, l.Release(ctx, "missing"), ErrEntryNotFound)
}

func TestMemoryLedger_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryLedger().TryReserve(ctx, ReserveRequest{Key: "k", Amount: 1, Ceiling: 1, Window: testWindow()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryLedger_ConcurrentCeiling(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	w := testWindow()

	const (
		workers = 50
		amount  = 7
		ceiling = 100
	)
	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.TryReserve(ctx, ReserveRequest{Key: "k", Amount: amount, Ceiling: ceiling, Window: w})
			if err == nil && res.Granted {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	total, err := l.Total(ctx, "k", w)
	require.NoError(t, err)
	assert.Equal(t, int64(ceiling/amount), granted.Load())
	assert.Equal(t, granted.Load()*amount, total)
	assert.LessOrEqual(t, total, int64(ceiling))
}

func TestReserveAll(t *testing.T) {
	ctx := context.Background()
	w := testWindow()

	t.Run("all granted", func(t *testing.T) {
		l := NewMemoryLedger()
		out, err := ReserveAll(ctx, l, []ReserveRequest{
			{Key: AgentKey("a"), Amount: 10, Ceiling: 50, Window: w},
			{Key: WorkspaceKey("ws"), Amount: 10, Ceiling: 500, Window: w},
		})
		require.NoError(t, err)
		assert.True(t, out.OK())
		assert.Len(t, out.Granted, 2)
	})

	t.Run("later key refuses and earlier is released", func(t *testing.T) {
		l := NewMemoryLedger()
		out, err := ReserveAll(ctx, l, []ReserveRequest{
			{Key: AgentKey("a"), Amount: 10, Ceiling: 50, Window: w},
			{Key: WorkspaceKey("ws"), Amount: 10, Ceiling: 5, Window: w},
		})
		require.NoError(t, err)
		assert.False(t, out.OK())
		assert.Equal(t, WorkspaceKey("ws"), out.DeniedKey)
		assert.Empty(t, out.Granted)

		total, err := l.Total(ctx, AgentKey("a"), w)
		require.NoError(t, err)
		assert.Zero(t, total)
	})

	t.Run("error hands earlier reservations back", func(t *testing.T) {
		l := &failingLedger{Ledger: NewMemoryLedger(), failKey: "second"}
		out, err := ReserveAll(ctx, l, []ReserveRequest{
			{Key: "first", Amount: 10, Ceiling: 50, Window: w},
			{Key: "second", Amount: 10, Ceiling: 50, Window: w},
		})
		require.Error(t, err)
		require.NotNil(t, out)
		require.Len(t, out.Granted, 1)

		total, terr := l.Total(ctx, "first", w)
		require.NoError(t, terr)
		assert.Equal(t, int64(10), total, "the caller decides whether to release")
	})

	t.Run("cancelled caller keeps granted spend", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		l := &cancellingLedger{Ledger: NewMemoryLedger(), cancelBefore: WorkspaceKey("w"), cancel: cancel}

		out, err := ReserveAll(cctx, l, []ReserveRequest{
			{Key: AgentKey("a"), Amount: 5, Ceiling: 50, Window: w},
			{Key: WorkspaceKey("w"), Amount: 5, Ceiling: 50, Window: w},
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Len(t, out.Granted, 1)

		total, terr := l.Total(ctx, AgentKey("a"), w)
		require.NoError(t, terr)
		assert.Equal(t, int64(5), total)
	})
}

// cancellingLedger cancels the caller's context just before reserving
// cancelBefore, as if the client hung up mid-request.
type cancellingLedger struct {
	Ledger
	cancelBefore string
	cancel       context.CancelFunc
}

func (c *cancellingLedger) TryReserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	if req.Key == c.cancelBefore {
		c.cancel()
	}
	return c.Ledger.TryReserve(ctx, req)
}

func TestMemoryLedger_HugeAmountRefused(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	w := testWindow()

	res, err := l.TryReserve(ctx, ReserveRequest{Key: "agent:a", Amount: 5, Ceiling: 10, Window: w})
	require.NoError(t, err)
	require.True(t, res.Granted)

	for _, amount := range []int64{math.MaxInt64, math.MaxInt64 - 4, 11} {
		res, err = l.TryReserve(ctx, ReserveRequest{Key: "agent:a", Amount: amount, Ceiling: 10, Window: w})
		require.NoError(t, err)
		assert.False(t, res.Granted, "amount %d", amount)
		assert.Equal(t, int64(5), res.Remaining)
	}

	total, err := l.Total(ctx, "agent:a", w)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	res, err = l.TryReserve(ctx, ReserveRequest{Key: "agent:b", Amount: math.MaxInt64, Ceiling: math.MaxInt64, Window: w})
	require.NoError(t, err)
	assert.True(t, res.Granted, "a ceiling of MaxInt64 admits MaxInt64 on an empty key")
}

func TestFits(t *testing.T) {
	assert.True(t, fits(0, 10, 10))
	assert.True(t, fits(5, 5, 10))
	assert.False(t, fits(5, 6, 10))
	assert.False(t, fits(5, math.MaxInt64, 10))
	assert.False(t, fits(1, math.MaxInt64, math.MaxInt64))
	assert.False(t, fits(0, 1, 0))
}

type failingLedger struct {
	Ledger
	failKey string
}

func (f *failingLedger) TryReserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	if req.Key == f.failKey {
		return nil, errors.New("ledger unavailable")
	}
	return f.Ledger.TryReserve(ctx, req)
}
