package budget

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/physicsrail/pkg/contracts"
)

// MemoryLedger is an in-memory Ledger for tests and single-process use.
// Each key has its own lock so reservations against different keys never
// contend.
type MemoryLedger struct {
	mu    sync.Mutex
	keys  map[string]*keyLedger
	byID  map[string]string // entry id -> key
	clock func() time.Time
}

type keyLedger struct {
	mu       sync.Mutex
	entries  []contracts.CostLedgerEntry
	released map[string]bool
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		keys:  make(map[string]*keyLedger),
		byID:  make(map[string]string),
		clock: time.Now,
	}
}

// WithClock overrides the entry timestamp source.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

func (l *MemoryLedger) key(k string) *keyLedger {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.keys[k]
	if !ok {
		kl = &keyLedger{released: make(map[string]bool)}
		l.keys[k] = kl
	}
	return kl
}

func (kl *keyLedger) total(start time.Time) int64 {
	var sum int64
	for _, e := range kl.entries {
		if e.PeriodStart.Equal(start) {
			sum += e.Amount
		}
	}
	return sum
}

// TryReserve implements Ledger.
func (l *MemoryLedger) TryReserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kl := l.key(req.Key)
	kl.mu.Lock()
	defer kl.mu.Unlock()

	current := kl.total(req.Window.Start)
	if !fits(current, req.Amount, req.Ceiling) {
		return newReservation(false, "", current, req.Ceiling, req.Window), nil
	}

	entry := contracts.CostLedgerEntry{
		ID:                uuid.NewString(),
		Key:               req.Key,
		Amount:            req.Amount,
		Timestamp:         l.clock().UTC(),
		PeriodStart:       req.Window.Start,
		ProposalReference: req.ProposalRef,
		Provisional:       true,
	}
	kl.entries = append(kl.entries, entry)

	l.mu.Lock()
	l.byID[entry.ID] = req.Key
	l.mu.Unlock()

	return newReservation(true, entry.ID, current+req.Amount, req.Ceiling, req.Window), nil
}

// Release implements Ledger.
func (l *MemoryLedger) Release(ctx context.Context, entryID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	k, ok := l.byID[entryID]
	kl := l.keys[k]
	l.mu.Unlock()
	if !ok {
		return ErrEntryNotFound
	}

	kl.mu.Lock()
	defer kl.mu.Unlock()
	if kl.released[entryID] {
		return nil
	}
	for _, e := range kl.entries {
		if e.ID != entryID {
			continue
		}
		kl.entries = append(kl.entries, contracts.CostLedgerEntry{
			ID:                uuid.NewString(),
			Key:               e.Key,
			Amount:            -e.Amount,
			Timestamp:         l.clock().UTC(),
			PeriodStart:       e.PeriodStart,
			ProposalReference: e.ProposalReference,
			Provisional:       true,
		})
		kl.released[entryID] = true
		return nil
	}
	return ErrEntryNotFound
}

// Total implements Ledger.
func (l *MemoryLedger) Total(ctx context.Context, key string, w Window) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	kl := l.key(key)
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return kl.total(w.Start), nil
}

// Entries returns a snapshot of every entry recorded against key.
func (l *MemoryLedger) Entries(key string) []contracts.CostLedgerEntry {
	kl := l.key(key)
	kl.mu.Lock()
	defer kl.mu.Unlock()
	out := make([]contracts.CostLedgerEntry, len(kl.entries))
	copy(out, kl.entries)
	return out
}
