// Package budget provides per-key cost ceilings enforced with fail-closed behavior.
// A reservation either fits under the ceiling for the current window and is
// recorded atomically, or nothing is written and the caller denies.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEntryNotFound is returned when releasing an entry the ledger never recorded.
	ErrEntryNotFound = errors.New("budget: ledger entry not found")
	// ErrInvalidRequest is returned for malformed reservation requests.
	ErrInvalidRequest = errors.New("budget: invalid reservation request")
)

// Window is a fixed, epoch-aligned accounting period.
type Window struct {
	Start  time.Time     `json:"start"`
	Length time.Duration `json:"length"`
}

// WindowAt returns the window of the given length containing now.
// Windows are aligned to the Unix epoch in UTC, so all processes that
// share a ledger agree on boundaries without coordination.
func WindowAt(now time.Time, length time.Duration) Window {
	if length <= 0 {
		length = 24 * time.Hour
	}
	return Window{Start: now.UTC().Truncate(length), Length: length}
}

// End returns the exclusive end of the window.
func (w Window) End() time.Time {
	return w.Start.Add(w.Length)
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End())
}

// AgentKey is the ledger key for an agent's own ceiling.
func AgentKey(agentID string) string { return "agent:" + agentID }

// WorkspaceKey is the ledger key for a workspace-wide ceiling.
func WorkspaceKey(workspaceID string) string { return "workspace:" + workspaceID }

// ReserveRequest asks a ledger to provisionally record Amount against Key.
type ReserveRequest struct {
	Key         string
	Amount      int64 // cost units (cents)
	Ceiling     int64
	Window      Window
	ProposalRef string
}

func (r ReserveRequest) validate() error {
	switch {
	case r.Key == "":
		return fmt.Errorf("%w: empty key", ErrInvalidRequest)
	case r.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidRequest, r.Amount)
	case r.Ceiling < 0:
		return fmt.Errorf("%w: negative ceiling %d", ErrInvalidRequest, r.Ceiling)
	case r.Window.Length <= 0:
		return fmt.Errorf("%w: zero-length window", ErrInvalidRequest)
	}
	return nil
}

// Reservation is the outcome of TryReserve.
type Reservation struct {
	Granted bool   `json:"granted"`
	EntryID string `json:"entry_id,omitempty"`
	// CurrentTotal is the window total after the grant, or the unchanged
	// total when the reservation was refused.
	CurrentTotal int64  `json:"current_total"`
	Remaining    int64  `json:"remaining"`
	Window       Window `json:"window"`
}

// fits reports whether amount can be added to current without passing
// ceiling. Written as a subtraction so huge amounts cannot wrap around.
func fits(current, amount, ceiling int64) bool {
	return amount <= ceiling && current <= ceiling-amount
}

func newReservation(granted bool, entryID string, total, ceiling int64, w Window) *Reservation {
	remaining := ceiling - total
	if remaining < 0 {
		remaining = 0
	}
	return &Reservation{
		Granted:      granted,
		EntryID:      entryID,
		CurrentTotal: total,
		Remaining:    remaining,
		Window:       w,
	}
}

// Ledger is the append-only cost ledger.
type Ledger interface {
	// TryReserve atomically checks total+amount <= ceiling for the window and
	// appends a provisional entry only when it fits. A refusal writes nothing.
	TryReserve(ctx context.Context, req ReserveRequest) (*Reservation, error)

	// Release appends a compensating entry for a previous reservation.
	// Releasing the same entry twice is a no-op.
	Release(ctx context.Context, entryID string) error

	// Total returns the net spend recorded against key in the window.
	Total(ctx context.Context, key string, w Window) (int64, error)
}
