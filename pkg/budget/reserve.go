package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Outcome of reserving against several keys at once.
type Outcome struct {
	// Granted holds the reservations made, in request order. Empty when denied.
	Granted []*Reservation
	// Denied is set to the refusing key's reservation when any key refused.
	Denied    *Reservation
	DeniedKey string
}

// OK reports whether every key granted.
func (o *Outcome) OK() bool { return o.Denied == nil }

// ReserveAll reserves each request in order. If a key refuses, reservations
// already made are released before returning, so a denied proposal leaves no
// net spend behind. If a key errors, the outcome still carries what was
// granted and nothing is released: the caller decides, since a cancelled
// caller keeps its spend.
func ReserveAll(ctx context.Context, ledger Ledger, reqs []ReserveRequest) (*Outcome, error) {
	out := &Outcome{}
	for _, req := range reqs {
		res, err := ledger.TryReserve(ctx, req)
		if err != nil {
			return out, fmt.Errorf("reserve %s: %w", req.Key, err)
		}
		if !res.Granted {
			if rbErr := rollback(ledger, out.Granted); rbErr != nil {
				return nil, rbErr
			}
			out.Granted = nil
			out.Denied = res
			out.DeniedKey = req.Key
			return out, nil
		}
		out.Granted = append(out.Granted, res)
	}
	return out, nil
}

// rollback releases with a fresh context: the caller's context may already
// be done, and an unreleased reservation would overstate spend.
func rollback(ledger Ledger, granted []*Reservation) error {
	var errs []error
	for _, r := range granted {
		if err := ledger.Release(context.Background(), r.EntryID); err != nil {
			slog.Default().With("component", "budget").Error("release after partial reservation failed",
				"entry_id", r.EntryID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
