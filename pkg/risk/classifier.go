// Package risk maps action types to impact tiers. The table is fixed when the
// classifier is built; nothing mutates it afterwards.
package risk

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/Mindburn-Labs/physicsrail/pkg/contracts"
)

// DefaultTable is the built-in action → tier mapping.
var DefaultTable = map[contracts.ActionType]contracts.Tier{
	contracts.ActionReadRecord:        contracts.TierLow,
	contracts.ActionCreateRecord:      contracts.TierLow,
	contracts.ActionGenerateContent:   contracts.TierLow,
	contracts.ActionUpdateRecord:      contracts.TierMedium,
	contracts.ActionSendEmail:         contracts.TierMedium,
	contracts.ActionPostMessage:       contracts.TierMedium,
	contracts.ActionCallExternalAPI:   contracts.TierMedium,
	contracts.ActionSpawnWorkflow:     contracts.TierHigh,
	contracts.ActionDeleteRecord:      contracts.TierHigh,
	contracts.ActionTransferFunds:     contracts.TierCritical,
	contracts.ActionModifyPermissions: contracts.TierCritical,
}

// Classifier resolves the tier for an action type.
type Classifier struct {
	table  map[contracts.ActionType]contracts.Tier
	gaps   atomic.Int64
	logger *slog.Logger
}

// NewClassifier builds a classifier from the defaults with overrides applied.
// Overrides may only name known action types and valid tiers.
func NewClassifier(overrides map[contracts.ActionType]contracts.Tier) (*Classifier, error) {
	table := make(map[contracts.ActionType]contracts.Tier, len(DefaultTable))
	for a, t := range DefaultTable {
		table[a] = t
	}
	for a, t := range overrides {
		if !a.IsKnown() {
			return nil, fmt.Errorf("risk: override for unknown action type %q", a)
		}
		if t < contracts.TierLow || t > contracts.TierCritical {
			return nil, fmt.Errorf("risk: invalid tier %d for %q", t, a)
		}
		table[a] = t
	}
	return newClassifier(table), nil
}

// NewClassifierFromTable builds a classifier over exactly table, without
// defaults. Entries missing from table classify as critical.
func NewClassifierFromTable(table map[contracts.ActionType]contracts.Tier) *Classifier {
	cp := make(map[contracts.ActionType]contracts.Tier, len(table))
	for a, t := range table {
		cp[a] = t
	}
	return newClassifier(cp)
}

func newClassifier(table map[contracts.ActionType]contracts.Tier) *Classifier {
	return &Classifier{
		table:  table,
		logger: slog.Default().With("component", "risk"),
	}
}

// Classify returns the tier for t. ok is false when the table has no entry,
// in which case the tier is critical and the gap is logged and counted.
func (c *Classifier) Classify(t contracts.ActionType) (tier contracts.Tier, ok bool) {
	tier, ok = c.table[t]
	if ok {
		return tier, true
	}
	c.gaps.Add(1)
	c.logger.Warn("risk table has no entry for action type; classifying as critical",
		"action_type", string(t))
	return contracts.TierCritical, false
}

// Gaps returns how many lookups fell back to critical.
func (c *Classifier) Gaps() int64 { return c.gaps.Load() }

// Table returns a copy of the effective mapping.
func (c *Classifier) Table() map[contracts.ActionType]contracts.Tier {
	out := make(map[contracts.ActionType]contracts.Tier, len(c.table))
	for a, t := range c.table {
		out[a] = t
	}
	return out
}

// Missing lists known action types with no entry. Startup code logs these.
func (c *Classifier) Missing() []contracts.ActionType {
	var out []contracts.ActionType
	for _, a := range contracts.KnownActionTypes {
		if _, ok := c.table[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}
