package contracts

import (
	"fmt"
	"time"
)

// AgentConfig describes a registered autonomous agent. It is owned by the
// agent's human operator and is read-only to the governance engine.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type AgentConfig struct {
	AgentID                  string       `json:"agent_id" yaml:"agent_id"`
	OwnerPrincipalID         string       `json:"owner_principal_id" yaml:"owner_principal_id"`
	ForbiddenActions         []ActionType `json:"forbidden_actions,omitempty" yaml:"forbidden_actions,omitempty"`
	MandatoryApprovalActions []ActionType `json:"mandatory_approval_actions,omitempty" yaml:"mandatory_approval_actions,omitempty"`
	// CostCeilingPerPeriod of zero means no ceiling applies to the agent key.
	CostCeilingPerPeriod int64 `json:"cost_ceiling_per_period" yaml:"cost_ceiling_per_period"`
	PeriodLengthSeconds  int64 `json:"period_length_seconds" yaml:"period_length_seconds"`

	// ApproverRole overrides the engine default for requests this agent spawns.
	ApproverRole ApproverRole `json:"approver_role,omitempty" yaml:"approver_role,omitempty"`
	// ApprovalConditions are CEL expressions; any that evaluates true makes
	// approval mandatory for the proposal.
	ApprovalConditions []string `json:"approval_conditions,omitempty" yaml:"approval_conditions,omitempty"`
}

// Forbids reports whether the agent may never perform t.
func (c *AgentConfig) Forbids(t ActionType) bool {
	return containsAction(c.ForbiddenActions, t)
}

// RequiresApproval reports whether t always needs human sign-off for this agent.
func (c *AgentConfig) RequiresApproval(t ActionType) bool {
	return containsAction(c.MandatoryApprovalActions, t)
}

// MaxPeriodSeconds caps period_length_seconds at ten years.
const MaxPeriodSeconds int64 = 10 * 366 * 24 * 60 * 60

// CheckPeriod rejects period lengths that are negative or longer than
// MaxPeriodSeconds. Zero selects the default period.
func CheckPeriod(seconds int64) error {
	if seconds < 0 || seconds > MaxPeriodSeconds {
		return fmt.Errorf("period_length_seconds %d outside [0, %d]", seconds, MaxPeriodSeconds)
	}
	return nil
}

// PeriodOf converts period_length_seconds to a duration, defaulting to one
// day and clamping at MaxPeriodSeconds.
func PeriodOf(seconds int64) time.Duration {
	switch {
	case seconds <= 0:
		return 24 * time.Hour
	case seconds > MaxPeriodSeconds:
		seconds = MaxPeriodSeconds
	}
	return time.Duration(seconds) * time.Second
}

// Period returns the accounting period length, defaulting to one day.
func (c *AgentConfig) Period() time.Duration {
	return PeriodOf(c.PeriodLengthSeconds)
}

func containsAction(set []ActionType, t ActionType) bool {
	for _, a := range set {
		if a == t {
			return true
		}
	}
	return false
}

// CostLedgerEntry is one append-only row of provisional spend.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type CostLedgerEntry struct {
	ID                string    `json:"id"`
	Key               string    `json:"key"`
	Amount            int64     `json:"amount"`
	Timestamp         time.Time `json:"timestamp"`
	PeriodStart       time.Time `json:"period_start"`
	ProposalReference string    `json:"proposal_reference"`
	// Provisional entries await reconciliation against actual execution cost.
	Provisional bool `json:"provisional"`
}
