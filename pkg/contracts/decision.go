package contracts

import "fmt"

// Tier is the intrinsic impact of an action type. Tiers are ordered:
// low < medium < high < critical.
type Tier int

// Tier constants.
const (
	TierLow Tier = iota + 1
	TierMedium
	TierHigh
	TierCritical
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier parses a tier name as written in policy files.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "low":
		return TierLow, nil
	case "medium":
		return TierMedium, nil
	case "high":
		return TierHigh, nil
	case "critical":
		return TierCritical, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// DenialReason is the machine-readable code carried by a denied verdict.
type DenialReason string

const (
	// ReasonGuardrailForbidden: the agent is configured to never perform the action.
	// Not overridable by any role.
	ReasonGuardrailForbidden DenialReason = "guardrail_forbidden"
	// ReasonCostCeilingExceeded: the reservation would overshoot the period ceiling.
	ReasonCostCeilingExceeded DenialReason = "cost_ceiling_exceeded"
	// ReasonApprovalWindowClosed: the approval request expired before resolution.
	ReasonApprovalWindowClosed DenialReason = "approval_window_closed"
	// ReasonGovernanceUnavailable: a collaborator failed or timed out. Safe to retry.
	ReasonGovernanceUnavailable DenialReason = "governance_unavailable"
	// ReasonUnknownActionType: the action type is outside the closed enum.
	ReasonUnknownActionType DenialReason = "unknown_action_type"
	// ReasonApprovalDenied: a human approver rejected the request.
	ReasonApprovalDenied DenialReason = "approval_denied"
)

// Outcome is the top-level verdict kind.
type Outcome string

const (
	OutcomeApproved        Outcome = "approved"
	OutcomeDenied          Outcome = "denied"
	OutcomePendingApproval Outcome = "pending_approval"
)

// Verdict is the engine's answer to a proposal. It is never persisted.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Verdict struct {
	Outcome    Outcome `json:"outcome"`
	ProposalID string  `json:"proposal_id"`

	// Denied
	Reason  DenialReason `json:"reason,omitempty"`
	Message string       `json:"message,omitempty"`
	// Remaining budget in the current period, set on cost_ceiling_exceeded.
	Remaining *int64 `json:"remaining,omitempty"`

	// PendingApproval
	RequestID string `json:"request_id,omitempty"`

	// Tier is set once the action has been classified.
	Tier Tier `json:"tier,omitempty"`
}

// Approved builds an approved verdict.
func Approved(proposalID string, tier Tier) Verdict {
	return Verdict{Outcome: OutcomeApproved, ProposalID: proposalID, Tier: tier}
}

// Denied builds a denied verdict with a reason code and explanation.
func Denied(proposalID string, reason DenialReason, message string) Verdict {
	return Verdict{Outcome: OutcomeDenied, ProposalID: proposalID, Reason: reason, Message: message}
}

// Pending builds a pending verdict pointing at an approval request.
func Pending(proposalID, requestID string, tier Tier) Verdict {
	return Verdict{Outcome: OutcomePendingApproval, ProposalID: proposalID, RequestID: requestID, Tier: tier}
}

// IsApproved reports whether the action may be executed immediately.
func (v Verdict) IsApproved() bool { return v.Outcome == OutcomeApproved }

// IsDenied reports whether the action was refused.
func (v Verdict) IsDenied() bool { return v.Outcome == OutcomeDenied }

// IsPending reports whether the action awaits human approval.
func (v Verdict) IsPending() bool { return v.Outcome == OutcomePendingApproval }
