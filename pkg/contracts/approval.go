package contracts

import (
	"fmt"
	"strings"
	"time"
)

// ApprovalState represents the current state of an approval request.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalDenied   ApprovalState = "denied"
	ApprovalExpired  ApprovalState = "expired"
)

// Terminal reports whether no further transition may leave the state.
func (s ApprovalState) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalDenied || s == ApprovalExpired
}

// Decision is what an approver submits for a pending request.
type Decision string

const (
	DecisionApprove Decision = "approved"
	DecisionDeny    Decision = "denied"
)

// Valid reports whether d is one of the two accepted decisions.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionDeny
}

// State returns the terminal state the decision leads to.
func (d Decision) State() ApprovalState {
	if d == DecisionApprove {
		return ApprovalApproved
	}
	return ApprovalDenied
}

// ApproverRole names who may resolve a request: either a single principal
// ("principal:alice") or any holder of a role ("role:admin").
type ApproverRole string

const (
	approverPrincipalPrefix = "principal:"
	approverRolePrefix      = "role:"
)

// ApproverPrincipal builds an approver spec naming one individual.
func ApproverPrincipal(id string) ApproverRole {
	return ApproverRole(approverPrincipalPrefix + id)
}

// ApproverPool builds an approver spec naming a role-based pool.
func ApproverPool(role string) ApproverRole {
	return ApproverRole(approverRolePrefix + role)
}

// Principal returns the named individual, if the approver names one.
func (a ApproverRole) Principal() (string, bool) {
	s := string(a)
	if strings.HasPrefix(s, approverPrincipalPrefix) {
		return strings.TrimPrefix(s, approverPrincipalPrefix), true
	}
	return "", false
}

// Role returns the role pool, if the approver names one.
func (a ApproverRole) Role() (string, bool) {
	s := string(a)
	if strings.HasPrefix(s, approverRolePrefix) {
		return strings.TrimPrefix(s, approverRolePrefix), true
	}
	return "", false
}

// Validate checks the approver is one of the two accepted forms.
func (a ApproverRole) Validate() error {
	if p, ok := a.Principal(); ok && p != "" {
		return nil
	}
	if r, ok := a.Role(); ok && r != "" {
		return nil
	}
	return fmt.Errorf("invalid approver role %q (want principal:<id> or role:<name>)", string(a))
}

// ApprovalRequest is a tracked escalation for an action that cannot
// auto-execute. Terminal states are approved, denied and expired.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ApprovalRequest struct {
	ID           string         `json:"id"`
	Proposal     ActionProposal `json:"proposal"`
	ProposalHash string         `json:"proposal_hash"`
	ApproverRole ApproverRole   `json:"approver_role"`
	Tier         Tier           `json:"tier"`
	State        ApprovalState  `json:"state"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy   string         `json:"resolved_by,omitempty"`
	Comment      string         `json:"comment,omitempty"`
	// ReservationIDs are the cost ledger entries held while the request is
	// open. They are released if the request ends denied or expired.
	ReservationIDs []string `json:"reservation_ids,omitempty"`
}

// ExpiredAt reports whether the request's window has closed at now.
func (r *ApprovalRequest) ExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Clone returns a deep-enough copy for handing out of a store.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	c := *r
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	if r.ReservationIDs != nil {
		c.ReservationIDs = append([]string(nil), r.ReservationIDs...)
	}
	if r.Proposal.Payload != nil {
		c.Proposal.Payload = make(map[string]any, len(r.Proposal.Payload))
		for k, v := range r.Proposal.Payload {
			c.Proposal.Payload[k] = v
		}
	}
	return &c
}
