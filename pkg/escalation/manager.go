// Package escalation provides the approval workflow: the runtime that holds
// proposals needing human sign-off, tracks their lifecycle, enforces expiry
// and records exactly one resolution per request.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/physicsrail/pkg/authz"
	"github.com/Mindburn-Labs/physicsrail/pkg/contracts"
)

// DefaultTTL is how long a request stays open when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// Manager handles the lifecycle of approval requests.
type Manager struct {
	store    Store
	roles    authz.RoleResolver
	notifier Notifier
	releaser Releaser
	ttl      time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

// NewManager creates a manager over store. roles decides membership for
// role-pool approvers; a nil resolver means only named principals can approve.
func NewManager(store Store, roles authz.RoleResolver) *Manager {
	return &Manager{
		store:  store,
		roles:  roles,
		ttl:    DefaultTTL,
		clock:  time.Now,
		logger: slog.Default().With("component", "escalation"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithTTL sets the approval window for new requests.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	if ttl > 0 {
		m.ttl = ttl
	}
	return m
}

// WithNotifier sets the event sink.
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notifier = n
	return m
}

// Releaser returns held spend to the cost ledger.
type Releaser interface {
	Release(ctx context.Context, entryID string) error
}

// WithReleaser sets where reservations held by denied or expired requests
// are released.
func (m *Manager) WithReleaser(r Releaser) *Manager {
	m.releaser = r
	return m
}

// TTL returns the configured approval window.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Create opens a pending request for proposal. The proposal hash is fixed
// at creation so executors can check they run exactly what was approved.
// reservations are ledger entries the request holds until it is resolved.
func (m *Manager) Create(ctx context.Context, proposal contracts.ActionProposal, approver contracts.ApproverRole, tier contracts.Tier, reservations []string) (*contracts.ApprovalRequest, error) {
	if err := approver.Validate(); err != nil {
		return nil, err
	}
	hash, err := contracts.HashProposal(proposal)
	if err != nil {
		return nil, fmt.Errorf("hash proposal: %w", err)
	}

	now := m.clock().UTC()
	req := &contracts.ApprovalRequest{
		ID:           uuid.New().String(),
		Proposal:     proposal,
		ProposalHash: hash,
		ApproverRole: approver,
		Tier:         tier,
		State:        contracts.ApprovalPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),

		ReservationIDs: reservations,
	}
	if err := m.store.Insert(ctx, req); err != nil {
		return nil, fmt.Errorf("create approval request: %w", err)
	}

	m.logger.InfoContext(ctx, "approval request created",
		"request_id", req.ID,
		"proposal_id", proposal.ProposalID,
		"approver_role", string(approver),
		"tier", tier.String(),
		"expires_at", req.ExpiresAt,
	)
	m.notify(ctx, EventCreated, req)
	return req, nil
}

// Get returns a request. A pending request past its expiry is moved to
// expired, and persisted, before it is returned.
func (m *Manager) Get(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	req, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.expireIfDue(ctx, req)
}

func (m *Manager) expireIfDue(ctx context.Context, req *contracts.ApprovalRequest) (*contracts.ApprovalRequest, error) {
	now := m.clock().UTC()
	if req.State != contracts.ApprovalPending || !req.ExpiredAt(now) {
		return req, nil
	}

	moved, err := m.store.Transition(ctx, req.ID, Transition{To: contracts.ApprovalExpired, ResolvedAt: now})
	if err != nil {
		return nil, fmt.Errorf("expire approval request: %w", err)
	}
	if !moved {
		// Someone else resolved or expired it; report what they recorded.
		return m.store.Get(ctx, req.ID)
	}

	req.State = contracts.ApprovalExpired
	req.ResolvedAt = &now
	m.logger.InfoContext(ctx, "approval request expired", "request_id", req.ID)
	m.release(ctx, req)
	m.notify(ctx, EventExpired, req)
	return req, nil
}

// Resolve records an approver's decision.
//
// Repeating the recorded decision returns the request unchanged, so
// duplicate deliveries are harmless. The opposite decision fails with
// ErrAlreadyResolved, and any decision on an expired request fails with
// ErrApprovalWindowClosed.
func (m *Manager) Resolve(ctx context.Context, id, approverID string, decision contracts.Decision, comment string) (*contracts.ApprovalRequest, error) {
	if !decision.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	req, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.authorize(ctx, req, approverID); err != nil {
		return nil, err
	}

	req, err = m.expireIfDue(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.State.Terminal() {
		return settled(req, decision)
	}

	now := m.clock().UTC()
	moved, err := m.store.Transition(ctx, id, Transition{
		To:         decision.State(),
		ResolvedAt: now,
		ResolvedBy: approverID,
		Comment:    comment,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve approval request: %w", err)
	}
	if !moved {
		current, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		// Still pending means the window closed under us.
		if current, err = m.expireIfDue(ctx, current); err != nil {
			return nil, err
		}
		return settled(current, decision)
	}

	req.State = decision.State()
	req.ResolvedAt = &now
	req.ResolvedBy = approverID
	req.Comment = comment

	m.logger.InfoContext(ctx, "approval request resolved",
		"request_id", id,
		"decision", string(decision),
		"approver", approverID,
	)
	if req.State == contracts.ApprovalDenied {
		m.release(ctx, req)
	}
	m.notify(ctx, EventResolved, req)
	return req, nil
}

// settled maps a decision against an already-terminal request.
func settled(req *contracts.ApprovalRequest, decision contracts.Decision) (*contracts.ApprovalRequest, error) {
	switch req.State {
	case contracts.ApprovalExpired:
		return nil, ErrApprovalWindowClosed
	case decision.State():
		return req, nil
	default:
		return nil, fmt.Errorf("%w: request %s is %s", ErrAlreadyResolved, req.ID, req.State)
	}
}

func (m *Manager) authorize(ctx context.Context, req *contracts.ApprovalRequest, approverID string) error {
	if approverID == "" {
		return fmt.Errorf("%w: no approver identity", ErrNotAuthorized)
	}
	if approverID == req.Proposal.PrincipalID {
		return fmt.Errorf("%w: a principal may not approve their own proposal", ErrNotAuthorized)
	}

	if p, ok := req.ApproverRole.Principal(); ok {
		if p == approverID {
			return nil
		}
		return fmt.Errorf("%w: request is assigned to another principal", ErrNotAuthorized)
	}

	role, ok := req.ApproverRole.Role()
	if !ok || m.roles == nil {
		return fmt.Errorf("%w: approver role %q cannot be checked", ErrNotAuthorized, req.ApproverRole)
	}
	roles, err := m.roles.RolesFor(ctx, approverID)
	if err != nil {
		return fmt.Errorf("%w: role lookup failed: %v", ErrNotAuthorized, err)
	}
	if !roles.Has(authz.Role(role)) {
		return fmt.Errorf("%w: approver lacks role %q", ErrNotAuthorized, role)
	}
	return nil
}

// SweepExpired moves every overdue pending request to expired and returns
// how many it moved.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	ids, err := m.store.ListExpired(ctx, m.clock().UTC(), 500)
	if err != nil {
		return 0, fmt.Errorf("list expired: %w", err)
	}

	swept := 0
	for _, id := range ids {
		req, err := m.store.Get(ctx, id)
		if err != nil {
			return swept, err
		}
		before := req.State
		req, err = m.expireIfDue(ctx, req)
		if err != nil {
			return swept, err
		}
		if before == contracts.ApprovalPending && req.State == contracts.ApprovalExpired {
			swept++
		}
	}
	if swept > 0 {
		m.logger.InfoContext(ctx, "swept expired approval requests", "count", swept)
	}
	return swept, nil
}

// Run sweeps on every tick until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				m.logger.ErrorContext(ctx, "approval sweep failed", "error", err)
			}
		}
	}
}

// release returns the request's held spend. Only the writer that moved the
// request out of pending calls it, so each reservation is released once.
func (m *Manager) release(ctx context.Context, req *contracts.ApprovalRequest) {
	if m.releaser == nil || len(req.ReservationIDs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, id := range req.ReservationIDs {
		if err := m.releaser.Release(ctx, id); err != nil {
			m.logger.ErrorContext(ctx, "release held reservation failed",
				"request_id", req.ID, "entry_id", id, "error", err)
		}
	}
}

func (m *Manager) notify(ctx context.Context, typ EventType, req *contracts.ApprovalRequest) {
	if m.notifier == nil {
		return
	}
	ev := Event{Type: typ, Request: req.Clone(), OccurredAt: m.clock().UTC()}
	if err := m.notifier.Notify(ctx, ev); err != nil {
		m.logger.WarnContext(ctx, "approval notification failed",
			"event", string(typ), "request_id", req.ID, "error", err)
	}
}
