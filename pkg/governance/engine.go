// Package governance is the decision engine every agent-proposed action
// passes through before it may execute.
//
// Evaluate runs a fixed pipeline: resolve the principal's roles, load the
// agent's guardrails, reserve cost against every ceiling that applies,
// classify the action's tier, decide whether a human must approve, and
// either escalate or approve. Any collaborator failure or timeout before a
// verdict is reached denies the proposal with governance_unavailable.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/physicsrail/pkg/authz"
	"github.com/Mindburn-Labs/physicsrail/pkg/budget"
	"github.com/Mindburn-Labs/physicsrail/pkg/config"
	"github.com/Mindburn-Labs/physicsrail/pkg/contracts"
	"github.com/Mindburn-Labs/physicsrail/pkg/guardrail"
	"github.com/Mindburn-Labs/physicsrail/pkg/observability"
	"github.com/Mindburn-Labs/physicsrail/pkg/risk"
)

// Pipeline step names, used for spans and logs.
const (
	StepResolveRoles    = "resolve_roles"
	StepLoadGuardrails  = "load_guardrails"
	StepReserveCost     = "reserve_cost"
	StepClassifyRisk    = "classify_risk"
	StepRequireApproval = "require_approval"
	StepEscalate        = "escalate"
)

// DefaultLookupTimeout bounds each collaborator call when none is configured.
const DefaultLookupTimeout = 2 * time.Second

// ValidationError reports a malformed proposal. It is the only error
// Evaluate returns; every other failure is a denial.
type ValidationError struct {
	Field   string
	Problem string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid proposal: %s %s", e.Field, e.Problem)
}

// Approvals opens approval requests for proposals that need a human.
// *escalation.Manager implements it.
type Approvals interface {
	Create(ctx context.Context, proposal contracts.ActionProposal, approver contracts.ApproverRole, tier contracts.Tier, reservations []string) (*contracts.ApprovalRequest, error)
}

// Workspaces looks up workspace spend ceilings. *config.Policy implements it.
type Workspaces interface {
	Workspace(id string) (config.WorkspaceLimit, bool)
}

// Conditions evaluates an agent's approval conditions.
// *guardrail.ConditionEvaluator implements it.
type Conditions interface {
	RequiresApproval(cfg *contracts.AgentConfig, p contracts.ActionProposal) (bool, string, error)
}

// Options wires the engine's collaborators. Roles, Guardrails, Ledger,
// Classifier and Approvals are required.
type Options struct {
	Roles      authz.RoleResolver
	Guardrails guardrail.Store
	Ledger     budget.Ledger
	Classifier *risk.Classifier
	Approvals  Approvals

	// Optional.
	Conditions      Conditions
	Workspaces      Workspaces
	DefaultApprover contracts.ApproverRole
	// OverrideRoles may run high and critical actions without approval.
	// Guardrails still apply to them.
	OverrideRoles []string
	LookupTimeout time.Duration
	Tracer        trace.Tracer
	Instruments   *observability.Instruments
}

// Engine evaluates action proposals. It is safe for concurrent use.
type Engine struct {
	roles      authz.RoleResolver
	guardrails guardrail.Store
	ledger     budget.Ledger
	classifier *risk.Classifier
	approvals  Approvals
	conditions Conditions
	workspaces Workspaces

	defaultApprover contracts.ApproverRole
	overrideRoles   []authz.Role
	lookupTimeout   time.Duration

	tracer  trace.Tracer
	metrics *observability.Instruments
	clock   func() time.Time
	logger  *slog.Logger
}

// NewEngine builds an engine from opts.
func NewEngine(opts Options) (*Engine, error) {
	switch {
	case opts.Roles == nil:
		return nil, errors.New("governance: role resolver is required")
	case opts.Guardrails == nil:
		return nil, errors.New("governance: guardrail store is required")
	case opts.Ledger == nil:
		return nil, errors.New("governance: cost ledger is required")
	case opts.Classifier == nil:
		return nil, errors.New("governance: risk classifier is required")
	case opts.Approvals == nil:
		return nil, errors.New("governance: approval workflow is required")
	}

	approver := opts.DefaultApprover
	if approver == "" {
		approver = contracts.ApproverPool("admin")
	}
	if err := approver.Validate(); err != nil {
		return nil, fmt.Errorf("governance: default approver: %w", err)
	}

	overrides := opts.OverrideRoles
	if overrides == nil {
		overrides = []string{"admin"}
	}
	roles := make([]authz.Role, 0, len(overrides))
	for _, r := range overrides {
		roles = append(roles, authz.Role(r))
	}

	timeout := opts.LookupTimeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("physicsrail")
	}
	metrics := opts.Instruments
	if metrics == nil {
		var err error
		if metrics, err = observability.NewInstruments(nil); err != nil {
			return nil, fmt.Errorf("governance: instruments: %w", err)
		}
	}

	return &Engine{
		roles:           opts.Roles,
		guardrails:      opts.Guardrails,
		ledger:          opts.Ledger,
		classifier:      opts.Classifier,
		approvals:       opts.Approvals,
		conditions:      opts.Conditions,
		workspaces:      opts.Workspaces,
		defaultApprover: approver,
		overrideRoles:   roles,
		lookupTimeout:   timeout,
		tracer:          tracer,
		metrics:         metrics,
		clock:           time.Now,
		logger:          slog.Default().With("component", "governance"),
	}, nil
}

// WithClock overrides the clock used to place reservations in a period.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// evaluation carries one proposal through the pipeline.
type evaluation struct {
	proposal contracts.ActionProposal
	roles    authz.RoleSet
	agent    *contracts.AgentConfig
	held     []*budget.Reservation
	tier     contracts.Tier
}

func (ev *evaluation) heldIDs() []string {
	if len(ev.held) == 0 {
		return nil
	}
	ids := make([]string, len(ev.held))
	for i, r := range ev.held {
		ids[i] = r.EntryID
	}
	return ids
}

// Evaluate decides whether p may execute now, must wait for a human, or is
// refused. The returned error is non-nil only for a *ValidationError.
func (e *Engine) Evaluate(ctx context.Context, p contracts.ActionProposal) (contracts.Verdict, error) {
	if err := validate(p); err != nil {
		return contracts.Verdict{}, err
	}
	if p.ProposalID == "" {
		p.ProposalID = uuid.NewString()
	}

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "governance.Evaluate", trace.WithAttributes(
		observability.AttrProposalID.String(p.ProposalID),
		observability.AttrPrincipal.String(p.PrincipalID),
		observability.AttrAgentID.String(p.OnBehalfOfAgentID),
		observability.AttrAction.String(string(p.ActionType)),
	))
	defer span.End()

	v := e.run(ctx, &evaluation{proposal: p})

	attrs := []attribute.KeyValue{
		observability.AttrOutcome.String(string(v.Outcome)),
		observability.AttrReason.String(string(v.Reason)),
	}
	span.SetAttributes(attrs...)
	if v.Tier != 0 {
		span.SetAttributes(observability.AttrTier.String(v.Tier.String()))
	}
	e.metrics.Verdicts.Add(ctx, 1, metric.WithAttributes(attrs...))
	e.metrics.EvaluateDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observability.AttrOutcome.String(string(v.Outcome))))

	e.logger.InfoContext(ctx, "verdict",
		"proposal_id", p.ProposalID,
		"principal_id", p.PrincipalID,
		"agent_id", p.OnBehalfOfAgentID,
		"action_type", string(p.ActionType),
		"outcome", string(v.Outcome),
		"reason", string(v.Reason),
		"request_id", v.RequestID,
	)
	return v, nil
}

func validate(p contracts.ActionProposal) error {
	switch {
	case p.PrincipalID == "":
		return &ValidationError{Field: "principal_id", Problem: "is required"}
	case p.ActionType == "":
		return &ValidationError{Field: "action_type", Problem: "is required"}
	case p.EstimatedCost < 0:
		return &ValidationError{Field: "estimated_cost", Problem: "must not be negative"}
	}
	return nil
}

func (e *Engine) run(ctx context.Context, ev *evaluation) contracts.Verdict {
	p := ev.proposal
	if !p.ActionType.IsKnown() {
		e.logger.ErrorContext(ctx, "proposal names an action type outside the known set",
			"proposal_id", p.ProposalID, "action_type", string(p.ActionType))
		return contracts.Denied(p.ProposalID, contracts.ReasonUnknownActionType,
			fmt.Sprintf("action type %q is not recognised", p.ActionType))
	}

	// 1. resolve_roles
	if err := e.step(ctx, StepResolveRoles, func(ctx context.Context) error {
		roles, err := lookup(ctx, func(ctx context.Context) (authz.RoleSet, error) {
			return e.roles.RolesFor(ctx, p.PrincipalID)
		})
		ev.roles = roles
		return err
	}); err != nil {
		return e.unavailable(ctx, ev, StepResolveRoles, err)
	}

	// 2. load_guardrails
	if p.AgentInitiated() {
		if err := e.step(ctx, StepLoadGuardrails, func(ctx context.Context) error {
			cfg, err := lookup(ctx, func(ctx context.Context) (*contracts.AgentConfig, error) {
				return e.guardrails.Get(ctx, p.OnBehalfOfAgentID)
			})
			if err == nil && cfg == nil {
				err = guardrail.ErrAgentNotFound
			}
			ev.agent = cfg
			return err
		}); err != nil {
			return e.unavailable(ctx, ev, StepLoadGuardrails, err)
		}
		if ev.agent.Forbids(p.ActionType) {
			return contracts.Denied(p.ProposalID, contracts.ReasonGuardrailForbidden,
				fmt.Sprintf("agent %s may never perform %s", p.OnBehalfOfAgentID, p.ActionType))
		}
	}

	// 3. reserve_cost
	var denied *budget.Outcome
	if err := e.step(ctx, StepReserveCost, func(ctx context.Context) error {
		reqs := e.reserveRequests(ev)
		if len(reqs) == 0 {
			return nil
		}
		out, err := budget.ReserveAll(ctx, e.ledger, reqs)
		if err != nil {
			if out != nil {
				ev.held = out.Granted
			}
			return err
		}
		if !out.OK() {
			denied = out
			return nil
		}
		ev.held = out.Granted
		return nil
	}); err != nil {
		return e.unavailable(ctx, ev, StepReserveCost, err)
	}
	if denied != nil {
		v := contracts.Denied(p.ProposalID, contracts.ReasonCostCeilingExceeded,
			fmt.Sprintf("cost %d exceeds the remaining %s budget of %d this period",
				p.EstimatedCost, denied.DeniedKey, denied.Denied.Remaining))
		remaining := denied.Denied.Remaining
		v.Remaining = &remaining
		return v
	}

	// 4. classify_risk
	_ = e.step(ctx, StepClassifyRisk, func(ctx context.Context) error {
		tier, ok := e.classifier.Classify(p.ActionType)
		if !ok {
			e.metrics.TierGaps.Add(ctx, 1, metric.WithAttributes(
				observability.AttrAction.String(string(p.ActionType))))
		}
		ev.tier = tier
		return nil
	})

	// 5. require_approval
	var (
		needed bool
		why    string
	)
	if err := e.step(ctx, StepRequireApproval, func(context.Context) error {
		var err error
		needed, why, err = e.requiresApproval(ev)
		return err
	}); err != nil {
		return e.unavailable(ctx, ev, StepRequireApproval, err)
	}
	if !needed {
		return contracts.Approved(p.ProposalID, ev.tier)
	}

	// 6. escalate
	approver := e.defaultApprover
	if ev.agent != nil && ev.agent.ApproverRole != "" {
		approver = ev.agent.ApproverRole
	}
	var req *contracts.ApprovalRequest
	if err := e.step(ctx, StepEscalate, func(ctx context.Context) error {
		var err error
		req, err = e.approvals.Create(ctx, p, approver, ev.tier, ev.heldIDs())
		return err
	}); err != nil {
		return e.unavailable(ctx, ev, StepEscalate, err)
	}
	e.logger.InfoContext(ctx, "approval required",
		"proposal_id", p.ProposalID, "request_id", req.ID, "because", why)
	return contracts.Pending(p.ProposalID, req.ID, ev.tier)
}

// step runs fn in a child span under the lookup timeout.
func (e *Engine) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "governance."+name,
		trace.WithAttributes(observability.AttrStep.String(name)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// lookup calls fn and gives up when ctx ends, even if fn does not watch ctx.
func lookup[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (e *Engine) reserveRequests(ev *evaluation) []budget.ReserveRequest {
	p := ev.proposal
	if p.EstimatedCost == 0 {
		return nil
	}
	now := e.clock()

	var reqs []budget.ReserveRequest
	if ev.agent != nil && ev.agent.CostCeilingPerPeriod > 0 {
		reqs = append(reqs, budget.ReserveRequest{
			Key:         budget.AgentKey(ev.agent.AgentID),
			Amount:      p.EstimatedCost,
			Ceiling:     ev.agent.CostCeilingPerPeriod,
			Window:      budget.WindowAt(now, ev.agent.Period()),
			ProposalRef: p.ProposalID,
		})
	}
	if e.workspaces != nil && p.WorkspaceID != "" {
		if ws, ok := e.workspaces.Workspace(p.WorkspaceID); ok && ws.CostCeilingPerPeriod > 0 {
			reqs = append(reqs, budget.ReserveRequest{
				Key:         budget.WorkspaceKey(p.WorkspaceID),
				Amount:      p.EstimatedCost,
				Ceiling:     ws.CostCeilingPerPeriod,
				Window:      budget.WindowAt(now, ws.Period()),
				ProposalRef: p.ProposalID,
			})
		}
	}
	return reqs
}

// requiresApproval returns whether a human must sign off, and why.
func (e *Engine) requiresApproval(ev *evaluation) (bool, string, error) {
	p := ev.proposal
	if ev.agent != nil {
		if ev.agent.RequiresApproval(p.ActionType) {
			return true, "mandatory approval action", nil
		}
		if e.conditions != nil {
			matched, expr, err := e.conditions.RequiresApproval(ev.agent, p)
			if err != nil {
				return false, "", err
			}
			if matched {
				return true, "condition " + expr, nil
			}
		}
	}
	if ev.tier >= contracts.TierHigh && !ev.roles.HasAny(e.overrideRoles...) {
		return true, "tier " + ev.tier.String(), nil
	}
	return false, "", nil
}

// unavailable denies after a collaborator failure and returns any spend
// this evaluation still holds. A cancelled caller keeps its reservations.
func (e *Engine) unavailable(ctx context.Context, ev *evaluation, step string, err error) contracts.Verdict {
	p := ev.proposal
	e.logger.WarnContext(ctx, "governance step failed; denying",
		"proposal_id", p.ProposalID, "step", step, "error", err)

	if len(ev.held) > 0 && ctx.Err() == nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.lookupTimeout)
		defer cancel()
		for _, r := range ev.held {
			if rerr := e.ledger.Release(rctx, r.EntryID); rerr != nil {
				e.logger.ErrorContext(ctx, "release after failed evaluation",
					"proposal_id", p.ProposalID, "entry_id", r.EntryID, "error", rerr)
			}
		}
	}

	v := contracts.Denied(p.ProposalID, contracts.ReasonGovernanceUnavailable,
		fmt.Sprintf("governance could not complete %s; retry later", step))
	v.Tier = ev.tier
	return v
}
