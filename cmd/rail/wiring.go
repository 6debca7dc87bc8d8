package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/physicsrail/pkg/authz"
	"github.com/Mindburn-Labs/physicsrail/pkg/budget"
	"github.com/Mindburn-Labs/physicsrail/pkg/config"
	"github.com/Mindburn-Labs/physicsrail/pkg/database"
	"github.com/Mindburn-Labs/physicsrail/pkg/escalation"
	"github.com/Mindburn-Labs/physicsrail/pkg/governance"
	"github.com/Mindburn-Labs/physicsrail/pkg/guardrail"
	"github.com/Mindburn-Labs/physicsrail/pkg/observability"
	"github.com/Mindburn-Labs/physicsrail/pkg/risk"
	"github.com/Mindburn-Labs/physicsrail/pkg/util/resiliency"
)

// rail is a wired engine plus whatever it holds open.
type rail struct {
	engine    *governance.Engine
	approvals *escalation.Manager
	closers   []func() error
}

func (r *rail) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			slog.Default().Warn("close failed", "error", err)
		}
	}
}

// collaborators are the storage-facing pieces the engine is built over.
type collaborators struct {
	roles      authz.RoleResolver
	guardrails guardrail.Store
	ledger     budget.Ledger
	store      escalation.Store
	notifier   escalation.Notifier
}

func loadPolicy(cfg *config.Config) (*config.Policy, error) {
	if cfg.PolicyFile == "" {
		return config.DefaultPolicy(), nil
	}
	return config.LoadPolicy(cfg.PolicyFile)
}

// buildRail wires the server: SQL (Postgres or lite-mode SQLite) for
// agents, roles and approvals, and Redis for the ledger and approval events
// when REDIS_URL is set.
func buildRail(ctx context.Context, cfg *config.Config, telemetry *observability.Provider) (*rail, error) {
	policy, err := loadPolicy(cfg)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	r := &rail{closers: []func() error{db.Close}}
	fail := func(err error) (*rail, error) {
		r.Close()
		return nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		return fail(err)
	}

	agents := guardrail.NewSQLStore(db)
	for _, a := range policy.Agents {
		if err := agents.Put(ctx, a); err != nil {
			return fail(fmt.Errorf("seed agent %s: %w", a.AgentID, err))
		}
	}
	roles := authz.NewSQLResolver(db)
	for principal, granted := range policy.Roles {
		for _, role := range granted {
			if err := roles.Grant(ctx, principal, authz.Role(role)); err != nil {
				return fail(fmt.Errorf("seed roles for %s: %w", principal, err))
			}
		}
	}

	notifiers := escalation.MultiNotifier{escalation.LogNotifier{}}
	if cfg.ApprovalWebhookURL != "" {
		notifiers = append(notifiers, escalation.NewWebhookNotifier(cfg.ApprovalWebhookURL,
			resiliency.WithTimeout(cfg.LookupTimeout)))
	}

	c := collaborators{
		roles:      authz.ClaimsResolver{Next: roles},
		guardrails: agents,
		ledger:     budget.NewSQLLedger(db),
		store:      escalation.NewSQLStore(db),
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("parse REDIS_URL: %w", err))
		}
		client := redis.NewClient(opts)
		r.closers = append(r.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
		c.ledger = budget.NewRedisLedger(client)
		notifiers = append(notifiers, escalation.NewRedisNotifier(client))
		slog.Default().InfoContext(ctx, "redis connected; using redis cost ledger")
	}
	c.notifier = notifiers

	engine, approvals, err := wire(cfg, policy, c, telemetry)
	if err != nil {
		return fail(err)
	}
	r.engine, r.approvals = engine, approvals
	return r, nil
}

// buildDryRun wires an in-memory rail from a policy alone.
func buildDryRun(ctx context.Context, policy *config.Policy) (*rail, error) {
	roles := authz.NewEngine()
	for principal, granted := range policy.Roles {
		for _, role := range granted {
			if err := roles.Grant(ctx, principal, authz.Role(role)); err != nil {
				return nil, err
			}
		}
	}
	cfg := &config.Config{}
	engine, approvals, err := wire(cfg, policy, collaborators{
		roles:      roles,
		guardrails: guardrail.NewMemoryStore(policy.Agents...),
		ledger:     budget.NewMemoryLedger(),
		store:      escalation.NewMemoryStore(),
	}, nil)
	if err != nil {
		return nil, err
	}
	return &rail{engine: engine, approvals: approvals}, nil
}

func wire(cfg *config.Config, policy *config.Policy, c collaborators, telemetry *observability.Provider) (*governance.Engine, *escalation.Manager, error) {
	classifier, err := risk.NewClassifier(policy.Tiers)
	if err != nil {
		return nil, nil, err
	}
	if missing := classifier.Missing(); len(missing) > 0 {
		slog.Default().Warn("risk table incomplete; missing types classify as critical", "missing", missing)
	}

	conditions, err := guardrail.NewConditionEvaluator()
	if err != nil {
		return nil, nil, err
	}
	if err := policy.CompileConditions(conditions.Compile); err != nil {
		return nil, nil, fmt.Errorf("approval conditions: %w", err)
	}

	approvals := escalation.NewManager(c.store, c.roles).
		WithTTL(cfg.ApprovalTTL).
		WithReleaser(c.ledger)
	if c.notifier != nil {
		approvals.WithNotifier(c.notifier)
	}

	opts := governance.Options{
		Roles:           c.roles,
		Guardrails:      c.guardrails,
		Ledger:          c.ledger,
		Classifier:      classifier,
		Approvals:       approvals,
		Conditions:      conditions,
		Workspaces:      policy,
		DefaultApprover: policy.DefaultApproverRole,
		OverrideRoles:   policy.OverrideRoles,
		LookupTimeout:   cfg.LookupTimeout,
	}
	if telemetry != nil {
		opts.Tracer = telemetry.Tracer()
		in, err := observability.NewInstruments(telemetry.Meter())
		if err != nil {
			return nil, nil, err
		}
		opts.Instruments = in
	}
	engine, err := governance.NewEngine(opts)
	if err != nil {
		return nil, nil, errors.Join(errors.New("build engine"), err)
	}
	return engine, approvals, nil
}
