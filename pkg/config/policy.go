package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/physicsrail/pkg/contracts"
)

// SupportedPolicyVersions is the range of policy file versions this build reads.
const SupportedPolicyVersions = "^1"

// Policy is the governance policy file: registered agents, principal
// roles, tier overrides and workspace spend ceilings.
type Policy struct {
	Version             string                                  `yaml:"version"`
	DefaultApproverRole contracts.ApproverRole                  `yaml:"default_approver_role"`
	OverrideRoles       []string                                `yaml:"override_roles,omitempty"`
	Tiers               map[contracts.ActionType]contracts.Tier `yaml:"tiers,omitempty"`
	Workspaces          map[string]WorkspaceLimit               `yaml:"workspaces,omitempty"`
	Roles               map[string][]string                     `yaml:"roles,omitempty"`
	Agents              []contracts.AgentConfig                 `yaml:"agents,omitempty"`
}

// WorkspaceLimit is a spend ceiling shared by everything in a workspace.
type WorkspaceLimit struct {
	CostCeilingPerPeriod int64 `yaml:"cost_ceiling_per_period"`
	PeriodLengthSeconds  int64 `yaml:"period_length_seconds"`
}

// Period returns the accounting period, defaulting to one day.
func (w WorkspaceLimit) Period() time.Duration {
	return contracts.PeriodOf(w.PeriodLengthSeconds)
}

// DefaultPolicy is used when no policy file is configured: no agents, no
// ceilings, built-in tiers, and admins approve.
func DefaultPolicy() *Policy {
	return &Policy{
		Version:             "1.0.0",
		DefaultApproverRole: contracts.ApproverPool("admin"),
		OverrideRoles:       []string{"admin"},
	}
}

// LoadPolicy reads and validates a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates policy YAML.
func ParsePolicy(data []byte) (*Policy, error) {
	p := DefaultPolicy()
	p.Version = ""
	p.OverrideRoles = nil
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if p.OverrideRoles == nil {
		p.OverrideRoles = []string{"admin"}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the version gate and every cross reference in the file.
func (p *Policy) Validate() error {
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return fmt.Errorf("policy version %q: %w", p.Version, err)
	}
	supported, err := semver.NewConstraint(SupportedPolicyVersions)
	if err != nil {
		return err
	}
	if !supported.Check(v) {
		return fmt.Errorf("policy version %s not supported (want %s)", v, SupportedPolicyVersions)
	}

	var errs []error
	if err := p.DefaultApproverRole.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("default_approver_role: %w", err))
	}
	for a, t := range p.Tiers {
		if !a.IsKnown() {
			errs = append(errs, fmt.Errorf("tiers: unknown action type %q", a))
		}
		if t < contracts.TierLow || t > contracts.TierCritical {
			errs = append(errs, fmt.Errorf("tiers: invalid tier for %q", a))
		}
	}
	for id, w := range p.Workspaces {
		if w.CostCeilingPerPeriod < 0 {
			errs = append(errs, fmt.Errorf("workspaces.%s: negative ceiling", id))
		}
		if err := contracts.CheckPeriod(w.PeriodLengthSeconds); err != nil {
			errs = append(errs, fmt.Errorf("workspaces.%s: %w", id, err))
		}
	}

	seen := make(map[string]bool, len(p.Agents))
	for i, a := range p.Agents {
		if a.AgentID == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: missing agent_id", i))
			continue
		}
		if seen[a.AgentID] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate agent_id %q", i, a.AgentID))
		}
		seen[a.AgentID] = true
		if a.CostCeilingPerPeriod < 0 {
			errs = append(errs, fmt.Errorf("agent %s: negative ceiling", a.AgentID))
		}
		if err := contracts.CheckPeriod(a.PeriodLengthSeconds); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", a.AgentID, err))
		}
		if a.ApproverRole != "" {
			if err := a.ApproverRole.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("agent %s: %w", a.AgentID, err))
			}
		}
		for _, set := range [][]contracts.ActionType{a.ForbiddenActions, a.MandatoryApprovalActions} {
			for _, t := range set {
				if !t.IsKnown() {
					errs = append(errs, fmt.Errorf("agent %s: unknown action type %q", a.AgentID, t))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// CompileConditions runs compile over every agent's approval conditions so
// a bad expression fails at load time.
func (p *Policy) CompileConditions(compile func(expr string) error) error {
	var errs []error
	for _, a := range p.Agents {
		for _, expr := range a.ApprovalConditions {
			if err := compile(expr); err != nil {
				errs = append(errs, fmt.Errorf("agent %s: %w", a.AgentID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Workspace returns the limit for a workspace, if one is configured.
func (p *Policy) Workspace(id string) (WorkspaceLimit, bool) {
	if id == "" {
		return WorkspaceLimit{}, false
	}
	w, ok := p.Workspaces[id]
	return w, ok
}
