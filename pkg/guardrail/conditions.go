package guardrail

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/physicsrail/pkg/contracts"
)

// ConditionEvaluator evaluates an agent's approval conditions: CEL
// expressions over the proposal that force human sign-off when true.
//
// Available variables:
//
//	action    string              the proposal's action type
//	cost      int                 estimated cost in cost units
//	workspace string              workspace id, empty if none
//	agent     string              agent id
//	principal string              proposing principal
//	payload   map(string, dyn)    the opaque payload
type ConditionEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewConditionEvaluator creates an evaluator with the standard environment.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("cost", cel.IntType),
		cel.Variable("workspace", cel.StringType),
		cel.Variable("agent", cel.StringType),
		cel.Variable("principal", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ConditionEvaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Compile checks expr and caches its program. Policy loaders call it so a
// malformed expression is rejected at load time rather than at decision time.
func (e *ConditionEvaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

// RequiresApproval reports whether any condition matches the proposal.
// An expression that fails to compile or evaluate, or yields a non-bool,
// returns an error; callers treat that as a denial.
func (e *ConditionEvaluator) RequiresApproval(cfg *contracts.AgentConfig, p contracts.ActionProposal) (bool, string, error) {
	if cfg == nil || len(cfg.ApprovalConditions) == 0 {
		return false, "", nil
	}

	payload := p.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	vars := map[string]any{
		"action":    string(p.ActionType),
		"cost":      p.EstimatedCost,
		"workspace": p.WorkspaceID,
		"agent":     p.OnBehalfOfAgentID,
		"principal": p.PrincipalID,
		"payload":   payload,
	}

	for _, expr := range cfg.ApprovalConditions {
		prg, err := e.program(expr)
		if err != nil {
			return false, expr, err
		}
		out, _, err := prg.Eval(vars)
		if err != nil {
			return false, expr, fmt.Errorf("evaluate condition %q: %w", expr, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return false, expr, fmt.Errorf("condition %q returned %T, want bool", expr, out.Value())
		}
		if matched {
			return true, expr, nil
		}
	}
	return false, "", nil
}

func (e *ConditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program condition %q: %w", expr, err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}
