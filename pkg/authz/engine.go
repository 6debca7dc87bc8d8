package authz

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// RelationTuple represents a directed edge in the relationship graph.
// (principal:alice) -> [member] -> (role:admin)
type RelationTuple struct {
	Object   string `json:"object"`   // namespace:id (e.g., "role:admin", "group:ops")
	Relation string `json:"relation"` // "member"
	Subject  string `json:"subject"`  // "principal:alice" or "group:ops"
}

const relationMember = "member"

// Engine is an in-memory relationship graph used as a RoleResolver.
// Role membership is stored as role:<name>#member@principal:<id>; groups
// may be granted roles and principals may be members of groups.
type Engine struct {
	mu      sync.RWMutex
	graph   map[string]struct{} // Set of "object#relation@subject" strings for fast lookup
	tuples  []RelationTuple
	revoked map[string]struct{}
}

// NewEngine creates an empty relationship graph.
func NewEngine() *Engine {
	return &Engine{
		graph:   make(map[string]struct{}),
		tuples:  make([]RelationTuple, 0),
		revoked: make(map[string]struct{}),
	}
}

// WriteTuple adds a relationship to the graph.
func (e *Engine) WriteTuple(ctx context.Context, tuple RelationTuple) error {
	_ = ctx
	e.mu.Lock()
	defer e.mu.Unlock()

	key := tupleKey(tuple)
	if _, exists := e.graph[key]; exists {
		return nil // Idempotent
	}

	e.graph[key] = struct{}{}
	e.tuples = append(e.tuples, tuple)
	return nil
}

// Grant gives principalID the role directly.
func (e *Engine) Grant(ctx context.Context, principalID string, role Role) error {
	return e.WriteTuple(ctx, RelationTuple{
		Object:   "role:" + string(role),
		Relation: relationMember,
		Subject:  "principal:" + principalID,
	})
}

// GrantGroup gives every member of group the role.
func (e *Engine) GrantGroup(ctx context.Context, group string, role Role) error {
	return e.WriteTuple(ctx, RelationTuple{
		Object:   "role:" + string(role),
		Relation: relationMember,
		Subject:  "group:" + group,
	})
}

// AddToGroup makes principalID a member of group.
func (e *Engine) AddToGroup(ctx context.Context, principalID, group string) error {
	return e.WriteTuple(ctx, RelationTuple{
		Object:   "group:" + group,
		Relation: relationMember,
		Subject:  "principal:" + principalID,
	})
}

// Revoke marks a principal revoked. Revoked principals resolve to no roles.
func (e *Engine) Revoke(principalID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.revoked[principalID] = struct{}{}
}

// Check verifies if "subject" has "relation" on "object".
// Returns true if the relationship exists directly or through a group.
func (e *Engine) Check(ctx context.Context, object, relation, subject string) (bool, error) {
	_ = ctx
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.checkRecursive(object, relation, subject, make(map[string]bool)), nil
}

// RolesFor implements RoleResolver.
func (e *Engine) RolesFor(ctx context.Context, principalID string) (RoleSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	roles := RoleSet{}
	if principalID == "" {
		return roles, nil
	}
	if _, ok := e.revoked[principalID]; ok {
		return roles, nil
	}

	subject := "principal:" + principalID
	seen := make(map[string]struct{})
	for _, t := range e.tuples {
		if !strings.HasPrefix(t.Object, "role:") || t.Relation != relationMember {
			continue
		}
		if _, done := seen[t.Object]; done {
			continue
		}
		seen[t.Object] = struct{}{}
		if e.checkRecursive(t.Object, relationMember, subject, make(map[string]bool)) {
			roles[Role(strings.TrimPrefix(t.Object, "role:"))] = struct{}{}
		}
	}
	return roles, nil
}

func (e *Engine) checkRecursive(object, relation, subject string, visited map[string]bool) bool {
	// 1. Direct Check
	if _, ok := e.graph[fmt.Sprintf("%s#%s@%s", object, relation, subject)]; ok {
		return true
	}

	// 2. Loop detection
	visitKey := fmt.Sprintf("%s#%s", object, relation)
	if visited[visitKey] {
		return false
	}
	visited[visitKey] = true

	// 3. Group expansion: (object#relation@group:G) AND (group:G#member@subject)
	for _, t := range e.tuples {
		if t.Object != object || t.Relation != relation {
			continue
		}
		if isGroup(t.Subject) && e.checkRecursive(t.Subject, relationMember, subject, visited) {
			return true
		}
	}
	return false
}

func tupleKey(t RelationTuple) string {
	return fmt.Sprintf("%s#%s@%s", t.Object, t.Relation, t.Subject)
}

func isGroup(subject string) bool {
	return strings.HasPrefix(subject, "group:")
}
