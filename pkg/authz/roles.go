// Package authz resolves principals to authorization roles.
//
// Every resolver fails closed: an unknown or revoked principal resolves to
// the empty role set rather than an error that a caller could mistake for
// permission.
package authz

import (
	"context"
	"sort"
)

// Role is an authorization role held by a principal.
type Role string

// Well-known roles.
const (
	RoleAdmin           Role = "admin"
	RoleWorkspaceAdmin  Role = "workspace_admin"
	RoleWorkspaceMember Role = "workspace_member"
)

// RoleSet is an unordered set of roles.
type RoleSet map[Role]struct{}

// NewRoleSet builds a set from a list.
func NewRoleSet(roles ...Role) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		if r != "" {
			s[r] = struct{}{}
		}
	}
	return s
}

// Has reports whether r is in the set.
func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

// HasAny reports whether any of roles is in the set.
func (s RoleSet) HasAny(roles ...Role) bool {
	for _, r := range roles {
		if s.Has(r) {
			return true
		}
	}
	return false
}

// Merge returns a new set holding both.
func (s RoleSet) Merge(other RoleSet) RoleSet {
	out := make(RoleSet, len(s)+len(other))
	for r := range s {
		out[r] = struct{}{}
	}
	for r := range other {
		out[r] = struct{}{}
	}
	return out
}

// Sorted lists the roles in a stable order, for logs and responses.
func (s RoleSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for r := range s {
		out = append(out, string(r))
	}
	sort.Strings(out)
	return out
}

// RoleResolver resolves a principal to its roles.
//
// Implementations return the empty set for unknown or revoked principals.
// An error means the backing store could not be consulted at all; callers
// must treat it as a denial.
type RoleResolver interface {
	RolesFor(ctx context.Context, principalID string) (RoleSet, error)
}

// ResolverFunc adapts a function to RoleResolver.
type ResolverFunc func(ctx context.Context, principalID string) (RoleSet, error)

// RolesFor calls f.
func (f ResolverFunc) RolesFor(ctx context.Context, principalID string) (RoleSet, error) {
	return f(ctx, principalID)
}

type assertedRolesKey struct{}

type assertedRoles struct {
	principal string
	roles     RoleSet
}

// WithAssertedRoles attaches roles carried by an already-verified credential
// (e.g. JWT claims) to ctx. They only apply to the named principal.
func WithAssertedRoles(ctx context.Context, principalID string, roles []string) context.Context {
	set := make(RoleSet, len(roles))
	for _, r := range roles {
		if r != "" {
			set[Role(r)] = struct{}{}
		}
	}
	return context.WithValue(ctx, assertedRolesKey{}, assertedRoles{principal: principalID, roles: set})
}

// ClaimsResolver merges roles asserted on the context with those of a
// backing resolver. If the backing resolver fails the whole lookup fails.
type ClaimsResolver struct {
	Next RoleResolver
}

// RolesFor implements RoleResolver.
func (c ClaimsResolver) RolesFor(ctx context.Context, principalID string) (RoleSet, error) {
	base := RoleSet{}
	if c.Next != nil {
		var err error
		base, err = c.Next.RolesFor(ctx, principalID)
		if err != nil {
			return nil, err
		}
	}
	if a, ok := ctx.Value(assertedRolesKey{}).(assertedRoles); ok && a.principal == principalID {
		return base.Merge(a.roles), nil
	}
	return base, nil
}
