package authz

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/physicsrail/pkg/database"
)

// SQLResolver reads role grants from the principal_roles table.
// Revoked grants (revoked_at set) are ignored.
type SQLResolver struct {
	db *database.DB
}

// NewSQLResolver creates a resolver over db.
func NewSQLResolver(db *database.DB) *SQLResolver {
	return &SQLResolver{db: db}
}

// RolesFor implements RoleResolver.
func (r *SQLResolver) RolesFor(ctx context.Context, principalID string) (RoleSet, error) {
	roles := RoleSet{}
	if principalID == "" {
		return roles, nil
	}

	rows, err := r.db.QueryContext(ctx,
		r.db.Rebind("SELECT role FROM principal_roles WHERE principal_id = ? AND revoked_at IS NULL"),
		principalID)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles[Role(role)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

// Grant inserts a role grant, clearing any earlier revocation.
func (r *SQLResolver) Grant(ctx context.Context, principalID string, role Role) error {
	query := `INSERT INTO principal_roles (principal_id, role, revoked_at) VALUES (?, ?, NULL)
		ON CONFLICT (principal_id, role) DO UPDATE SET revoked_at = NULL`
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), principalID, string(role)); err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}
