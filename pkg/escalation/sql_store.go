package escalation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/physicsrail/pkg/contracts"
	"github.com/Mindburn-Labs/physicsrail/pkg/database"
)

// SQLStore persists approval requests in the approval_requests table.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore creates a store over db. The schema must already be migrated.
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Insert(ctx context.Context, req *contracts.ApprovalRequest) error {
	proposal, err := json.Marshal(req.Proposal)
	if err != nil {
		return fmt.Errorf("encode proposal: %w", err)
	}
	var reservations sql.NullString
	if len(req.ReservationIDs) > 0 {
		raw, err := json.Marshal(req.ReservationIDs)
		if err != nil {
			return fmt.Errorf("encode reservations: %w", err)
		}
		reservations = sql.NullString{String: string(raw), Valid: true}
	}
	d := s.db.Dialect
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO approval_requests
		(id, proposal, proposal_hash, approver_role, tier, state, created_at, expires_at, reservation_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		req.ID, string(proposal), req.ProposalHash, string(req.ApproverRole), req.Tier.String(),
		string(req.State), d.Time(req.CreatedAt), d.Time(req.ExpiresAt), reservations)
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	var (
		req                          contracts.ApprovalRequest
		proposal                     []byte
		approverRole, tier, state    string
		createdAt, expiresAt, doneAt database.Timestamp
		resolvedBy, comment          sql.NullString
		reservations                 sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT id, proposal, proposal_hash, approver_role, tier, state,
		created_at, expires_at, resolved_at, resolved_by, comment, reservation_ids
		FROM approval_requests WHERE id = ?`), id).
		Scan(&req.ID, &proposal, &req.ProposalHash, &approverRole, &tier, &state,
			&createdAt, &expiresAt, &doneAt, &resolvedBy, &comment, &reservations)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load approval request: %w", err)
	}

	if err := json.Unmarshal(proposal, &req.Proposal); err != nil {
		return nil, fmt.Errorf("decode proposal for %s: %w", id, err)
	}
	if req.Tier, err = contracts.ParseTier(tier); err != nil {
		return nil, fmt.Errorf("decode tier for %s: %w", id, err)
	}
	req.ApproverRole = contracts.ApproverRole(approverRole)
	req.State = contracts.ApprovalState(state)
	req.CreatedAt = createdAt.Time
	req.ExpiresAt = expiresAt.Time
	if doneAt.Valid {
		t := doneAt.Time
		req.ResolvedAt = &t
	}
	req.ResolvedBy = resolvedBy.String
	req.Comment = comment.String
	if reservations.Valid && reservations.String != "" {
		if err := json.Unmarshal([]byte(reservations.String), &req.ReservationIDs); err != nil {
			return nil, fmt.Errorf("decode reservations for %s: %w", id, err)
		}
	}
	return &req, nil
}

func (s *SQLStore) Transition(ctx context.Context, id string, t Transition) (bool, error) {
	at := s.db.Dialect.Time(t.ResolvedAt)
	query := `UPDATE approval_requests
		SET state = ?, resolved_at = ?, resolved_by = ?, comment = ?
		WHERE id = ? AND state = 'pending'`
	args := []any{string(t.To), at, t.ResolvedBy, t.Comment, id}
	if t.To != contracts.ApprovalExpired {
		query += ` AND expires_at > ?`
		args = append(args, at)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("transition approval request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition approval request: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, s.db.Rebind("SELECT COUNT(*) FROM approval_requests WHERE id = ?"), id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check approval request: %w", err)
	}
	if exists == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *SQLStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT id FROM approval_requests
		WHERE state = 'pending' AND expires_at <= ? ORDER BY expires_at LIMIT ?`),
		s.db.Dialect.Time(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired approvals: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired approval: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
