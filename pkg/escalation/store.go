package escalation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/physicsrail/pkg/contracts"
)

var (
	// ErrNotFound is returned for an unknown request id.
	ErrNotFound = errors.New("escalation: approval request not found")
	// ErrAlreadyResolved is returned when a decision contradicts a recorded one.
	ErrAlreadyResolved = errors.New("escalation: approval request already resolved")
	// ErrApprovalWindowClosed is returned when deciding on an expired request.
	ErrApprovalWindowClosed = errors.New("escalation: approval window closed")
	// ErrNotAuthorized is returned when the approver does not satisfy the request's approver role.
	ErrNotAuthorized = errors.New("escalation: approver not authorized")
	// ErrInvalidDecision is returned for a decision other than approved or denied.
	ErrInvalidDecision = errors.New("escalation: invalid decision")
)

// Transition describes a move out of the pending state.
type Transition struct {
	To         contracts.ApprovalState
	ResolvedAt time.Time
	ResolvedBy string
	Comment    string
}

// Store persists approval requests.
type Store interface {
	Insert(ctx context.Context, req *contracts.ApprovalRequest) error
	Get(ctx context.Context, id string) (*contracts.ApprovalRequest, error)
	// Transition applies t only if the request is still pending, and for a
	// decision only before expires_at. It reports false, with no error,
	// when another writer got there first or the window has closed.
	Transition(ctx context.Context, id string, t Transition) (bool, error)
	// ListExpired returns ids of pending requests whose expiry is at or before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// MemoryStore is an in-memory Store. Thread-safe via Mutex.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*contracts.ApprovalRequest
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*contracts.ApprovalRequest)}
}

func (s *MemoryStore) Insert(ctx context.Context, req *contracts.ApprovalRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return errors.New("escalation: duplicate request id")
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, t Transition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if req.State != contracts.ApprovalPending {
		return false, nil
	}
	if t.To != contracts.ApprovalExpired && req.ExpiredAt(t.ResolvedAt) {
		return false, nil
	}
	at := t.ResolvedAt
	req.State = t.To
	req.ResolvedAt = &at
	req.ResolvedBy = t.ResolvedBy
	req.Comment = t.Comment
	return true, nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, req := range s.requests {
		if req.State == contracts.ApprovalPending && req.ExpiredAt(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// PendingCount returns the number of pending requests.
func (s *MemoryStore) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, req := range s.requests {
		if req.State == contracts.ApprovalPending {
			count++
		}
	}
	return count
}
