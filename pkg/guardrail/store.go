// Package guardrail provides read-only access to per-agent configuration:
// which actions an agent may never perform, which always need a human, and
// the agent's spend ceiling.
package guardrail

import (
	"context"
	"errors"
	"sync"

	"github.com/Mindburn-Labs/physicsrail/pkg/contracts"
)

// ErrAgentNotFound is returned when no configuration exists for an agent id.
var ErrAgentNotFound = errors.New("guardrail: agent not registered")

// Store loads agent configuration. The governance engine never writes it.
type Store interface {
	Get(ctx context.Context, agentID string) (*contracts.AgentConfig, error)
}

// MemoryStore is an in-memory Store. Thread-safe via RWMutex.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]contracts.AgentConfig
}

// NewMemoryStore creates a store pre-loaded with configs.
func NewMemoryStore(configs ...contracts.AgentConfig) *MemoryStore {
	s := &MemoryStore{agents: make(map[string]contracts.AgentConfig, len(configs))}
	for _, c := range configs {
		s.agents[c.AgentID] = c
	}
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, agentID string) (*contracts.AgentConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	// return copy to avoid race on mutation outside lock
	return &c, nil
}

// Put registers or replaces an agent config. This is the administrative
// surface, not used by the engine.
func (s *MemoryStore) Put(cfg contracts.AgentConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[cfg.AgentID] = cfg
}
