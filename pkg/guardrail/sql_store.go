package guardrail

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/physicsrail/pkg/contracts"
	"github.com/Mindburn-Labs/physicsrail/pkg/database"
)

// SQLStore reads agent configs stored as JSON documents in agent_configs.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore creates a store over db.
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, agentID string) (*contracts.AgentConfig, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		s.db.Rebind("SELECT config FROM agent_configs WHERE agent_id = ?"), agentID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load agent config: %w", err)
	}

	var cfg contracts.AgentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode agent config %q: %w", agentID, err)
	}
	if cfg.AgentID == "" {
		cfg.AgentID = agentID
	}
	if err := contracts.CheckPeriod(cfg.PeriodLengthSeconds); err != nil {
		return nil, fmt.Errorf("agent config %q: %w", agentID, err)
	}
	return &cfg, nil
}

// Put upserts an agent config. Administrative surface only.
func (s *SQLStore) Put(ctx context.Context, cfg contracts.AgentConfig) error {
	if err := contracts.CheckPeriod(cfg.PeriodLengthSeconds); err != nil {
		return fmt.Errorf("agent config %q: %w", cfg.AgentID, err)
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode agent config: %w", err)
	}
	query := `INSERT INTO agent_configs (agent_id, config, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (agent_id) DO UPDATE SET config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), cfg.AgentID, string(raw)); err != nil {
		return fmt.Errorf("persist agent config: %w", err)
	}
	return nil
}
