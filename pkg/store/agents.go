package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AgentRow is one database-sourced agent configuration. Config holds the
// decoded JSONB document; sensitive values inside it may carry the enc:
// prefix and are decrypted by the registry on load.
type AgentRow struct {
	ID      string
	GroupID string
	Config  map[string]interface{}
}

// ListAgents returns every stored agent configuration.
func (s *Store) ListAgents(ctx context.Context) ([]AgentRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(group_id, ''), config FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRow
	for rows.Next() {
		var (
			row AgentRow
			raw []byte
		)
		if err := rows.Scan(&row.ID, &row.GroupID, &raw); err != nil {
			return nil, fmt.Errorf("store: scan agent: %w", err)
		}
		if err := json.Unmarshal(raw, &row.Config); err != nil {
			return nil, fmt.Errorf("store: decode agent %s: %w", row.ID, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SaveAgent upserts an agent configuration document.
func (s *Store) SaveAgent(ctx context.Context, row AgentRow) error {
	raw, err := json.Marshal(row.Config)
	if err != nil {
		return fmt.Errorf("store: encode agent %s: %w", row.ID, err)
	}
	var groupID interface{}
	if row.GroupID != "" {
		groupID = row.GroupID
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, group_id, config, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET group_id = $2, config = $3, updated_at = $4`,
		row.ID, groupID, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: save agent %s: %w", row.ID, err)
	}
	return nil
}

// DeleteAgent removes an agent row. Missing rows are not an error.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("store: delete agent %s: %w", id, err)
	}
	return nil
}
