// ABOUTME: Assistant catalog operations for SQLiteStore
// ABOUTME: Own assistants take precedence over public assistants with the same id

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/2389/coven-state/internal/keyspace"
)

// GetAssistant resolves an assistant for the tenant: its own first, then a
// public one with the same id. Returns ErrNotFound otherwise.
func (s *SQLiteStore) GetAssistant(ctx context.Context, key keyspace.AssistantKey) (*Assistant, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	query := `
		SELECT tenant_id, assistant_id, name, config, public, updated_at
		FROM assistants
		WHERE assistant_id = ? AND (tenant_id = ? OR public = 1)
		ORDER BY tenant_id = ? DESC, updated_at DESC
		LIMIT 1
	`

	var assistant *Assistant
	err := s.retry.do(ctx, "get assistant", func() error {
		var err error
		assistant, err = scanAssistant(s.db.QueryRowContext(ctx, query, key.AssistantID, key.Tenant, key.Tenant))
		return err
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying assistant: %w", err)
	}
	return assistant, nil
}

// PutAssistant creates or replaces an assistant owned by assistant.TenantID.
func (s *SQLiteStore) PutAssistant(ctx context.Context, assistant *Assistant) error {
	key := keyspace.AssistantKey{Tenant: assistant.TenantID, AssistantID: assistant.ID}
	if err := key.Validate(); err != nil {
		return err
	}

	cfg, err := marshalConfig(assistant.Config)
	if err != nil {
		return err
	}

	err = s.inTx(ctx, "put assistant", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO assistants (tenant_id, assistant_id, name, config, public, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, assistant_id) DO UPDATE SET
				name = excluded.name,
				config = excluded.config,
				public = excluded.public,
				updated_at = excluded.updated_at
		`, key.Tenant, key.AssistantID, assistant.Name, cfg, boolToInt(assistant.Public), formatTime(now()))
		if err != nil {
			return fmt.Errorf("upserting assistant: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("stored assistant", "assistant", key.Namespace(), "public", assistant.Public)
	return nil
}

// ListAssistants returns the tenant's assistants plus every public assistant
// owned by other tenants, most recently updated first.
func (s *SQLiteStore) ListAssistants(ctx context.Context, tenant string) ([]*Assistant, error) {
	if err := keyspace.ValidateTenant(tenant); err != nil {
		return nil, err
	}

	query := `
		SELECT tenant_id, assistant_id, name, config, public, updated_at
		FROM assistants
		WHERE tenant_id = ? OR public = 1
		ORDER BY updated_at DESC, assistant_id
	`

	var assistants []*Assistant
	err := s.retry.do(ctx, "list assistants", func() error {
		rows, err := s.db.QueryContext(ctx, query, tenant)
		if err != nil {
			return err
		}
		defer rows.Close()

		assistants = assistants[:0]
		for rows.Next() {
			a, err := scanAssistant(rows)
			if err != nil {
				return fmt.Errorf("scanning assistant row: %w", err)
			}
			assistants = append(assistants, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("querying assistants: %w", err)
	}
	return assistants, nil
}

func scanAssistant(row rowScanner) (*Assistant, error) {
	var a Assistant
	var cfg, updatedAtStr string
	var public int

	if err := row.Scan(&a.TenantID, &a.ID, &a.Name, &cfg, &public, &updatedAtStr); err != nil {
		return nil, err
	}

	a.Public = public != 0
	a.Config = map[string]any{}
	if err := json.Unmarshal([]byte(cfg), &a.Config); err != nil {
		return nil, fmt.Errorf("parsing assistant config: %w", err)
	}

	var err error
	if a.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
		return nil, err
	}
	return &a, nil
}

func marshalConfig(cfg map[string]any) (string, error) {
	if cfg == nil {
		return "{}", nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshaling config: %w", err)
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
