// ABOUTME: Thread registry operations for SQLiteStore
// ABOUTME: Tenant-scoped existence checks, upsert, cascade delete, and listing

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/2389/coven-state/internal/keyspace"
)

// ThreadExists reports whether the tenant owns a thread with this id.
func (s *SQLiteStore) ThreadExists(ctx context.Context, key keyspace.ThreadKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}

	var exists int
	err := s.retry.do(ctx, "thread exists", func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT 1 FROM threads WHERE tenant_id = ? AND thread_id = ?`,
			key.Tenant, key.ThreadID,
		).Scan(&exists)
	})
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying thread: %w", err)
	}
	return true, nil
}

// GetThread retrieves a thread by key.
// Returns ErrNotFound if the tenant has no such thread.
func (s *SQLiteStore) GetThread(ctx context.Context, key keyspace.ThreadKey) (*Thread, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	query := `
		SELECT tenant_id, thread_id, name, assistant_id, metadata, created_at, updated_at
		FROM threads
		WHERE tenant_id = ? AND thread_id = ?
	`

	var thread *Thread
	err := s.retry.do(ctx, "get thread", func() error {
		var err error
		thread, err = scanThread(s.db.QueryRowContext(ctx, query, key.Tenant, key.ThreadID))
		return err
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	return thread, nil
}

// UpsertThread creates the thread or updates its name, assistant binding,
// and metadata. CreatedAt is preserved on update.
func (s *SQLiteStore) UpsertThread(ctx context.Context, thread *Thread) (bool, error) {
	key := thread.Key()
	if err := key.Validate(); err != nil {
		return false, err
	}

	metadata, err := marshalMetadata(thread.Metadata)
	if err != nil {
		return false, err
	}

	var created bool
	err = s.inTx(ctx, "upsert thread", func(tx *sql.Tx) error {
		ts := now()
		result, err := tx.ExecContext(ctx, `
			UPDATE threads
			SET name = ?, assistant_id = ?, metadata = ?, updated_at = ?
			WHERE tenant_id = ? AND thread_id = ?
		`, thread.Name, thread.AssistantID, metadata, formatTime(ts), key.Tenant, key.ThreadID)
		if err != nil {
			return fmt.Errorf("updating thread: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if rowsAffected > 0 {
			created = false
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO threads (tenant_id, thread_id, name, assistant_id, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, key.Tenant, key.ThreadID, thread.Name, thread.AssistantID, metadata, formatTime(ts), formatTime(ts))
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("inserting thread: concurrent create: %w", err)
			}
			return fmt.Errorf("inserting thread: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}

	s.logger.Debug("upserted thread", "thread", key.Namespace(), "created", created)
	return created, nil
}

// DeleteThread removes the thread; its head pointer and checkpoints go with
// it through ON DELETE CASCADE in the same statement.
func (s *SQLiteStore) DeleteThread(ctx context.Context, key keyspace.ThreadKey) error {
	if err := key.Validate(); err != nil {
		return err
	}

	err := s.inTx(ctx, "delete thread", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM threads WHERE tenant_id = ? AND thread_id = ?`,
			key.Tenant, key.ThreadID,
		); err != nil {
			return fmt.Errorf("deleting thread: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("deleted thread", "thread", key.Namespace())
	return nil
}

// ListThreads retrieves a tenant's threads ordered by most recent activity.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListThreads(ctx context.Context, tenant string, limit int) ([]*Thread, error) {
	if err := keyspace.ValidateTenant(tenant); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	query := `
		SELECT tenant_id, thread_id, name, assistant_id, metadata, created_at, updated_at
		FROM threads
		WHERE tenant_id = ?
		ORDER BY updated_at DESC, thread_id
		LIMIT ?
	`

	var threads []*Thread
	err := s.retry.do(ctx, "list threads", func() error {
		rows, err := s.db.QueryContext(ctx, query, tenant, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		threads = threads[:0]
		for rows.Next() {
			thread, err := scanThread(rows)
			if err != nil {
				return fmt.Errorf("scanning thread row: %w", err)
			}
			threads = append(threads, thread)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}

	return threads, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*Thread, error) {
	var thread Thread
	var metadata, createdAtStr, updatedAtStr string

	if err := row.Scan(
		&thread.TenantID,
		&thread.ID,
		&thread.Name,
		&thread.AssistantID,
		&metadata,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	var err error
	if thread.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	if thread.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if thread.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
		return nil, err
	}
	return &thread, nil
}

func marshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling metadata: %w", err)
	}
	return string(data), nil
}

func unmarshalMetadata(s string) (map[string]any, error) {
	m := map[string]any{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
