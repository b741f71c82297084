// ABOUTME: Checkpoint log operations for SQLiteStore
// ABOUTME: Compare-and-swap append on the head pointer, latest read, paged lineage-checked history

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"

	"github.com/2389/coven-state/internal/codec"
	"github.com/2389/coven-state/internal/keyspace"
)

// Append stores cp as the new head of the thread. The head pointer is moved
// with a conditional write so that exactly one of several writers holding
// the same parent succeeds; the others get ErrInvalidLineage.
func (s *SQLiteStore) Append(ctx context.Context, key keyspace.ThreadKey, cp *Checkpoint) (*Checkpoint, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	rec, err := encodeCheckpoint(cp)
	if err != nil {
		return nil, err
	}
	out := rec.checkpoint(cp)

	err = s.inTx(ctx, "append checkpoint", func(tx *sql.Tx) error {
		seq, err := s.advanceHead(ctx, tx, key, out.ID, out.ParentID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO checkpoints (tenant_id, thread_id, seq, checkpoint_id, parent_id, state, next_steps, config, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, key.Tenant, key.ThreadID, seq, out.ID, out.ParentID,
			string(rec.state), string(rec.next), string(rec.config), formatTime(out.CreatedAt))
		if err != nil {
			return fmt.Errorf("inserting checkpoint: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE threads SET updated_at = ? WHERE tenant_id = ? AND thread_id = ?`,
			formatTime(out.CreatedAt), key.Tenant, key.ThreadID,
		); err != nil {
			return fmt.Errorf("touching thread: %w", err)
		}

		out.Seq = seq
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("appended checkpoint", "thread", key.Namespace(), "seq", out.Seq, "id", out.ID)
	return out, nil
}

// advanceHead moves the head pointer from parentID to id and returns the
// new sequence number.
func (s *SQLiteStore) advanceHead(ctx context.Context, tx *sql.Tx, key keyspace.ThreadKey, id, parentID string) (int64, error) {
	var seq int64
	var err error

	if parentID == "" {
		// First checkpoint: only succeeds when the thread exists and has no head yet.
		err = tx.QueryRowContext(ctx, `
			INSERT OR IGNORE INTO thread_heads (tenant_id, thread_id, head_id, head_seq)
			SELECT tenant_id, thread_id, ?, 1 FROM threads
			WHERE tenant_id = ? AND thread_id = ?
			RETURNING head_seq
		`, id, key.Tenant, key.ThreadID).Scan(&seq)
	} else {
		err = tx.QueryRowContext(ctx, `
			UPDATE thread_heads
			SET head_id = ?, head_seq = head_seq + 1
			WHERE tenant_id = ? AND thread_id = ? AND head_id = ?
			RETURNING head_seq
		`, id, key.Tenant, key.ThreadID, parentID).Scan(&seq)
	}
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("advancing head: %w", err)
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM threads WHERE tenant_id = ? AND thread_id = ?`,
		key.Tenant, key.ThreadID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("checking thread: %w", err)
	}
	return 0, ErrInvalidLineage
}

// Latest returns the head checkpoint. Returns ErrNotFound for an unknown
// thread and ErrNoCheckpoints for a thread that was never written.
func (s *SQLiteStore) Latest(ctx context.Context, key keyspace.ThreadKey) (*Checkpoint, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	query := `
		SELECT c.seq, c.checkpoint_id, c.parent_id, c.state, c.next_steps, c.config, c.created_at
		FROM thread_heads h
		JOIN checkpoints c
			ON c.tenant_id = h.tenant_id AND c.thread_id = h.thread_id AND c.seq = h.head_seq
		WHERE h.tenant_id = ? AND h.thread_id = ?
	`

	var rec *checkpointRecord
	err := s.retry.do(ctx, "latest checkpoint", func() error {
		var err error
		rec, err = scanCheckpointRecord(s.db.QueryRowContext(ctx, query, key.Tenant, key.ThreadID))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		exists, existsErr := s.ThreadExists(ctx, key)
		if existsErr != nil {
			return nil, existsErr
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrNoCheckpoints
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest checkpoint: %w", err)
	}

	return rec.decode()
}

// History yields the thread's checkpoints oldest first. The upper bound is
// the head observed when iteration starts; later appends are not included.
// Pages are read in separate statements, and a chain that was replaced in
// between is reported as ErrHistoryChanged.
func (s *SQLiteStore) History(ctx context.Context, key keyspace.ThreadKey) iter.Seq2[*Checkpoint, error] {
	return func(yield func(*Checkpoint, error) bool) {
		if err := key.Validate(); err != nil {
			yield(nil, err)
			return
		}

		headSeq, err := s.headSeq(ctx, key)
		if err != nil {
			yield(nil, err)
			return
		}

		walk := lineageWalk{headSeq: headSeq}
		for !walk.done() {
			page, err := s.historyPage(ctx, key, walk.lastSeq, headSeq)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(page) == 0 {
				yield(nil, ErrHistoryChanged)
				return
			}

			for _, rec := range page {
				if err := walk.step(rec.seq, rec.parentID, rec.id); err != nil {
					yield(nil, err)
					return
				}
				cp, err := rec.decode()
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(cp, nil) {
					return
				}
			}
		}
	}
}

// headSeq returns the current head sequence, 0 for an empty thread.
func (s *SQLiteStore) headSeq(ctx context.Context, key keyspace.ThreadKey) (int64, error) {
	var headSeq sql.NullInt64
	err := s.retry.do(ctx, "history head", func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT h.head_seq
			FROM threads t
			LEFT JOIN thread_heads h ON h.tenant_id = t.tenant_id AND h.thread_id = t.thread_id
			WHERE t.tenant_id = ? AND t.thread_id = ?
		`, key.Tenant, key.ThreadID).Scan(&headSeq)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying head: %w", err)
	}
	return headSeq.Int64, nil
}

func (s *SQLiteStore) historyPage(ctx context.Context, key keyspace.ThreadKey, afterSeq, maxSeq int64) ([]*checkpointRecord, error) {
	query := `
		SELECT seq, checkpoint_id, parent_id, state, next_steps, config, created_at
		FROM checkpoints
		WHERE tenant_id = ? AND thread_id = ? AND seq > ? AND seq <= ?
		ORDER BY seq
		LIMIT ?
	`

	var page []*checkpointRecord
	err := s.retry.do(ctx, "history page", func() error {
		rows, err := s.db.QueryContext(ctx, query, key.Tenant, key.ThreadID, afterSeq, maxSeq, s.pageSize)
		if err != nil {
			return err
		}
		defer rows.Close()

		page = page[:0]
		for rows.Next() {
			rec, err := scanCheckpointRecord(rows)
			if err != nil {
				return fmt.Errorf("scanning checkpoint row: %w", err)
			}
			page = append(page, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	return page, nil
}

// DeleteCheckpoints purges every checkpoint of the thread and clears its
// head. A thread with no checkpoints is left untouched.
func (s *SQLiteStore) DeleteCheckpoints(ctx context.Context, key keyspace.ThreadKey) error {
	if err := key.Validate(); err != nil {
		return err
	}

	return s.inTx(ctx, "delete checkpoints", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM thread_heads WHERE tenant_id = ? AND thread_id = ?`,
			key.Tenant, key.ThreadID,
		); err != nil {
			return fmt.Errorf("deleting head: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM checkpoints WHERE tenant_id = ? AND thread_id = ?`,
			key.Tenant, key.ThreadID,
		); err != nil {
			return fmt.Errorf("deleting checkpoints: %w", err)
		}
		return nil
	})
}

// checkpointRecord is the storage form of a checkpoint: identity plus the
// encoded payload columns.
type checkpointRecord struct {
	seq       int64
	id        string
	parentID  string
	state     []byte
	next      []byte
	config    []byte
	createdAt string
}

func encodeCheckpoint(cp *Checkpoint) (*checkpointRecord, error) {
	state, err := codec.Encode(cp.Values)
	if err != nil {
		return nil, err
	}
	next, err := codec.EncodeNext(cp.Next)
	if err != nil {
		return nil, err
	}
	cfg, err := codec.EncodeConfig(cp.Config)
	if err != nil {
		return nil, err
	}

	id := cp.ID
	if id == "" {
		id = uuid.New().String()
	}
	return &checkpointRecord{
		id:        id,
		parentID:  cp.ParentID,
		state:     state,
		next:      next,
		config:    cfg,
		createdAt: formatTime(now()),
	}, nil
}

// checkpoint returns the caller-facing copy of cp with the assigned id and timestamp.
func (r *checkpointRecord) checkpoint(cp *Checkpoint) *Checkpoint {
	out := *cp
	out.ID = r.id
	out.CreatedAt, _ = parseTime("created_at", r.createdAt)
	if out.Next == nil {
		out.Next = []string{}
	}
	if out.Config == nil {
		out.Config = map[string]any{}
	}
	return &out
}

func (r *checkpointRecord) decode() (*Checkpoint, error) {
	values, err := codec.Decode(r.state)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", r.id, err)
	}
	next, err := codec.DecodeNext(r.next)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", r.id, err)
	}
	cfg, err := codec.DecodeConfig(r.config)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", r.id, err)
	}
	createdAt, err := parseTime("created_at", r.createdAt)
	if err != nil {
		return nil, err
	}

	return &Checkpoint{
		ID:        r.id,
		Seq:       r.seq,
		ParentID:  r.parentID,
		Values:    values,
		Next:      next,
		Config:    cfg,
		CreatedAt: createdAt,
	}, nil
}

func scanCheckpointRecord(row rowScanner) (*checkpointRecord, error) {
	var rec checkpointRecord
	var state, next, cfg string
	if err := row.Scan(&rec.seq, &rec.id, &rec.parentID, &state, &next, &cfg, &rec.createdAt); err != nil {
		return nil, err
	}
	rec.state = []byte(state)
	rec.next = []byte(next)
	rec.config = []byte(cfg)
	return &rec, nil
}

// lineageWalk checks that a sequence of checkpoints read across pages forms
// one unbroken chain.
type lineageWalk struct {
	headSeq int64
	lastSeq int64
	lastID  string
}

func (w *lineageWalk) done() bool {
	return w.lastSeq >= w.headSeq
}

func (w *lineageWalk) step(seq int64, parentID, id string) error {
	if seq != w.lastSeq+1 || parentID != w.lastID {
		return ErrHistoryChanged
	}
	w.lastSeq = seq
	w.lastID = id
	return nil
}
