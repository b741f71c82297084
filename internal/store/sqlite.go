// ABOUTME: SQLite implementation of the Store interface (modernc.org/sqlite or mattn/go-sqlite3)
// ABOUTME: Provides thread, assistant, and checkpoint persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// timestampLayout is fixed width so that text ordering matches time ordering.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db       *sql.DB
	driver   string
	pageSize int
	retry    retrier
	logger   *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the
// pure Go driver and default options.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithOptions(Options{Driver: DriverSQLite, Path: path, Retries: 3})
}

// NewSQLiteStoreWithOptions creates a SQLite store. The schema is created if
// it doesn't exist and parent directories are created if needed.
func NewSQLiteStoreWithOptions(opts Options) (*SQLiteStore, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "store", "driver", opts.Driver)

	if opts.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Ensure parent directory exists
	dir := filepath.Dir(opts.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open(opts.Driver, sqliteDSN(opts))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		driver:   opts.Driver,
		pageSize: opts.PageSize,
		retry:    retrier{retries: opts.Retries, logger: logger},
		logger:   logger,
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", opts.Path)
	return s, nil
}

// sqliteDSN builds a connection string that applies WAL, foreign keys, and
// the busy timeout to every pooled connection, and makes every transaction
// take the write lock at BEGIN.
func sqliteDSN(opts Options) string {
	ms := opts.BusyTimeout.Milliseconds()
	if opts.Driver == DriverSQLite3 {
		return fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL&_txlock=immediate",
			opts.Path, ms)
	}
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate",
		opts.Path, ms)
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS assistants (
			tenant_id    TEXT NOT NULL,
			assistant_id TEXT NOT NULL,
			name         TEXT NOT NULL,
			config       TEXT NOT NULL DEFAULT '{}',
			public       INTEGER NOT NULL DEFAULT 0,
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (tenant_id, assistant_id)
		);

		CREATE INDEX IF NOT EXISTS idx_assistants_public
			ON assistants(assistant_id) WHERE public = 1;

		CREATE TABLE IF NOT EXISTS threads (
			tenant_id    TEXT NOT NULL,
			thread_id    TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			assistant_id TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (tenant_id, thread_id)
		);

		CREATE INDEX IF NOT EXISTS idx_threads_tenant_updated
			ON threads(tenant_id, updated_at);

		CREATE TABLE IF NOT EXISTS thread_heads (
			tenant_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			head_id   TEXT NOT NULL,
			head_seq  INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, thread_id),
			FOREIGN KEY (tenant_id, thread_id)
				REFERENCES threads(tenant_id, thread_id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS checkpoints (
			tenant_id     TEXT NOT NULL,
			thread_id     TEXT NOT NULL,
			seq           INTEGER NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_id     TEXT NOT NULL DEFAULT '',
			state         TEXT NOT NULL,
			next_steps    TEXT NOT NULL DEFAULT '[]',
			config        TEXT NOT NULL DEFAULT '{}',
			created_at    TEXT NOT NULL,
			PRIMARY KEY (tenant_id, thread_id, seq),
			FOREIGN KEY (tenant_id, thread_id)
				REFERENCES threads(tenant_id, thread_id) ON DELETE CASCADE
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema changes to databases created by older versions
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "threads",
			column: "metadata",
			apply:  `ALTER TABLE threads ADD COLUMN metadata TEXT NOT NULL DEFAULT '{}'`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks that the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// inTx runs fn in a write transaction, retrying the whole transaction on
// transient errors.
func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return s.retry.do(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}
		return nil
	})
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, value)
	if err != nil {
		// Rows written by hand or by older builds use plain RFC3339.
		t, err = time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
		}
	}
	return t.UTC(), nil
}

// now is swappable in tests that need distinct timestamps.
var now = func() time.Time { return time.Now().UTC() }
