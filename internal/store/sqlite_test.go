// ABOUTME: Tests for SQLite store specifics
// ABOUTME: Covers file creation, migrations, connection strings, and corrupt stored state

package store

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-state/internal/codec"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStoreWithOptions(Options{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		Retries:  3,
		PageSize: testPageSize,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStoreWithOptions(Options{})
	assert.Error(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	modernc := sqliteDSN(Options{Driver: DriverSQLite, Path: "/tmp/x.db", BusyTimeout: 2 * time.Second})
	assert.Contains(t, modernc, "_pragma=busy_timeout(2000)")
	assert.Contains(t, modernc, "_pragma=foreign_keys(1)")
	assert.Contains(t, modernc, "_txlock=immediate")

	cgo := sqliteDSN(Options{Driver: DriverSQLite3, Path: "/tmp/x.db", BusyTimeout: time.Second})
	assert.Contains(t, cgo, "_busy_timeout=1000")
	assert.Contains(t, cgo, "_foreign_keys=on")
	assert.Contains(t, cgo, "_txlock=immediate")
}

func TestSQLiteStore_ForeignKeysEnabledOnEveryConnection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Hold several connections open so the pool hands out more than one.
	conns := make([]*sql.Conn, 3)
	for i := range conns {
		c, err := s.db.Conn(ctx)
		require.NoError(t, err)
		conns[i] = c
	}
	for _, c := range conns {
		var on int
		require.NoError(t, c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&on))
		assert.Equal(t, 1, on)
		c.Close()
	}
}

func TestSQLiteStore_MigratesThreadMetadata(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")

	// Schema as written before thread metadata existed.
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE threads (
			tenant_id    TEXT NOT NULL,
			thread_id    TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			assistant_id TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (tenant_id, thread_id)
		);
		INSERT INTO threads VALUES ('tenant-a', 'old-thread', 'legacy', 'asst-1',
			'2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z');
	`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := NewSQLiteStoreWithOptions(Options{Path: dbPath, Logger: discardLogger()})
	require.NoError(t, err)
	defer s.Close()

	thread, err := s.GetThread(context.Background(), mustKey(t, "tenant-a", "old-thread"))
	require.NoError(t, err)
	assert.Equal(t, "legacy", thread.Name)
	assert.Empty(t, thread.Metadata)
	assert.Equal(t, 2024, thread.CreatedAt.Year())

	// Reopening is a no-op.
	require.NoError(t, s.runMigrations())
}

func TestSQLiteStore_CorruptStateIsCodecError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := mustKey(t, "tenant-a", "thread-1")
	createThread(t, s, key)
	chain := appendChain(t, s, key, 3)

	_, err := s.db.Exec(`UPDATE checkpoints SET state = 'not an envelope' WHERE checkpoint_id = ?`, chain[1].ID)
	require.NoError(t, err)

	history, err := collectHistory(t, s, key)
	require.Error(t, err)
	assert.True(t, codec.IsError(err))
	assert.Len(t, history, 1, "iteration stops at the corrupt checkpoint")

	// Head is intact, so Latest still reads.
	latest, err := s.Latest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, chain[2].ID, latest.ID)

	_, err = s.db.Exec(`UPDATE checkpoints SET next_steps = '{' WHERE checkpoint_id = ?`, chain[2].ID)
	require.NoError(t, err)
	_, err = s.Latest(ctx, key)
	var ce *codec.Error
	assert.True(t, errors.As(err, &ce))
}

func TestSQLiteStore_DeleteThreadRemovesRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := mustKey(t, "tenant-a", "thread-1")
	createThread(t, s, key)
	appendChain(t, s, key, 3)

	require.NoError(t, s.DeleteThread(ctx, key))

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM checkpoints`).Scan(&count))
	assert.Zero(t, count)
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM thread_heads`).Scan(&count))
	assert.Zero(t, count)
}
