// ABOUTME: Store interfaces and data types for coven-state persistence
// ABOUTME: Defines threads, assistants, checkpoints and the registry/catalog/checkpoint contracts

package store

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/2389/coven-state/internal/codec"
	"github.com/2389/coven-state/internal/keyspace"
)

// ErrNotFound is returned when a requested entity does not exist for the
// calling tenant. Entities owned by other tenants are reported the same way.
var ErrNotFound = errors.New("not found")

// ErrInvalidLineage is returned by Append when the declared parent is not
// the current head of the thread.
var ErrInvalidLineage = errors.New("parent is not the thread head")

// ErrNoCheckpoints is returned by Latest for a thread that has never been written.
var ErrNoCheckpoints = errors.New("thread has no checkpoints")

// ErrHistoryChanged is returned when a history read observes a chain that
// was replaced while it was being read.
var ErrHistoryChanged = errors.New("history changed during read")

// ErrUnavailable is returned when storage stays busy after retries.
var ErrUnavailable = errors.New("storage unavailable")

// MetadataAssistantType is the thread metadata key that mirrors the bound
// assistant's type.
const MetadataAssistantType = "assistant_type"

// Thread is a tenant-owned conversation bound to an assistant.
type Thread struct {
	TenantID    string
	ID          string
	Name        string
	AssistantID string
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key returns the tenant-scoped identity of the thread.
func (t *Thread) Key() keyspace.ThreadKey {
	return keyspace.ThreadKey{Tenant: t.TenantID, ThreadID: t.ID}
}

// Assistant is a reusable execution configuration.
type Assistant struct {
	TenantID  string
	ID        string
	Name      string
	Config    map[string]any
	Public    bool
	UpdatedAt time.Time
}

// Type returns config.configurable.type, or "" when absent.
func (a *Assistant) Type() string {
	configurable, ok := a.Config["configurable"].(map[string]any)
	if !ok {
		return ""
	}
	typ, _ := configurable["type"].(string)
	return typ
}

// Checkpoint is one immutable snapshot in a thread's chain.
type Checkpoint struct {
	ID        string
	Seq       int64
	ParentID  string
	Values    codec.Value
	Next      []string
	Config    map[string]any
	CreatedAt time.Time
}

// ThreadRegistry manages thread identity and assistant binding.
type ThreadRegistry interface {
	ThreadExists(ctx context.Context, key keyspace.ThreadKey) (bool, error)
	GetThread(ctx context.Context, key keyspace.ThreadKey) (*Thread, error)
	// UpsertThread creates or updates the thread and reports whether it was created.
	UpsertThread(ctx context.Context, thread *Thread) (bool, error)
	// DeleteThread removes the thread and all of its checkpoints. Deleting a
	// missing thread is not an error.
	DeleteThread(ctx context.Context, key keyspace.ThreadKey) error
	ListThreads(ctx context.Context, tenant string, limit int) ([]*Thread, error)
}

// AssistantCatalog resolves assistants visible to a tenant.
type AssistantCatalog interface {
	// GetAssistant returns the tenant's own assistant, falling back to a
	// public assistant with the same id.
	GetAssistant(ctx context.Context, key keyspace.AssistantKey) (*Assistant, error)
	PutAssistant(ctx context.Context, assistant *Assistant) error
	ListAssistants(ctx context.Context, tenant string) ([]*Assistant, error)
}

// CheckpointStore is the append-only snapshot log.
type CheckpointStore interface {
	// Append stores cp as the new head. cp.ParentID must be "" for the first
	// checkpoint and the current head id afterwards. The returned copy
	// carries the assigned id, seq, and timestamp.
	Append(ctx context.Context, key keyspace.ThreadKey, cp *Checkpoint) (*Checkpoint, error)
	Latest(ctx context.Context, key keyspace.ThreadKey) (*Checkpoint, error)
	// History yields checkpoints oldest first, fetching lazily.
	History(ctx context.Context, key keyspace.ThreadKey) iter.Seq2[*Checkpoint, error]
	DeleteCheckpoints(ctx context.Context, key keyspace.ThreadKey) error
}

// Store is the full persistence surface.
type Store interface {
	ThreadRegistry
	AssistantCatalog
	CheckpointStore

	Ping(ctx context.Context) error
	Close() error
}

// clampLimit applies the list limit defaults.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
