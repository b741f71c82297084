// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite or bbolt while keeping the same lineage rules

package store

import (
	"context"
	"iter"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-state/internal/keyspace"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	threads     map[keyspace.ThreadKey]*Thread
	assistants  map[keyspace.AssistantKey]*Assistant
	checkpoints map[keyspace.ThreadKey][]*Checkpoint

	// AppendHook, when set, runs before every Append takes the lock.
	// Tests use it to interleave writers.
	AppendHook func(key keyspace.ThreadKey, cp *Checkpoint)
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		threads:     make(map[keyspace.ThreadKey]*Thread),
		assistants:  make(map[keyspace.AssistantKey]*Assistant),
		checkpoints: make(map[keyspace.ThreadKey][]*Checkpoint),
	}
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

func copyThread(t *Thread) *Thread {
	result := *t
	result.Metadata = maps.Clone(t.Metadata)
	if result.Metadata == nil {
		result.Metadata = map[string]any{}
	}
	return &result
}

func copyCheckpoint(cp *Checkpoint) *Checkpoint {
	result := *cp
	result.Next = slices.Clone(cp.Next)
	result.Config = maps.Clone(cp.Config)
	return &result
}

// ThreadExists reports whether the thread is stored.
func (m *MockStore) ThreadExists(ctx context.Context, key keyspace.ThreadKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.threads[key]
	return ok, nil
}

// GetThread retrieves a thread by key.
func (m *MockStore) GetThread(ctx context.Context, key keyspace.ThreadKey) (*Thread, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyThread(t), nil
}

// UpsertThread stores the thread, preserving CreatedAt on update.
func (m *MockStore) UpsertThread(ctx context.Context, thread *Thread) (bool, error) {
	key := thread.Key()
	if err := key.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := now()
	t := copyThread(thread)
	t.UpdatedAt = ts

	existing, ok := m.threads[key]
	if ok {
		t.CreatedAt = existing.CreatedAt
	} else {
		t.CreatedAt = ts
	}
	m.threads[key] = t
	return !ok, nil
}

// DeleteThread removes the thread and its checkpoints.
func (m *MockStore) DeleteThread(ctx context.Context, key keyspace.ThreadKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.threads, key)
	delete(m.checkpoints, key)
	return nil
}

// ListThreads retrieves a tenant's threads ordered by most recent activity.
func (m *MockStore) ListThreads(ctx context.Context, tenant string, limit int) ([]*Thread, error) {
	if err := keyspace.ValidateTenant(tenant); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var threads []*Thread
	for key, t := range m.threads {
		if key.Tenant == tenant {
			threads = append(threads, copyThread(t))
		}
	}

	sort.Slice(threads, func(i, j int) bool {
		if !threads[i].UpdatedAt.Equal(threads[j].UpdatedAt) {
			return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
		}
		return threads[i].ID < threads[j].ID
	})

	limit = clampLimit(limit)
	if len(threads) > limit {
		threads = threads[:limit]
	}
	return threads, nil
}

// GetAssistant resolves the tenant's assistant, then any public one with the id.
func (m *MockStore) GetAssistant(ctx context.Context, key keyspace.AssistantKey) (*Assistant, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if a, ok := m.assistants[key]; ok {
		result := *a
		return &result, nil
	}

	var best *Assistant
	for k, a := range m.assistants {
		if k.AssistantID != key.AssistantID || !a.Public {
			continue
		}
		if best == nil || a.UpdatedAt.After(best.UpdatedAt) {
			best = a
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	result := *best
	return &result, nil
}

// PutAssistant stores an assistant.
func (m *MockStore) PutAssistant(ctx context.Context, assistant *Assistant) error {
	key := keyspace.AssistantKey{Tenant: assistant.TenantID, AssistantID: assistant.ID}
	if err := key.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a := *assistant
	a.Config = maps.Clone(assistant.Config)
	a.UpdatedAt = now()
	m.assistants[key] = &a
	return nil
}

// ListAssistants returns own and public assistants.
func (m *MockStore) ListAssistants(ctx context.Context, tenant string) ([]*Assistant, error) {
	if err := keyspace.ValidateTenant(tenant); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Assistant
	for k, a := range m.assistants {
		if k.Tenant == tenant || a.Public {
			result := *a
			out = append(out, &result)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Append stores cp as the new head when its parent matches the current head.
func (m *MockStore) Append(ctx context.Context, key keyspace.ThreadKey, cp *Checkpoint) (*Checkpoint, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if hook := m.AppendHook; hook != nil {
		hook(key, cp)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	thread, ok := m.threads[key]
	if !ok {
		return nil, ErrNotFound
	}

	chain := m.checkpoints[key]
	headID := ""
	if len(chain) > 0 {
		headID = chain[len(chain)-1].ID
	}
	if cp.ParentID != headID {
		return nil, ErrInvalidLineage
	}

	stored := copyCheckpoint(cp)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Next == nil {
		stored.Next = []string{}
	}
	if stored.Config == nil {
		stored.Config = map[string]any{}
	}
	stored.Seq = int64(len(chain)) + 1
	stored.CreatedAt = now()

	m.checkpoints[key] = append(chain, stored)
	thread.UpdatedAt = stored.CreatedAt
	return copyCheckpoint(stored), nil
}

// Latest returns the head checkpoint.
func (m *MockStore) Latest(ctx context.Context, key keyspace.ThreadKey) (*Checkpoint, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.threads[key]; !ok {
		return nil, ErrNotFound
	}
	chain := m.checkpoints[key]
	if len(chain) == 0 {
		return nil, ErrNoCheckpoints
	}
	return copyCheckpoint(chain[len(chain)-1]), nil
}

// History yields a snapshot of the chain taken when iteration starts.
func (m *MockStore) History(ctx context.Context, key keyspace.ThreadKey) iter.Seq2[*Checkpoint, error] {
	return func(yield func(*Checkpoint, error) bool) {
		if err := key.Validate(); err != nil {
			yield(nil, err)
			return
		}

		m.mu.RLock()
		_, ok := m.threads[key]
		chain := slices.Clone(m.checkpoints[key])
		m.mu.RUnlock()

		if !ok {
			yield(nil, ErrNotFound)
			return
		}
		for _, cp := range chain {
			if !yield(copyCheckpoint(cp), nil) {
				return
			}
		}
	}
}

// DeleteCheckpoints purges the thread's chain.
func (m *MockStore) DeleteCheckpoints(ctx context.Context, key keyspace.ThreadKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.checkpoints, key)
	return nil
}
