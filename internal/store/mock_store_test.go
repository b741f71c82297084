// ABOUTME: Unit tests for MockStore behavior not covered by the shared contract tests
// ABOUTME: Focuses on copy semantics and the append hook used to stage races

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-state/internal/codec"
	"github.com/2389/coven-state/internal/keyspace"
)

func TestMockStore_ReturnsCopies(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	key := mustKey(t, "tenant-a", "thread-1")

	_, err := store.UpsertThread(ctx, &Thread{
		TenantID: key.Tenant,
		ID:       key.ThreadID,
		Metadata: map[string]any{"k": "v"},
	})
	require.NoError(t, err)

	got, err := store.GetThread(ctx, key)
	require.NoError(t, err)
	got.Metadata["k"] = "changed"
	got.Name = "changed"

	again, err := store.GetThread(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Metadata["k"])
	assert.Empty(t, again.Name)

	cp, err := store.Append(ctx, key, &Checkpoint{Values: codec.Null(), Next: []string{"a"}})
	require.NoError(t, err)
	cp.Next[0] = "mutated"

	latest, err := store.Latest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, latest.Next)
}

func TestMockStore_AppendHookRunsBeforeCommit(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	key := mustKey(t, "tenant-a", "thread-1")
	_, err := store.UpsertThread(ctx, &Thread{TenantID: key.Tenant, ID: key.ThreadID})
	require.NoError(t, err)

	// The first append lets a competing writer land first.
	fired := false
	store.AppendHook = func(k keyspace.ThreadKey, cp *Checkpoint) {
		if fired {
			return
		}
		fired = true
		_, err := store.Append(ctx, k, &Checkpoint{Values: codec.Scalar("competitor")})
		require.NoError(t, err)
	}

	_, err = store.Append(ctx, key, &Checkpoint{Values: codec.Scalar("loser")})
	assert.ErrorIs(t, err, ErrInvalidLineage)

	latest, err := store.Latest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "competitor", latest.Values.Scalar())
}
