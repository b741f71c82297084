// Package store provides persistent storage for thread state.
//
// # Architecture
//
// The store package splits persistence into three interfaces:
//
//   - ThreadRegistry: thread identity, assistant binding, cascade delete
//   - AssistantCatalog: tenant-owned and public assistant configurations
//   - CheckpointStore: the append-only, per-thread snapshot log
//
// Store composes all three. Every method takes a tenant-scoped key from
// package keyspace; a thread or assistant owned by another tenant is
// reported as ErrNotFound, never as a permission error.
//
// # Backends
//
// Three implementations share the same behavior and the same contract tests:
//
//   - SQLiteStore: database/sql over modernc.org/sqlite ("sqlite", pure Go)
//     or github.com/mattn/go-sqlite3 ("sqlite3", cgo)
//   - BoltStore: go.etcd.io/bbolt, one bucket tree per tenant
//   - MockStore: in-memory, for tests of the layers above
//
// Use Open with Options.Driver to pick one from configuration.
//
// # Checkpoint Chains
//
// Each thread owns a chain of checkpoints. A checkpoint carries a
// monotonically increasing Seq and the ID of its parent; the first has an
// empty ParentID. The current head (highest Seq) is also recorded in a head
// pointer that moves in the same transaction as the insert.
//
// Append is a compare-and-swap on that pointer:
//
//	cp := &store.Checkpoint{ParentID: latest.ID, Values: next}
//	stored, err := s.Append(ctx, key, cp)
//	if errors.Is(err, store.ErrInvalidLineage) {
//	    // someone else advanced the thread; re-read and retry
//	}
//
// In SQLite every transaction begins IMMEDIATE and the head moves with a
// conditional UPDATE ... WHERE head_id = ?, so of two writers holding the
// same parent exactly one sees a row change. bbolt serializes writers, so
// the check and the write sit inside one Update.
//
// # History
//
// History returns an iter.Seq2 that reads bounded pages lazily. The head
// observed on the first page bounds the read; later appends are not
// included. Each page is checked against the previous one by seq and parent
// ID, and a chain that was deleted and recreated mid-read ends iteration
// with ErrHistoryChanged.
//
// # Errors
//
//   - ErrNotFound: thread or assistant unknown to the tenant
//   - ErrInvalidLineage: Append parent is not the head
//   - ErrNoCheckpoints: Latest on a never-written thread
//   - ErrHistoryChanged: chain replaced during a History read
//   - ErrUnavailable: storage stayed busy after Options.Retries attempts
//
// Stored payloads that fail to decode are reported as *codec.Error.
//
// # Timestamps
//
// SQLite stores timestamps as fixed-width UTC text so that ORDER BY on the
// column matches time order.
package store
