// Package execution binds threads to executors and the checkpoint store.
//
// # Overview
//
// The execution package sits between the HTTP handlers and package store.
// It resolves a thread's assistant to an executor, runs one step on the
// latest state, and appends the result as the new head.
//
//	reg := executor.NewDefaultRegistry(executor.RemoteConfig{Timeout: 30 * time.Second})
//	svc, err := execution.New(store, reg, opts, logger)
//
// Key operations:
//
//   - ReadState(ctx, tenant, threadID): latest values and pending steps
//   - WriteState(ctx, tenant, threadID, input, config): run a step and append
//   - ReadHistory(ctx, tenant, threadID): every state, oldest first
//
// # Reads
//
// A thread that exists but was never written reads as null values with an
// empty next list. A thread whose assistant is unset, missing, or of an
// unregistered type reports ErrUnboundAssistant on every state operation.
//
// # Concurrent Writes
//
// The executor runs outside of any storage transaction. The append that
// follows names the head it was computed from, so two writers racing on one
// thread cannot both commit against the same parent:
//
//  1. Read the head (values and checkpoint id)
//  2. Run the executor on those values and the input
//  3. Append with ParentID set to the head id
//  4. On store.ErrInvalidLineage, go back to 1
//
// After Options.MaxAttempts rounds the write fails with ErrConflict and
// nothing is stored. Executors may therefore run more than once per write
// and should not have side effects outside their result.
//
// # Assistant Cache
//
// Resolved assistants are kept in a size-bounded LRU with a TTL. PutAssistant
// drops every tenant's cached view of the written id.
package execution
