// ABOUTME: Execution binding: resolves a thread's assistant, runs the executor, and appends the result
// ABOUTME: Concurrent writers are reconciled with a bounded optimistic retry on the thread head

package execution

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-state/internal/codec"
	"github.com/2389/coven-state/internal/executor"
	"github.com/2389/coven-state/internal/keyspace"
	"github.com/2389/coven-state/internal/metrics"
	"github.com/2389/coven-state/internal/store"
	"github.com/2389/coven-state/internal/tracing"
)

// ErrUnboundAssistant is returned when a thread's assistant cannot be
// resolved to an executor.
var ErrUnboundAssistant = errors.New("thread has no assistant")

// ErrConflict is returned when a write keeps losing the head race.
var ErrConflict = errors.New("concurrent modification")

// ErrExecutionFailed wraps executor failures.
var ErrExecutionFailed = errors.New("execution failed")

// DefaultMaxAttempts bounds the optimistic write loop.
const DefaultMaxAttempts = 4

// State is the client-facing projection of a checkpoint.
type State struct {
	Values codec.Value    `json:"values"`
	Next   []string       `json:"next"`
	Config map[string]any `json:"config,omitempty"`
}

// Options tunes the service.
type Options struct {
	MaxAttempts     int
	ExecutorTimeout time.Duration
	CacheSize       int
	CacheTTL        time.Duration
}

// Service binds threads to executors and the checkpoint store.
type Service struct {
	store           store.Store
	executors       *executor.Registry
	assistants      *assistantCache
	maxAttempts     int
	executorTimeout time.Duration
	logger          *slog.Logger
	tracer          trace.Tracer
}

// New creates a Service.
func New(s store.Store, executors *executor.Registry, opts Options, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	cache, err := newAssistantCache(opts.CacheSize, opts.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("creating assistant cache: %w", err)
	}
	return &Service{
		store:           s,
		executors:       executors,
		assistants:      cache,
		maxAttempts:     opts.MaxAttempts,
		executorTimeout: opts.ExecutorTimeout,
		logger:          logger.With("component", "execution"),
		tracer:          tracing.Tracer("github.com/2389/coven-state/internal/execution"),
	}, nil
}

// DefaultConfig is the write config used when the caller supplies none.
func DefaultConfig(threadID string) map[string]any {
	return map[string]any{"configurable": map[string]any{"thread_id": threadID}}
}

// binding is a thread resolved down to a runnable executor.
type binding struct {
	key       keyspace.ThreadKey
	thread    *store.Thread
	assistant *store.Assistant
	executor  executor.Executor
}

// bind loads the thread and resolves its assistant and executor.
func (s *Service) bind(ctx context.Context, tenant, threadID string) (*binding, error) {
	key, err := keyspace.NewThreadKey(tenant, threadID)
	if err != nil {
		return nil, err
	}
	thread, err := s.store.GetThread(ctx, key)
	if err != nil {
		return nil, err
	}
	assistant, err := s.resolveAssistant(ctx, tenant, thread.AssistantID)
	if err != nil {
		return nil, err
	}
	exec, err := s.executors.Resolve(assistant.Type(), assistant.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnboundAssistant, err)
	}
	return &binding{key: key, thread: thread, assistant: assistant, executor: exec}, nil
}

// resolveAssistant maps a missing or unknown assistant to ErrUnboundAssistant.
func (s *Service) resolveAssistant(ctx context.Context, tenant, assistantID string) (*store.Assistant, error) {
	if assistantID == "" {
		return nil, ErrUnboundAssistant
	}
	akey, err := keyspace.NewAssistantKey(tenant, assistantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnboundAssistant, err)
	}
	if a, ok := s.assistants.get(akey); ok {
		return a, nil
	}
	a, err := s.store.GetAssistant(ctx, akey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnboundAssistant
	}
	if err != nil {
		return nil, fmt.Errorf("resolving assistant: %w", err)
	}
	s.assistants.add(akey, a)
	return a, nil
}

// ReadState returns the latest state of the thread. A thread that was never
// written reads as null values with no pending steps.
func (s *Service) ReadState(ctx context.Context, tenant, threadID string) (*State, error) {
	b, err := s.bind(ctx, tenant, threadID)
	if err != nil {
		return nil, err
	}

	cp, err := s.store.Latest(ctx, b.key)
	if errors.Is(err, store.ErrNoCheckpoints) {
		return &State{Values: codec.Null(), Next: []string{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return &State{Values: cp.Values, Next: nonNil(cp.Next)}, nil
}

// WriteState runs the thread's executor on the latest state and the input,
// then appends the result as the new head. When another writer advances the
// head first, the state is re-read and the executor re-run, up to
// MaxAttempts times in total; after that ErrConflict is returned.
func (s *Service) WriteState(ctx context.Context, tenant, threadID string, input codec.Value, cfg map[string]any) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "execution.WriteState",
		trace.WithAttributes(attribute.String("thread.id", threadID)))
	defer span.End()

	state, attempts, err := s.writeState(ctx, tenant, threadID, input, cfg)
	span.SetAttributes(attribute.Int("write.attempts", attempts))
	metrics.StateWritesTotal.WithLabelValues(writeOutcome(err)).Inc()
	if attempts > 0 {
		metrics.WriteAttempts.Observe(float64(attempts))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return state, nil
}

func (s *Service) writeState(ctx context.Context, tenant, threadID string, input codec.Value, cfg map[string]any) (*State, int, error) {
	b, err := s.bind(ctx, tenant, threadID)
	if err != nil {
		return nil, 0, err
	}
	if cfg == nil {
		cfg = DefaultConfig(threadID)
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		prior, parentID, err := s.head(ctx, b.key)
		if err != nil {
			return nil, attempt, err
		}

		result, err := s.advance(ctx, b, prior, input, cfg)
		if err != nil {
			return nil, attempt, err
		}

		cp, err := s.store.Append(ctx, b.key, &store.Checkpoint{
			ParentID: parentID,
			Values:   result.Values,
			Next:     result.Next,
			Config:   cfg,
		})
		if err == nil {
			s.logger.Debug("state written",
				"thread", b.key.Namespace(),
				"seq", cp.Seq,
				"attempt", attempt)
			return &State{Values: cp.Values, Next: nonNil(cp.Next)}, attempt, nil
		}
		if !errors.Is(err, store.ErrInvalidLineage) {
			return nil, attempt, err
		}

		metrics.LineageConflictsTotal.Inc()
		s.logger.Warn("head moved during write, retrying",
			"thread", b.key.Namespace(),
			"attempt", attempt,
			"max_attempts", s.maxAttempts)
	}

	return nil, s.maxAttempts, ErrConflict
}

// head returns the latest values and checkpoint id, or null and "" for an
// empty thread.
func (s *Service) head(ctx context.Context, key keyspace.ThreadKey) (codec.Value, string, error) {
	cp, err := s.store.Latest(ctx, key)
	if errors.Is(err, store.ErrNoCheckpoints) {
		return codec.Null(), "", nil
	}
	if err != nil {
		return codec.Value{}, "", err
	}
	return cp.Values, cp.ID, nil
}

// advance runs one executor step outside of any storage transaction.
func (s *Service) advance(ctx context.Context, b *binding, prior, input codec.Value, cfg map[string]any) (executor.Result, error) {
	if s.executorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.executorTimeout)
		defer cancel()
	}

	ctx, span := s.tracer.Start(ctx, "executor.Advance",
		trace.WithAttributes(attribute.String("assistant.type", b.assistant.Type())))
	defer span.End()

	started := time.Now()
	result, err := b.executor.Advance(ctx, prior, input, cfg)
	metrics.ObserveExecutor(b.assistant.Type(), started)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, context.Canceled) {
			return executor.Result{}, err
		}
		return executor.Result{}, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	if result.Next == nil {
		result.Next = []string{}
	}
	return result, nil
}

// ReadHistory returns every state of the thread, oldest first. A stored
// state that fails to decode fails the whole read.
func (s *Service) ReadHistory(ctx context.Context, tenant, threadID string) ([]*State, error) {
	var states []*State
	for st, err := range s.History(ctx, tenant, threadID) {
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	if states == nil {
		states = []*State{}
	}
	return states, nil
}

// History is the lazy form of ReadHistory.
func (s *Service) History(ctx context.Context, tenant, threadID string) iter.Seq2[*State, error] {
	return func(yield func(*State, error) bool) {
		b, err := s.bind(ctx, tenant, threadID)
		if err != nil {
			yield(nil, err)
			return
		}
		for cp, err := range s.store.History(ctx, b.key) {
			if err != nil {
				yield(nil, err)
				return
			}
			st := &State{Values: cp.Values, Next: nonNil(cp.Next), Config: cp.Config}
			if !yield(st, nil) {
				return
			}
		}
	}
}

// GetThread returns the tenant's thread.
func (s *Service) GetThread(ctx context.Context, tenant, threadID string) (*store.Thread, error) {
	key, err := keyspace.NewThreadKey(tenant, threadID)
	if err != nil {
		return nil, err
	}
	return s.store.GetThread(ctx, key)
}

// ListThreads returns the tenant's threads, most recently updated first.
func (s *Service) ListThreads(ctx context.Context, tenant string, limit int) ([]*store.Thread, error) {
	return s.store.ListThreads(ctx, tenant, limit)
}

// PutThread creates or updates a thread and records the bound assistant's
// type in its metadata. An assistant that does not resolve yet leaves the
// type empty; reads and writes will report ErrUnboundAssistant until it does.
func (s *Service) PutThread(ctx context.Context, tenant, threadID, name, assistantID string) (*store.Thread, bool, error) {
	key, err := keyspace.NewThreadKey(tenant, threadID)
	if err != nil {
		return nil, false, err
	}

	metadata := map[string]any{}
	if assistantID != "" {
		a, err := s.resolveAssistant(ctx, tenant, assistantID)
		switch {
		case err == nil:
			metadata[store.MetadataAssistantType] = a.Type()
		case errors.Is(err, ErrUnboundAssistant):
			s.logger.Debug("thread bound to unknown assistant", "thread", key.Namespace(), "assistant_id", assistantID)
		default:
			return nil, false, err
		}
	}

	created, err := s.store.UpsertThread(ctx, &store.Thread{
		TenantID:    tenant,
		ID:          threadID,
		Name:        name,
		AssistantID: assistantID,
		Metadata:    metadata,
	})
	if err != nil {
		return nil, false, err
	}

	thread, err := s.store.GetThread(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return thread, created, nil
}

// CreateThread creates a thread with a generated id.
func (s *Service) CreateThread(ctx context.Context, tenant, name, assistantID string) (*store.Thread, error) {
	thread, _, err := s.PutThread(ctx, tenant, uuid.New().String(), name, assistantID)
	return thread, err
}

// DeleteThread removes the thread and its history. Deleting an unknown
// thread succeeds.
func (s *Service) DeleteThread(ctx context.Context, tenant, threadID string) error {
	key, err := keyspace.NewThreadKey(tenant, threadID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteThread(ctx, key); err != nil {
		return err
	}
	s.logger.Info("thread deleted", "thread", key.Namespace())
	return nil
}

// GetAssistant returns an assistant visible to the tenant.
func (s *Service) GetAssistant(ctx context.Context, tenant, assistantID string) (*store.Assistant, error) {
	key, err := keyspace.NewAssistantKey(tenant, assistantID)
	if err != nil {
		return nil, err
	}
	return s.store.GetAssistant(ctx, key)
}

// ListAssistants returns the tenant's own and all public assistants.
func (s *Service) ListAssistants(ctx context.Context, tenant string) ([]*store.Assistant, error) {
	return s.store.ListAssistants(ctx, tenant)
}

// PutAssistant stores an assistant owned by the tenant.
func (s *Service) PutAssistant(ctx context.Context, tenant, assistantID, name string, cfg map[string]any, public bool) (*store.Assistant, error) {
	key, err := keyspace.NewAssistantKey(tenant, assistantID)
	if err != nil {
		return nil, err
	}
	if err := s.store.PutAssistant(ctx, &store.Assistant{
		TenantID: tenant,
		ID:       assistantID,
		Name:     name,
		Config:   cfg,
		Public:   public,
	}); err != nil {
		return nil, err
	}
	s.assistants.invalidate(assistantID)
	return s.store.GetAssistant(ctx, key)
}

func nonNil(next []string) []string {
	if next == nil {
		return []string{}
	}
	return next
}

func writeOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnboundAssistant):
		return "unbound"
	case errors.Is(err, store.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
