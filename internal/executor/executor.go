// ABOUTME: Step executor capability and the registry that maps assistant types to executors
// ABOUTME: An executor turns (prior state, input, config) into the next state and pending steps

package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/2389/coven-state/internal/codec"
)

// ErrUnknownType is returned when no factory is registered for an assistant type.
var ErrUnknownType = errors.New("unknown assistant type")

// Result is the outcome of one execution step.
type Result struct {
	Values codec.Value
	Next   []string
}

// Executor advances a thread by one step. Implementations must not retain
// prior or input beyond the call; they may be invoked several times for
// one write when concurrent writers race.
type Executor interface {
	Advance(ctx context.Context, prior codec.Value, input codec.Value, config map[string]any) (Result, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, prior codec.Value, input codec.Value, config map[string]any) (Result, error)

// Advance calls f.
func (f Func) Advance(ctx context.Context, prior codec.Value, input codec.Value, config map[string]any) (Result, error) {
	return f(ctx, prior, input, config)
}

// Factory builds an executor from an assistant's config.
type Factory func(assistantConfig map[string]any) (Executor, error)

// Registry maps assistant types to executor factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for typ.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Resolve builds the executor for typ.
func (r *Registry) Resolve(typ string, assistantConfig map[string]any) (Executor, error) {
	r.mu.RLock()
	f, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	return f(assistantConfig)
}

// Types lists registered assistant types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Configurable returns cfg["configurable"] as a map, or an empty map.
func Configurable(cfg map[string]any) map[string]any {
	if c, ok := cfg["configurable"].(map[string]any); ok {
		return c
	}
	return map[string]any{}
}
