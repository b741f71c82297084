// ABOUTME: Built-in executors: chatbot message accumulator and echo
// ABOUTME: Registered by NewDefaultRegistry alongside the remote HTTP executor

package executor

import (
	"context"
	"maps"

	"github.com/google/uuid"

	"github.com/2389/coven-state/internal/codec"
)

// Built-in assistant types.
const (
	TypeChatbot = "chatbot"
	TypeEcho    = "echo"
	TypeRemote  = "remote"
)

// NewDefaultRegistry returns a registry with every built-in executor.
func NewDefaultRegistry(remote RemoteConfig) *Registry {
	r := NewRegistry()
	r.Register(TypeChatbot, func(map[string]any) (Executor, error) { return Chatbot{}, nil })
	r.Register(TypeEcho, func(map[string]any) (Executor, error) { return Echo{}, nil })
	r.Register(TypeRemote, RemoteFactory(remote))
	return r
}

// Chatbot accumulates conversation state. Input messages are appended to
// prior messages, input objects are merged over prior objects, and any
// other input replaces the prior state. Messages without an id get one.
type Chatbot struct{}

// Advance implements Executor.
func (Chatbot) Advance(ctx context.Context, prior codec.Value, input codec.Value, config map[string]any) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var next codec.Value
	switch {
	case input.Kind() == codec.KindMessages && (prior.Kind() == codec.KindMessages || prior.IsNull()):
		msgs := prior.Messages()
		for _, m := range input.Messages() {
			if m.ID == "" {
				m.ID = uuid.New().String()
			}
			msgs = append(msgs, m)
		}
		next = codec.Messages(msgs...)
	case input.Kind() == codec.KindObject && prior.Kind() == codec.KindObject:
		merged := prior.Object()
		maps.Copy(merged, input.Object())
		next = codec.Object(merged)
	default:
		next = input
	}

	return Result{Values: next, Next: []string{}}, nil
}

// Echo replaces the state with the input.
type Echo struct{}

// Advance implements Executor.
func (Echo) Advance(ctx context.Context, prior codec.Value, input codec.Value, config map[string]any) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{Values: input, Next: []string{}}, nil
}
