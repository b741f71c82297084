// ABOUTME: Thread state values: null, message sequences, objects, and scalars
// ABOUTME: Parses client JSON into a typed Value and renders it back

package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
)

// Kind tags the shape of a Value.
type Kind string

const (
	KindNull     Kind = "null"
	KindMessages Kind = "messages"
	KindObject   Kind = "object"
	KindScalar   Kind = "scalar"
)

// Message types recognised in a message sequence.
const (
	MessageHuman    = "human"
	MessageAI       = "ai"
	MessageSystem   = "system"
	MessageTool     = "tool"
	MessageFunction = "function"
	MessageChat     = "chat"
)

var messageTypes = map[string]bool{
	MessageHuman:    true,
	MessageAI:       true,
	MessageSystem:   true,
	MessageTool:     true,
	MessageFunction: true,
	MessageChat:     true,
}

// IsMessageType reports whether t is a known message type.
func IsMessageType(t string) bool {
	return messageTypes[t]
}

// Message is one entry of a conversation-shaped state. Keys without a
// dedicated field (response_metadata, usage_metadata, example, ...) are kept
// in Extra and written back unchanged.
type Message struct {
	Type             string           `json:"type"`
	Content          any              `json:"content"`
	ID               string           `json:"id,omitempty"`
	Name             string           `json:"name,omitempty"`
	ToolCalls        []map[string]any `json:"tool_calls,omitempty"`
	ToolCallID       string           `json:"tool_call_id,omitempty"`
	AdditionalKwargs map[string]any   `json:"additional_kwargs,omitempty"`
	Extra            map[string]any   `json:"-"`
}

// messageFields is Message without its JSON methods.
type messageFields Message

var messageKeys = []string{"type", "content", "id", "name", "tool_calls", "tool_call_id", "additional_kwargs"}

// MarshalJSON writes the known fields over Extra.
func (m Message) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(messageFields(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return known, nil
	}

	out := maps.Clone(m.Extra)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON fills the known fields and collects everything else in Extra.
func (m *Message) UnmarshalJSON(data []byte) error {
	var fields messageFields
	if err := unmarshal(data, &fields); err != nil {
		return err
	}
	var all map[string]any
	if err := unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range messageKeys {
		delete(all, k)
	}
	if len(all) > 0 {
		fields.Extra = all
	}
	*m = Message(fields)
	return nil
}

// unmarshal decodes a single JSON value, keeping numbers as json.Number so
// integers beyond 2^53 survive a round trip.
func unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}

func (m Message) validate() error {
	if !IsMessageType(m.Type) {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Value is the materialized state held by a checkpoint. The zero Value is null.
type Value struct {
	kind     Kind
	messages []Message
	object   map[string]any
	scalar   any
}

// Null returns the empty state.
func Null() Value {
	return Value{kind: KindNull}
}

// Messages returns a message-sequence state.
func Messages(msgs ...Message) Value {
	return Value{kind: KindMessages, messages: slices.Clone(msgs)}
}

// Object returns a map-shaped state.
func Object(m map[string]any) Value {
	if m == nil {
		m = map[string]any{}
	}
	return Value{kind: KindObject, object: maps.Clone(m)}
}

// Scalar returns a state holding any other JSON value.
func Scalar(v any) Value {
	if v == nil {
		return Null()
	}
	return Value{kind: KindScalar, scalar: v}
}

// Kind returns the shape of v.
func (v Value) Kind() Kind {
	if v.kind == "" {
		return KindNull
	}
	return v.kind
}

// IsNull reports whether v holds no state.
func (v Value) IsNull() bool {
	return v.Kind() == KindNull
}

// Messages returns a copy of the message sequence, or nil for other kinds.
func (v Value) Messages() []Message {
	if v.kind != KindMessages {
		return nil
	}
	return slices.Clone(v.messages)
}

// Object returns a shallow copy of the map, or nil for other kinds.
func (v Value) Object() map[string]any {
	if v.kind != KindObject {
		return nil
	}
	return maps.Clone(v.object)
}

// Scalar returns the raw scalar, or nil for other kinds.
func (v Value) Scalar() any {
	if v.kind != KindScalar {
		return nil
	}
	return v.scalar
}

// MarshalJSON renders the client-facing form: null, an array of messages,
// an object, or the scalar itself.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.data())
}

// UnmarshalJSON parses client JSON with the same rules as Parse.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) data() any {
	switch v.Kind() {
	case KindMessages:
		if v.messages == nil {
			return []Message{}
		}
		return v.messages
	case KindObject:
		return v.object
	case KindScalar:
		return v.scalar
	default:
		return nil
	}
}

// Parse interprets client JSON. An array whose elements are all objects
// carrying a known message type becomes a message sequence; an empty array
// is an empty sequence. Objects become object states, null becomes the
// empty state, anything else is kept as a scalar.
func Parse(data []byte) (Value, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Null(), nil
	}

	var raw any
	if err := unmarshal(data, &raw); err != nil {
		return Value{}, &Error{Op: "parse", Err: err}
	}

	switch t := raw.(type) {
	case []any:
		if looksLikeMessages(t) {
			var msgs []Message
			if err := unmarshal(data, &msgs); err != nil {
				return Value{}, &Error{Op: "parse", Err: err}
			}
			return Messages(msgs...), nil
		}
		return Scalar(t), nil
	case map[string]any:
		return Object(t), nil
	default:
		return Scalar(t), nil
	}
}

func looksLikeMessages(items []any) bool {
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return false
		}
		typ, _ := obj["type"].(string)
		if !IsMessageType(typ) {
			return false
		}
	}
	return true
}
