// ABOUTME: Versioned storage form for state values and checkpoint metadata
// ABOUTME: Decoding failures surface as *Error so callers can treat them as data corruption

package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the envelope format written by Encode.
const Version = 1

// Error reports a value that could not be encoded or decoded. On the read
// path it means stored data is corrupt.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsError reports whether err is, or wraps, a codec error.
func IsError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

type envelope struct {
	V    int             `json:"v"`
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode produces the storable form of v.
func Encode(v Value) ([]byte, error) {
	env := envelope{V: Version, Kind: v.Kind()}
	if !v.IsNull() {
		if v.Kind() == KindMessages {
			for _, m := range v.messages {
				if err := m.validate(); err != nil {
					return nil, &Error{Op: "encode", Err: err}
				}
			}
		}
		data, err := json.Marshal(v.data())
		if err != nil {
			return nil, &Error{Op: "encode", Err: err}
		}
		env.Data = data
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, &Error{Op: "encode", Err: err}
	}
	return out, nil
}

// Decode reverses Encode.
func Decode(data []byte) (Value, error) {
	if len(data) == 0 {
		return Value{}, &Error{Op: "decode", Err: errors.New("empty payload")}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Value{}, &Error{Op: "decode", Err: err}
	}
	if env.V != Version {
		return Value{}, &Error{Op: "decode", Err: fmt.Errorf("unsupported version %d", env.V)}
	}

	switch env.Kind {
	case KindNull:
		return Null(), nil
	case KindMessages:
		var msgs []Message
		if err := unmarshal(env.Data, &msgs); err != nil {
			return Value{}, &Error{Op: "decode", Err: fmt.Errorf("messages: %w", err)}
		}
		for _, m := range msgs {
			if err := m.validate(); err != nil {
				return Value{}, &Error{Op: "decode", Err: err}
			}
		}
		return Messages(msgs...), nil
	case KindObject:
		var obj map[string]any
		if err := unmarshal(env.Data, &obj); err != nil {
			return Value{}, &Error{Op: "decode", Err: fmt.Errorf("object: %w", err)}
		}
		if obj == nil {
			return Value{}, &Error{Op: "decode", Err: errors.New("object: missing data")}
		}
		return Object(obj), nil
	case KindScalar:
		var s any
		if err := unmarshal(env.Data, &s); err != nil {
			return Value{}, &Error{Op: "decode", Err: fmt.Errorf("scalar: %w", err)}
		}
		if s == nil {
			return Value{}, &Error{Op: "decode", Err: errors.New("scalar: missing data")}
		}
		return Scalar(s), nil
	default:
		return Value{}, &Error{Op: "decode", Err: fmt.Errorf("unknown kind %q", env.Kind)}
	}
}

// EncodeNext stores the pending step names. A nil slice is stored as [].
func EncodeNext(next []string) ([]byte, error) {
	if next == nil {
		next = []string{}
	}
	out, err := json.Marshal(next)
	if err != nil {
		return nil, &Error{Op: "encode next", Err: err}
	}
	return out, nil
}

// DecodeNext reverses EncodeNext and always returns a non-nil slice.
func DecodeNext(data []byte) ([]string, error) {
	var next []string
	if err := json.Unmarshal(data, &next); err != nil {
		return nil, &Error{Op: "decode next", Err: err}
	}
	if next == nil {
		next = []string{}
	}
	return next, nil
}

// EncodeConfig stores a configuration map. A nil map is stored as {}.
func EncodeConfig(cfg map[string]any) ([]byte, error) {
	if cfg == nil {
		cfg = map[string]any{}
	}
	out, err := json.Marshal(cfg)
	if err != nil {
		return nil, &Error{Op: "encode config", Err: err}
	}
	return out, nil
}

// DecodeConfig reverses EncodeConfig and always returns a non-nil map.
func DecodeConfig(data []byte) (map[string]any, error) {
	var cfg map[string]any
	if err := unmarshal(data, &cfg); err != nil {
		return nil, &Error{Op: "decode config", Err: err}
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	return cfg, nil
}
