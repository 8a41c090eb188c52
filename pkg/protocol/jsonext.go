package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

// JSON cannot represent byte buffers or integers beyond 2^53 natively, so the
// json encoding extends primitives with a ["$<tag>", payload] escaping scheme:
//
//	["$bytes", "<base64>"]   byte slices
//	["$bigint", "<decimal>"] integers outside the float64-safe range
//	["$escape", [...]]       user arrays whose first element is a $-string
//
// Unknown $-prefixed tags are a malformed-message error. Binary encodings
// carry these types natively and never see the scheme.

const (
	jsonTagBytes  = "$bytes"
	jsonTagBigInt = "$bigint"
	jsonTagEscape = "$escape"
)

const maxSafeInteger = 1 << 53

// EscapeJSONValue rewrites a value tree into its JSON-safe escaped form.
// Accepts the types produced by json.Unmarshal plus []byte, int64, uint64,
// and *big.Int.
func EscapeJSONValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return []any{jsonTagBytes, base64.StdEncoding.EncodeToString(val)}
	case int64:
		if val > maxSafeInteger || val < -maxSafeInteger {
			return []any{jsonTagBigInt, fmt.Sprintf("%d", val)}
		}
		return val
	case uint64:
		if val > maxSafeInteger {
			return []any{jsonTagBigInt, fmt.Sprintf("%d", val)}
		}
		return val
	case *big.Int:
		return []any{jsonTagBigInt, val.String()}
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = EscapeJSONValue(item)
		}
		// A user array that happens to start with a $-prefixed string would
		// collide with the tag scheme on read, so it is double-escaped.
		if len(val) > 0 {
			if s, ok := val[0].(string); ok && strings.HasPrefix(s, "$") {
				return []any{jsonTagEscape, out}
			}
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = EscapeJSONValue(item)
		}
		return out
	default:
		return v
	}
}

// UnescapeJSONValue inverts EscapeJSONValue. Unknown $-tags fail with
// message/malformed.
func UnescapeJSONValue(v any) (any, error) {
	switch val := v.(type) {
	case []any:
		if len(val) >= 1 {
			if tag, ok := val[0].(string); ok && strings.HasPrefix(tag, "$") {
				return unescapeTagged(tag, val)
			}
		}
		out := make([]any, len(val))
		for i, item := range val {
			u, err := UnescapeJSONValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = u
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			u, err := UnescapeJSONValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = u
		}
		return out, nil
	default:
		return v, nil
	}
}

func unescapeTagged(tag string, val []any) (any, error) {
	if len(val) != 2 {
		return nil, rivet.MalformedMessage(fmt.Errorf("tagged value %q must have exactly one payload", tag))
	}
	switch tag {
	case jsonTagBytes:
		s, ok := val[1].(string)
		if !ok {
			return nil, rivet.MalformedMessage(fmt.Errorf("$bytes payload must be a base64 string"))
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, rivet.MalformedMessage(fmt.Errorf("invalid $bytes payload: %w", err))
		}
		return b, nil
	case jsonTagBigInt:
		s, ok := val[1].(string)
		if !ok {
			return nil, rivet.MalformedMessage(fmt.Errorf("$bigint payload must be a decimal string"))
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, rivet.MalformedMessage(fmt.Errorf("invalid $bigint payload %q", s))
		}
		if n.IsInt64() {
			return n.Int64(), nil
		}
		return n, nil
	case jsonTagEscape:
		inner, ok := val[1].([]any)
		if !ok {
			return nil, rivet.MalformedMessage(fmt.Errorf("$escape payload must be an array"))
		}
		out := make([]any, len(inner))
		for i, item := range inner {
			u, err := UnescapeJSONValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = u
		}
		return out, nil
	default:
		return nil, rivet.MalformedMessage(fmt.Errorf("unknown tag %q", tag))
	}
}

// jsonBytes marshals a byte slice as a ["$bytes", base64] pair so binary
// payloads survive the text transport.
type jsonBytes []byte

func (b jsonBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{jsonTagBytes, base64.StdEncoding.EncodeToString(b)})
}

func (b *jsonBytes) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("expected [\"$bytes\", ...]: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("expected [\"$bytes\", ...], got %d elements", len(raw))
	}
	var tag, payload string
	if err := json.Unmarshal(raw[0], &tag); err != nil || tag != jsonTagBytes {
		return fmt.Errorf("expected $bytes tag")
	}
	if err := json.Unmarshal(raw[1], &payload); err != nil {
		return fmt.Errorf("invalid $bytes payload: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("invalid $bytes payload: %w", err)
	}
	*b = decoded
	return nil
}

// MarshalJSONValue escapes then marshals an arbitrary value.
func MarshalJSONValue(v any) ([]byte, error) {
	return json.Marshal(EscapeJSONValue(v))
}

// UnmarshalJSONValue unmarshals then unescapes an arbitrary value.
func UnmarshalJSONValue(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, rivet.MalformedMessage(err)
	}
	return UnescapeJSONValue(raw)
}
