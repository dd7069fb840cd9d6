// Package payload recovers structured JSON that producers embed in
// free-text calendar fields.
//
// Recovery is best effort and never fails: when no JSON can be decoded the
// raw text itself is returned, so callers always get a usable value.
package payload

import (
	"encoding/json"
	"strings"
)

// Kind tells how a Value was obtained.
type Kind string

const (
	// Decoded means Data holds a decoded JSON value (map[string]any, []any,
	// float64, string, bool or nil).
	Decoded Kind = "decoded"
	// Raw means nothing could be decoded and Data is the input string.
	Raw Kind = "raw"
)

// Keys lifted onto event records.
const (
	AmountKey    = "amount"
	EventTypeKey = "event_type"
)

// Value is the outcome of Recover.
type Value struct {
	Kind Kind
	Data any
}

// Object returns Data as a JSON object when it is one.
func (v *Value) Object() (map[string]any, bool) {
	if v == nil || v.Kind != Decoded {
		return nil, false
	}
	m, ok := v.Data.(map[string]any)
	return m, ok
}

// IsRaw reports whether v fell back to the literal input.
func (v *Value) IsRaw() bool {
	return v != nil && v.Kind == Raw
}

// MarshalJSON renders the recovered value itself, so a decoded object stays
// an object and a raw fallback becomes a JSON string.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Data)
}

// Recover decodes raw as JSON, trying in order:
//
//   - nil input: absent (nil)
//   - the whole string
//   - the span from the first '{' to the last '}'
//   - the literal string
func Recover(raw *string) *Value {
	if raw == nil {
		return nil
	}
	s := *raw

	if data, ok := decode(s); ok {
		return &Value{Kind: Decoded, Data: data}
	}

	first := strings.IndexByte(s, '{')
	last := strings.LastIndexByte(s, '}')
	if first != -1 && last != -1 && last > first {
		if data, ok := decode(s[first : last+1]); ok {
			return &Value{Kind: Decoded, Data: data}
		}
	}

	return &Value{Kind: Raw, Data: s}
}

// RecoverString is Recover for a value known to be present.
func RecoverString(s string) *Value {
	return Recover(&s)
}

func decode(s string) (any, bool) {
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, false
	}
	return out, true
}

// Lift copies the amount and event_type keys out of a recovered object.
// A key is only copied when its JSON type matches exactly: amount must be a
// number and event_type a string. Nothing is coerced.
func Lift(v *Value) (amount *float64, eventType *string) {
	obj, ok := v.Object()
	if !ok {
		return nil, nil
	}
	if n, ok := obj[AmountKey].(float64); ok {
		amount = &n
	}
	if s, ok := obj[EventTypeKey].(string); ok {
		eventType = &s
	}
	return amount, eventType
}
