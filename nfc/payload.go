package nfc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Reserved payload keys.
const (
	KeyID       = "id"
	KeyLocked   = "locked"
	KeyPassword = "password"
	KeySealed   = "sealed"
	// KeyTextLock marks a locked payload whose content field was a plain
	// text record before locking.
	KeyTextLock = "textLock"
)

// TagPayload is the flat JSON object stored on a tag. Values are string,
// json.Number or bool; nested structures are carried as JSON text.
type TagPayload map[string]any

// IsReservedKey reports whether key is managed by the engine rather than the user.
func IsReservedKey(key string) bool {
	switch key {
	case KeyID, KeyLocked, KeyPassword, KeySealed, KeyTextLock:
		return true
	}
	return false
}

// Clone returns a shallow copy.
func (p TagPayload) Clone() TagPayload {
	out := make(TagPayload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// IsLocked reports whether the payload carries locked: true.
func (p TagPayload) IsLocked() bool {
	b, ok := p[KeyLocked].(bool)
	return ok && b
}

// Fields returns the user-editable keys, without any reserved key.
func (p TagPayload) Fields() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if !IsReservedKey(k) {
			out[k] = v
		}
	}
	return out
}

// Keys returns the keys in sorted order.
func (p TagPayload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NormalizePayload converts arbitrary caller values into the tag value model.
// Numbers become json.Number, nested maps and slices become JSON text and nil
// values are dropped.
func NormalizePayload(in map[string]any) (TagPayload, error) {
	out := make(TagPayload, len(in))
	for k, v := range in {
		nv, keep, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		if keep {
			out[k] = nv
		}
	}
	return out, nil
}

func normalizeValue(v any) (any, bool, error) {
	switch t := v.(type) {
	case nil:
		return nil, false, nil
	case string:
		if LooksLikeJSON(t) {
			if repaired, ok := RepairJSON(t); ok {
				return compactJSON(repaired), true, nil
			}
		}
		return t, true, nil
	case bool:
		return t, true, nil
	case json.Number:
		return t, true, nil
	case int:
		return json.Number(strconv.Itoa(t)), true, nil
	case int32:
		return json.Number(strconv.FormatInt(int64(t), 10)), true, nil
	case int64:
		return json.Number(strconv.FormatInt(t, 10)), true, nil
	case uint:
		return json.Number(strconv.FormatUint(uint64(t), 10)), true, nil
	case uint64:
		return json.Number(strconv.FormatUint(t, 10)), true, nil
	case float32:
		return floatNumber(float64(t))
	case float64:
		return floatNumber(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, false, err
		}
		return string(b), true, nil
	}
}

func floatNumber(f float64) (any, bool, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false, fmt.Errorf("unsupported number %v", f)
	}
	return json.Number(strconv.FormatFloat(f, 'f', -1, 64)), true, nil
}

func compactJSON(s string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return s
	}
	return buf.String()
}

// MarshalPayload serializes the payload as compact JSON with sorted keys.
func MarshalPayload(p TagPayload) ([]byte, error) {
	b, err := json.Marshal(map[string]any(p))
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// ParsePayload decodes a JSON object read from a tag. Numbers keep their
// literal text so an id round-trips verbatim. A JSON array or scalar is an
// error; callers treat the text as plain content instead.
func ParsePayload(text string) (TagPayload, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parse payload: trailing data after object")
	}
	if raw == nil {
		return nil, fmt.Errorf("parse payload: not an object")
	}
	return NormalizePayload(raw)
}
