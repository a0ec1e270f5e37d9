package value

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// MarshalJSON implements json.Marshaler for Ref. References serialize as
// a single-key object, the same shape rule sources use.
func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"ref": r.Path})
}

// MarshalJSON implements json.Marshaler for Map with keys in RFC 8785
// order, so repeated marshals of the same value are byte-identical.
func (m Map) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := json.Marshal(m[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler for Map.
func (m *Map) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = make(Map, len(raw))
	for k, rawVal := range raw {
		v, err := FromJSON(rawVal)
		if err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		(*m)[k] = v
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for List.
func (l *List) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*l = make(List, len(raw))
	for i, rawVal := range raw {
		v, err := FromJSON(rawVal)
		if err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
		(*l)[i] = v
	}
	return nil
}

// FromJSON decodes JSON bytes into a Value. Objects decode to Map even
// when shaped like a reference; callers that accept rule sources apply
// NormalizeRefs afterwards.
func FromJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return Of(raw)
}

// NormalizeRefs rewrites the two reference spellings into Ref nodes:
// a whole-string "${path}" and a single-key map {"ref": "path"}. Strings
// that merely embed ${path} tokens among other text stay String; the
// evaluator expands those at fire time.
func NormalizeRefs(v Value) Value {
	switch val := v.(type) {
	case String:
		if path, ok := WholeRefPath(string(val)); ok {
			return Ref{Path: path}
		}
		return val
	case List:
		out := make(List, len(val))
		for i, elem := range val {
			out[i] = NormalizeRefs(elem)
		}
		return out
	case Map:
		if len(val) == 1 {
			if raw, ok := val["ref"]; ok {
				if path, isString := raw.(String); isString {
					return Ref{Path: string(path)}
				}
			}
		}
		out := make(Map, len(val))
		for k, elem := range val {
			out[k] = NormalizeRefs(elem)
		}
		return out
	default:
		return v
	}
}
