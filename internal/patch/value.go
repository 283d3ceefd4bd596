// Package patch implements the layered request-patching engine: a generic
// merge-tree value type, the provider-neutral request skeleton, and the
// deep-merge rules that let configuration reshape outbound requests
// without code changes.
package patch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Kind discriminates the variants of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindSequence
	KindMapping
)

// Value is a tagged tree over JSON-shaped data. Mappings preserve key
// insertion order so that encoded request bodies are deterministic. An
// explicit null is the absent marker: merging a null at a key deletes
// that key from the target.
type Value struct {
	kind    Kind
	boolv   bool
	numv    float64
	strv    string
	seq     []*Value
	keys    []string
	entries map[string]*Value
}

// Null returns the absent marker.
func Null() *Value { return &Value{kind: KindNull} }

// Bool returns a boolean scalar.
func Bool(b bool) *Value { return &Value{kind: KindBool, boolv: b} }

// Number returns a numeric scalar.
func Number(n float64) *Value { return &Value{kind: KindNumber, numv: n} }

// String returns a string scalar.
func String(s string) *Value { return &Value{kind: KindString, strv: s} }

// Sequence returns a sequence of the given items.
func Sequence(items ...*Value) *Value {
	return &Value{kind: KindSequence, seq: items}
}

// Mapping returns an empty ordered mapping.
func Mapping() *Value {
	return &Value{kind: KindMapping, entries: make(map[string]*Value)}
}

// Kind reports the variant of the value.
func (v *Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is the absent marker.
func (v *Value) IsNull() bool { return v == nil || v.kind == KindNull }

// BoolValue returns the boolean payload; zero for other kinds.
func (v *Value) BoolValue() bool { return v.boolv }

// NumberValue returns the numeric payload; zero for other kinds.
func (v *Value) NumberValue() float64 { return v.numv }

// StringValue returns the string payload; empty for other kinds.
func (v *Value) StringValue() string { return v.strv }

// Items returns the elements of a sequence value.
func (v *Value) Items() []*Value { return v.seq }

// Append adds an item to a sequence value.
func (v *Value) Append(item *Value) {
	v.seq = append(v.seq, item)
}

// Keys returns mapping keys in insertion order.
func (v *Value) Keys() []string { return v.keys }

// Len returns the number of entries in a mapping or items in a sequence.
func (v *Value) Len() int {
	if v.kind == KindMapping {
		return len(v.keys)
	}
	return len(v.seq)
}

// Get looks up a mapping key.
func (v *Value) Get(key string) (*Value, bool) {
	if v.kind != KindMapping {
		return nil, false
	}
	val, ok := v.entries[key]
	return val, ok
}

// Set writes a mapping key, preserving the original position of existing
// keys and appending new ones.
func (v *Value) Set(key string, val *Value) *Value {
	if v.entries == nil {
		v.entries = make(map[string]*Value)
	}
	if _, exists := v.entries[key]; !exists {
		v.keys = append(v.keys, key)
	}
	v.entries[key] = val
	return v
}

// Delete removes a mapping key if present.
func (v *Value) Delete(key string) {
	if _, exists := v.entries[key]; !exists {
		return
	}
	delete(v.entries, key)
	for i, k := range v.keys {
		if k == key {
			v.keys = append(v.keys[:i], v.keys[i+1:]...)
			break
		}
	}
}

// Clone returns a deep copy of the value.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	out := &Value{kind: v.kind, boolv: v.boolv, numv: v.numv, strv: v.strv}
	switch v.kind {
	case KindSequence:
		out.seq = make([]*Value, len(v.seq))
		for i, item := range v.seq {
			out.seq[i] = item.Clone()
		}
	case KindMapping:
		out.entries = make(map[string]*Value, len(v.entries))
		out.keys = append([]string(nil), v.keys...)
		for k, val := range v.entries {
			out.entries[k] = val.Clone()
		}
	}
	return out
}

// Equal reports deep equality. Mapping key order does not affect equality.
func (v *Value) Equal(other *Value) bool {
	if v == nil || other == nil {
		return v.IsNull() && other.IsNull()
	}
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.boolv == other.boolv
	case KindNumber:
		return v.numv == other.numv
	case KindString:
		return v.strv == other.strv
	case KindSequence:
		if len(v.seq) != len(other.seq) {
			return false
		}
		for i := range v.seq {
			if !v.seq[i].Equal(other.seq[i]) {
				return false
			}
		}
		return true
	case KindMapping:
		if len(v.entries) != len(other.entries) {
			return false
		}
		for k, val := range v.entries {
			otherVal, ok := other.entries[k]
			if !ok || !val.Equal(otherVal) {
				return false
			}
		}
		return true
	}
	return false
}

// MarshalJSON encodes the value, emitting mapping keys in insertion order.
func (v *Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Value) encode(buf *bytes.Buffer) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.boolv))
	case KindNumber:
		data, err := json.Marshal(v.numv)
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindString:
		data, err := json.Marshal(v.strv)
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindSequence:
		buf.WriteByte('[')
		for i, item := range v.seq {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMapping:
		buf.WriteByte('{')
		for i, key := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyData, err := json.Marshal(key)
			if err != nil {
				return err
			}
			buf.Write(keyData)
			buf.WriteByte(':')
			if err := v.entries[key].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// UnmarshalJSON decodes arbitrary JSON, preserving object key order.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	parsed, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*v = *parsed
	return nil
}

// ParseJSON decodes a JSON document into a Value.
func ParseJSON(data []byte) (*Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return &v, nil
}

func decodeValue(dec *json.Decoder) (*Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (*Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '{':
			m := Mapping()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("expected object key, got %v", keyTok)
				}
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				m.Set(key, val)
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return nil, err
			}
			return m, nil
		case '[':
			s := Sequence()
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				s.Append(item)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, err
			}
			return s, nil
		}
	}
	return nil, fmt.Errorf("unexpected JSON token %v", tok)
}

// FromAny converts plain Go data (as produced by encoding/json into any)
// into a Value. Map keys are emitted in sorted order since Go maps carry
// no ordering of their own.
func FromAny(v any) (*Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case []any:
		s := Sequence()
		for _, item := range t {
			val, err := FromAny(item)
			if err != nil {
				return nil, err
			}
			s.Append(val)
		}
		return s, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := Mapping()
		for _, k := range keys {
			val, err := FromAny(t[k])
			if err != nil {
				return nil, err
			}
			m.Set(k, val)
		}
		return m, nil
	}
	return nil, fmt.Errorf("cannot convert %T to a patch value", v)
}

// FromYAML converts a decoded YAML node into a Value, preserving mapping
// key order. Used when patch fragments come from the configuration file
// rather than an environment variable.
func FromYAML(node *yaml.Node) (*Value, error) {
	if node == nil {
		return nil, nil
	}
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return Null(), nil
		}
		return FromYAML(node.Content[0])
	}
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!null":
			return Null(), nil
		case "!!bool":
			var b bool
			if err := node.Decode(&b); err != nil {
				return nil, err
			}
			return Bool(b), nil
		case "!!int", "!!float":
			var f float64
			if err := node.Decode(&f); err != nil {
				return nil, err
			}
			return Number(f), nil
		default:
			return String(node.Value), nil
		}
	case yaml.SequenceNode:
		s := Sequence()
		for _, item := range node.Content {
			val, err := FromYAML(item)
			if err != nil {
				return nil, err
			}
			s.Append(val)
		}
		return s, nil
	case yaml.MappingNode:
		m := Mapping()
		for i := 0; i+1 < len(node.Content); i += 2 {
			val, err := FromYAML(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			m.Set(node.Content[i].Value, val)
		}
		return m, nil
	}
	return nil, fmt.Errorf("unsupported YAML node kind %d at line %d", node.Kind, node.Line)
}
