// Package vars provides Vars, an insertion-ordered string map used for
// pipeline environments, job context and command inputs.
package vars

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Vars is an ordered map of string keys to string values. The zero value is
// an empty map ready to use. Overwriting a key keeps its original position.
type Vars struct {
	keys   []string
	values map[string]string
}

// New returns Vars populated from alternating key/value pairs. A trailing
// key without a value is ignored.
func New(pairs ...string) *Vars {
	v := &Vars{}
	for i := 0; i+1 < len(pairs); i += 2 {
		v.Put(pairs[i], pairs[i+1])
	}
	return v
}

// FromMap builds Vars from a plain map. Keys are sorted so that the result is
// deterministic.
func FromMap(m map[string]string) *Vars {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	v := &Vars{}
	for _, k := range keys {
		v.Put(k, m[k])
	}
	return v
}

// Put sets key to value.
func (v *Vars) Put(key, value string) {
	if v.values == nil {
		v.values = make(map[string]string)
	}
	if _, ok := v.values[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.values[key] = value
}

// Get returns the value for key and whether it was present.
func (v *Vars) Get(key string) (string, bool) {
	if v == nil || v.values == nil {
		return "", false
	}
	val, ok := v.values[key]
	return val, ok
}

// GetOr returns the value for key, or def when the key is absent.
func (v *Vars) GetOr(key, def string) string {
	if val, ok := v.Get(key); ok {
		return val
	}
	return def
}

// GetBool parses the value for key as a boolean. def is returned when the key
// is absent or does not parse.
func (v *Vars) GetBool(key string, def bool) bool {
	val, ok := v.Get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

// Has reports whether key is present.
func (v *Vars) Has(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// Delete removes key.
func (v *Vars) Delete(key string) {
	if v == nil || v.values == nil {
		return
	}
	if _, ok := v.values[key]; !ok {
		return
	}
	delete(v.values, key)
	for i, k := range v.keys {
		if k == key {
			v.keys = append(v.keys[:i], v.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries.
func (v *Vars) Len() int {
	if v == nil {
		return 0
	}
	return len(v.keys)
}

// IsEmpty reports whether there are no entries.
func (v *Vars) IsEmpty() bool { return v.Len() == 0 }

// IsZero lets encoders honor omitempty.
func (v Vars) IsZero() bool { return len(v.keys) == 0 }

// Keys returns the keys in insertion order.
func (v *Vars) Keys() []string {
	if v == nil {
		return nil
	}
	out := make([]string, len(v.keys))
	copy(out, v.keys)
	return out
}

// Merge copies every entry of other into v. Values from other win on key
// collision. It returns v for chaining.
func (v *Vars) Merge(other *Vars) *Vars {
	if other == nil {
		return v
	}
	for _, k := range other.keys {
		v.Put(k, other.values[k])
	}
	return v
}

// Copy returns a deep copy.
func (v *Vars) Copy() *Vars {
	out := &Vars{}
	return out.Merge(v)
}

// ToMap returns the entries as a plain map.
func (v *Vars) ToMap() map[string]string {
	out := make(map[string]string, v.Len())
	if v == nil {
		return out
	}
	for _, k := range v.keys {
		out[k] = v.values[k]
	}
	return out
}

// Environ returns the entries as KEY=VALUE strings in insertion order.
func (v *Vars) Environ() []string {
	if v == nil {
		return nil
	}
	out := make([]string, 0, len(v.keys))
	for _, k := range v.keys {
		out = append(out, k+"="+v.values[k])
	}
	return out
}

// Equal reports whether v and other hold the same entries in the same order.
func (v *Vars) Equal(other *Vars) bool {
	if v.Len() != other.Len() {
		return false
	}
	for i, k := range v.Keys() {
		if other.keys[i] != k || other.values[k] != v.values[k] {
			return false
		}
	}
	return true
}

// MarshalYAML encodes the entries as a mapping node, preserving order.
func (v Vars) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, k := range v.keys {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v.values[k]},
		)
	}
	return node, nil
}

// UnmarshalYAML decodes a mapping node. Scalar values of any type are kept as
// their literal text.
func (v *Vars) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("vars: expected a mapping at line %d, got %s", node.Line, kindName(node.Kind))
	}
	*v = Vars{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("vars: value of %q at line %d must be a scalar", key.Value, val.Line)
		}
		v.Put(key.Value, val.Value)
	}
	return nil
}

// MarshalJSON encodes the entries as a JSON object, preserving order.
func (v Vars) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range v.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(v.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object of string values, preserving order.
func (v *Vars) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*v = Vars{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("vars: expected JSON object")
	}

	*v = Vars{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var val string
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("vars: value of %q: %w", key, err)
		}
		v.Put(key, val)
	}
	_, err = dec.Token()
	return err
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "unknown"
	}
}
