package tree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Node is one value in a state tree: a Leaf, a Branch or a Tombstone.
// A nil Node means "absent".
type Node interface {
	node()
}

// Leaf holds a scalar (float64, string, bool) or an opaque JSON-compatible
// value such as a method result.
type Leaf struct {
	Value any
}

// Branch maps child names to nodes.
type Branch map[string]Node

// Tombstone marks a deleted key inside a diff. It encodes to JSON null.
type Tombstone struct{}

func (Leaf) node()      {}
func (Branch) node()    {}
func (Tombstone) node() {}

// MarshalJSON implements json.Marshaler
func (l Leaf) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Value)
}

// MarshalJSON implements json.Marshaler
func (Tombstone) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// UnmarshalJSON decodes a JSON object. null members become Tombstones.
func (b *Branch) UnmarshalJSON(data []byte) error {
	n, err := Decode(data)
	if err != nil {
		return err
	}
	br, ok := n.(Branch)
	if !ok {
		return fmt.Errorf("tree: expected object, got %s", bytes.TrimSpace(data))
	}
	*b = br
	return nil
}

// Decode parses JSON into a Node. Objects become Branches, null becomes a
// Tombstone, numbers decode as float64 and arrays stay opaque Leaf values.
func Decode(data []byte) (Node, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("tree: decode: %w", err)
	}
	return FromAny(v), nil
}

// FromAny converts a decoded JSON value (map[string]any, []any, scalars,
// nil) into a Node.
func FromAny(v any) Node {
	switch val := v.(type) {
	case nil:
		return Tombstone{}
	case Node:
		return val
	case map[string]any:
		b := make(Branch, len(val))
		for k, sub := range val {
			b[k] = FromAny(sub)
		}
		return b
	default:
		return Leaf{Value: val}
	}
}

// ToAny converts n back into plain JSON-compatible values. Tombstones and
// nil become nil.
func ToAny(n Node) any {
	switch val := n.(type) {
	case Leaf:
		return val.Value
	case Branch:
		m := make(map[string]any, len(val))
		for k, sub := range val {
			m[k] = ToAny(sub)
		}
		return m
	default:
		return nil
	}
}

// Clone deep-copies Branches. Leaf values are shared.
func Clone(n Node) Node {
	b, ok := n.(Branch)
	if !ok {
		return n
	}
	out := make(Branch, len(b))
	for k, sub := range b {
		out[k] = Clone(sub)
	}
	return out
}

// Equal reports whether a and b hold the same tree.
func Equal(a, b Node) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case Tombstone:
		_, ok := b.(Tombstone)
		return ok
	case Leaf:
		bv, ok := b.(Leaf)
		return ok && sameValue(av.Value, bv.Value)
	case Branch:
		bv, ok := b.(Branch)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, sub := range av {
			other, ok := bv[k]
			if !ok || !Equal(sub, other) {
				return false
			}
		}
		return true
	}
	return false
}

func sameValue(a, b any) bool {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

// Lookup walks path from n and returns the node found there.
func Lookup(n Node, path ...string) (Node, bool) {
	for _, key := range path {
		b, ok := n.(Branch)
		if !ok {
			return nil, false
		}
		if n, ok = b[key]; !ok {
			return nil, false
		}
	}
	return n, n != nil
}

// Keys returns the sorted child names of a Branch.
func (b Branch) Keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
