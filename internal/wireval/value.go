// Package wireval implements the sum type every call argument, result,
// and archived file payload is represented as on the wire and in the
// call log: null, bool, int, float, string, bytes, array, or object.
//
// Values encode to a canonical, field-order-stable JSON rendering so two
// independently produced logs can be compared byte-for-byte.
package wireval

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// Kind identifies which branch of the sum type a Value holds.
type Kind string

const (
	KindNull   Kind = "null"
	KindBool   Kind = "bool"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindString Kind = "string"
	KindBytes  Kind = "bytes"
	KindArray  Kind = "array"
	KindObject Kind = "object"
)

// Value is an immutable, canonically-encodable wire value.
type Value struct {
	kind   Kind
	b      bool
	i      int64
	f      float64
	s      string
	bytes  []byte
	arr    []Value
	obj    map[string]Value
	objKey []string // insertion order; encoding and ObjectFields use sorted keys
}

func Null() Value                 { return Value{kind: KindNull} }
func Bool(v bool) Value           { return Value{kind: KindBool, b: v} }
func Int(v int64) Value           { return Value{kind: KindInt, i: v} }
func Float(v float64) Value       { return Value{kind: KindFloat, f: v} }
func String(v string) Value       { return Value{kind: KindString, s: v} }
func Bytes(v []byte) Value        { return Value{kind: KindBytes, bytes: append([]byte(nil), v...)} }
func Array(vs ...Value) Value     { return Value{kind: KindArray, arr: vs} }

// Object builds an object Value, preserving the order keys are given in.
func Object(pairs ...KV) Value {
	obj := make(map[string]Value, len(pairs))
	keys := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if _, exists := obj[p.Key]; !exists {
			keys = append(keys, p.Key)
		}
		obj[p.Key] = p.Value
	}
	return Value{kind: KindObject, obj: obj, objKey: keys}
}

// KV is a single object field, used to build an Object in insertion order.
type KV struct {
	Key   string
	Value Value
}

func Field(key string, v Value) KV { return KV{Key: key, Value: v} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) Int() (int64, bool)       { return v.i, v.kind == KindInt }
func (v Value) Float() (float64, bool)   { return v.f, v.kind == KindFloat }
func (v Value) String() (string, bool)   { return v.s, v.kind == KindString }
func (v Value) BytesVal() ([]byte, bool) { return v.bytes, v.kind == KindBytes }
func (v Value) Array() ([]Value, bool)   { return v.arr, v.kind == KindArray }

// ObjectFields returns the object's fields in canonical (sorted) key order.
func (v Value) ObjectFields() ([]KV, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]KV, 0, len(keys))
	for _, k := range keys {
		out = append(out, KV{Key: k, Value: v.obj[k]})
	}
	return out, true
}

// Get returns the named field of an object value, if present.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	val, ok := v.obj[key]
	return val, ok
}

// canonical is the JSON-tagged shape used for canonical encode/decode.
// Field order in this struct drives the serialized field order (kind
// first), regardless of the constructor's call order; object fields are
// a map and so encode in sorted key order.
type canonical struct {
	Kind   Kind               `json:"kind"`
	Bool   *bool              `json:"bool,omitempty"`
	Bytes  string             `json:"bytes,omitempty"`
	Float  *float64           `json:"float,omitempty"`
	Int    *int64             `json:"int,omitempty"`
	Items  []canonical        `json:"items,omitempty"`
	Fields map[string]canonical `json:"fields,omitempty"`
	String string             `json:"string,omitempty"`
}

func (v Value) toCanonical() canonical {
	switch v.kind {
	case KindNull:
		return canonical{Kind: KindNull}
	case KindBool:
		b := v.b
		return canonical{Kind: KindBool, Bool: &b}
	case KindInt:
		i := v.i
		return canonical{Kind: KindInt, Int: &i}
	case KindFloat:
		f := v.f
		return canonical{Kind: KindFloat, Float: &f}
	case KindString:
		return canonical{Kind: KindString, String: v.s}
	case KindBytes:
		return canonical{Kind: KindBytes, Bytes: base64.StdEncoding.EncodeToString(v.bytes)}
	case KindArray:
		items := make([]canonical, len(v.arr))
		for i, e := range v.arr {
			items[i] = e.toCanonical()
		}
		return canonical{Kind: KindArray, Items: items}
	case KindObject:
		fields := make(map[string]canonical, len(v.obj))
		for k, e := range v.obj {
			fields[k] = e.toCanonical()
		}
		return canonical{Kind: KindObject, Fields: fields}
	default:
		return canonical{Kind: KindNull}
	}
}

func fromCanonical(c canonical) (Value, error) {
	switch c.Kind {
	case KindNull, "":
		return Null(), nil
	case KindBool:
		if c.Bool == nil {
			return Value{}, fmt.Errorf("wireval: bool value missing bool field")
		}
		return Bool(*c.Bool), nil
	case KindInt:
		if c.Int == nil {
			return Value{}, fmt.Errorf("wireval: int value missing int field")
		}
		return Int(*c.Int), nil
	case KindFloat:
		if c.Float == nil {
			return Value{}, fmt.Errorf("wireval: float value missing float field")
		}
		return Float(*c.Float), nil
	case KindString:
		return String(c.String), nil
	case KindBytes:
		b, err := base64.StdEncoding.DecodeString(c.Bytes)
		if err != nil {
			return Value{}, fmt.Errorf("wireval: decoding bytes: %w", err)
		}
		return Bytes(b), nil
	case KindArray:
		vs := make([]Value, len(c.Items))
		for i, item := range c.Items {
			v, err := fromCanonical(item)
			if err != nil {
				return Value{}, err
			}
			vs[i] = v
		}
		return Array(vs...), nil
	case KindObject:
		keys := make([]string, 0, len(c.Fields))
		for k := range c.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]KV, 0, len(keys))
		for _, k := range keys {
			v, err := fromCanonical(c.Fields[k])
			if err != nil {
				return Value{}, err
			}
			pairs = append(pairs, Field(k, v))
		}
		return Object(pairs...), nil
	default:
		return Value{}, fmt.Errorf("wireval: unknown kind %q", c.Kind)
	}
}

// MarshalJSON renders the value in its canonical, deterministic form.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.toCanonical())
}

// UnmarshalJSON parses a canonically-encoded value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var c canonical
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&c); err != nil {
		return err
	}
	parsed, err := fromCanonical(c)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromGo converts a loosely-typed Go value (as produced by JSON decoding
// of an RPC payload, or assembled by hand) into a Value using
// mapstructure to normalize map/slice shapes before walking them.
func FromGo(in any) (Value, error) {
	switch x := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case []byte:
		return Bytes(x), nil
	case int:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float64:
		// JSON numbers decode as float64 regardless of whether the
		// literal had a fractional part; callers that need int
		// precision should pass a json.Number instead.
		return Float(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("wireval: invalid number %q: %w", x.String(), err)
		}
		return Float(f), nil
	}

	// Arbitrary structs (e.g. a decoded config section) are normalized to
	// map[string]any/[]any via mapstructure before being walked.
	var generic any
	switch in.(type) {
	case []any, map[string]any:
		generic = in
	default:
		var m map[string]any
		if err := mapstructure.Decode(in, &m); err != nil {
			return Value{}, fmt.Errorf("wireval: normalizing payload: %w", err)
		}
		generic = m
	}
	return fromGeneric(generic)
}

func fromGeneric(in any) (Value, error) {
	switch x := in.(type) {
	case []any:
		vs := make([]Value, len(x))
		for i, e := range x {
			v, err := FromGo(e)
			if err != nil {
				return Value{}, err
			}
			vs[i] = v
		}
		return Array(vs...), nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]KV, 0, len(keys))
		for _, k := range keys {
			v, err := FromGo(x[k])
			if err != nil {
				return Value{}, err
			}
			pairs = append(pairs, Field(k, v))
		}
		return Object(pairs...), nil
	default:
		return Value{}, fmt.Errorf("wireval: unsupported payload type %T", in)
	}
}

// ToGo converts a Value back into a plain Go value suitable for encoding
// into an RPC response or passing to a guest sandbox adapter.
func (v Value) ToGo() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return v.bytes
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.ToGo()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.ToGo()
		}
		return out
	default:
		return nil
	}
}
