// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package value implements the type-erased value model used on the wire.
//
// A Value is a container for any supported shape, carrying its own immutable
// type descriptor. Values do not remember the native Go type they came from;
// only the descriptor determines how a value is copied, compared and
// serialized. The binary encoding is self-describing (every shape starts
// with a tag byte) so a peer can decode a payload with or without the
// declared signature at hand.
package value

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrTypeMismatch indicates an accessor or constructor was used with a
	// shape incompatible with the stored descriptor.
	ErrTypeMismatch = errors.New("value: type mismatch")

	// ErrNotComparable indicates comparison on a descriptor that declares
	// no comparison operation.
	ErrNotComparable = errors.New("value: not comparable")
)

// Kind identifies the shape of a descriptor.
type Kind uint8

const (
	Void Kind = iota
	Bool
	Int
	Float
	String
	Raw
	List
	Map
	Tuple
	Object
	Dynamic
)

func (k Kind) String() string {
	switch k {
	case Void:
		return "void"
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Float:
		return "float"
	case String:
		return "string"
	case Raw:
		return "raw"
	case List:
		return "list"
	case Map:
		return "map"
	case Tuple:
		return "tuple"
	case Object:
		return "object"
	case Dynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// Type is an immutable type descriptor. It never changes after construction
// and is shared freely between values.
type Type struct {
	kind   Kind
	sig    string
	elem   *Type   // list element, map value
	key    *Type   // map key
	fields []*Type // tuple fields
}

// Scalar descriptors. These are singletons; composite descriptors are
// interned by signature on first construction.
var (
	TypeVoid    = &Type{kind: Void, sig: string(sigVoid)}
	TypeBool    = &Type{kind: Bool, sig: string(sigBool)}
	TypeInt     = &Type{kind: Int, sig: string(sigInt)}
	TypeFloat   = &Type{kind: Float, sig: string(sigFloat)}
	TypeString  = &Type{kind: String, sig: string(sigString)}
	TypeRaw     = &Type{kind: Raw, sig: string(sigRaw)}
	TypeObject  = &Type{kind: Object, sig: string(sigObject)}
	TypeDynamic = &Type{kind: Dynamic, sig: string(sigDynamic)}
)

// ListOf returns the descriptor for a list of elem.
func ListOf(elem *Type) *Type {
	t := &Type{kind: List, elem: elem}
	t.sig = buildSignature(t)
	return t
}

// MapOf returns the descriptor for a map from key to val.
func MapOf(key, val *Type) *Type {
	t := &Type{kind: Map, key: key, elem: val}
	t.sig = buildSignature(t)
	return t
}

// TupleOf returns the descriptor for a tuple with the given fields.
func TupleOf(fields ...*Type) *Type {
	t := &Type{kind: Tuple, fields: fields}
	t.sig = buildSignature(t)
	return t
}

// Kind returns the shape of the descriptor.
func (t *Type) Kind() Kind { return t.kind }

// Signature returns the canonical signature string.
func (t *Type) Signature() string { return t.sig }

// Elem returns the element descriptor of a list, or the value descriptor of
// a map. It is nil for other kinds.
func (t *Type) Elem() *Type { return t.elem }

// Key returns the key descriptor of a map, nil for other kinds.
func (t *Type) Key() *Type { return t.key }

// Fields returns the field descriptors of a tuple, nil for other kinds.
func (t *Type) Fields() []*Type { return t.fields }

// Comparable reports whether the descriptor declares a comparison
// operation. Maps, tuples, object references and dynamics do not.
func (t *Type) Comparable() bool {
	switch t.kind {
	case Void, Bool, Int, Float, String, Raw:
		return true
	case List:
		return t.elem.Comparable()
	default:
		return false
	}
}

// KV is one entry of a map value. Entries keep insertion order; the order
// is preserved through encode/decode.
type KV struct {
	Key Value
	Val Value
}

// Ref is an object-reference payload: a (service, object) pair resolvable
// within the originating session.
type Ref struct {
	Service uint32
	Object  uint32
}

// Value is a type-erased value: a descriptor plus exclusively-owned
// storage. The zero Value is void.
type Value struct {
	t *Type
	v any
}

// Type returns the value's descriptor, never nil.
func (v Value) Type() *Type {
	if v.t == nil {
		return TypeVoid
	}
	return v.t
}

// Kind returns the shape of the value's descriptor.
func (v Value) Kind() Kind { return v.Type().kind }

// Signature returns the canonical signature of the value's descriptor.
func (v Value) Signature() string { return v.Type().sig }

// VoidValue returns the void value.
func VoidValue() Value { return Value{t: TypeVoid} }

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{t: TypeBool, v: b} }

// IntValue wraps an int64.
func IntValue(i int64) Value { return Value{t: TypeInt, v: i} }

// FloatValue wraps a float64.
func FloatValue(f float64) Value { return Value{t: TypeFloat, v: f} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{t: TypeString, v: s} }

// RawValue wraps a byte slice. The slice is copied; the value owns its
// storage.
func RawValue(b []byte) Value {
	return Value{t: TypeRaw, v: bytes.Clone(b)}
}

// ListValue builds a list of elem. Every item must have exactly the elem
// descriptor or the construction fails with ErrTypeMismatch.
func ListValue(elem *Type, items ...Value) (Value, error) {
	for i, it := range items {
		if it.Signature() != elem.sig {
			return Value{}, fmt.Errorf("%w: list element %d is %s, want %s",
				ErrTypeMismatch, i, it.Signature(), elem.sig)
		}
	}
	return Value{t: ListOf(elem), v: append([]Value(nil), items...)}, nil
}

// MapValue builds a map from key to val with the given entries, kept in
// order. Entry shapes must match the declared descriptors.
func MapValue(key, val *Type, entries ...KV) (Value, error) {
	for i, e := range entries {
		if e.Key.Signature() != key.sig {
			return Value{}, fmt.Errorf("%w: map key %d is %s, want %s",
				ErrTypeMismatch, i, e.Key.Signature(), key.sig)
		}
		if e.Val.Signature() != val.sig {
			return Value{}, fmt.Errorf("%w: map value %d is %s, want %s",
				ErrTypeMismatch, i, e.Val.Signature(), val.sig)
		}
	}
	return Value{t: MapOf(key, val), v: append([]KV(nil), entries...)}, nil
}

// TupleValue builds a tuple whose descriptor is derived from the fields.
func TupleValue(fields ...Value) Value {
	ts := make([]*Type, len(fields))
	for i, f := range fields {
		ts[i] = f.Type()
	}
	return Value{t: TupleOf(ts...), v: append([]Value(nil), fields...)}
}

// ObjectRefValue wraps an object reference.
func ObjectRefValue(service, object uint32) Value {
	return Value{t: TypeObject, v: Ref{Service: service, Object: object}}
}

// DynamicValue wraps any value as a dynamic: the inner value travels with
// its own signature on the wire.
func DynamicValue(inner Value) Value {
	return Value{t: TypeDynamic, v: inner}
}

// From wraps a native Go value, selecting its descriptor. Supported inputs
// are Value itself, nil, booleans, the integer kinds, floats, strings,
// []byte, and slices of the scalar kinds. Anything else fails with
// ErrTypeMismatch.
func From(native any) (Value, error) {
	switch x := native.(type) {
	case Value:
		return x, nil
	case nil:
		return VoidValue(), nil
	case bool:
		return BoolValue(x), nil
	case int:
		return IntValue(int64(x)), nil
	case int32:
		return IntValue(int64(x)), nil
	case int64:
		return IntValue(x), nil
	case uint32:
		return IntValue(int64(x)), nil
	case float32:
		return FloatValue(float64(x)), nil
	case float64:
		return FloatValue(x), nil
	case string:
		return StringValue(x), nil
	case []byte:
		return RawValue(x), nil
	case []int64:
		items := make([]Value, len(x))
		for i, n := range x {
			items[i] = IntValue(n)
		}
		return ListValue(TypeInt, items...)
	case []float64:
		items := make([]Value, len(x))
		for i, n := range x {
			items[i] = FloatValue(n)
		}
		return ListValue(TypeFloat, items...)
	case []string:
		items := make([]Value, len(x))
		for i, s := range x {
			items[i] = StringValue(s)
		}
		return ListValue(TypeString, items...)
	default:
		return Value{}, fmt.Errorf("%w: unsupported native type %T", ErrTypeMismatch, native)
	}
}

// AsBool returns the stored bool, or ErrTypeMismatch.
func (v Value) AsBool() (bool, error) {
	if v.Kind() != Bool {
		return false, mismatch(Bool, v)
	}
	return v.v.(bool), nil
}

// AsInt returns the stored int64, or ErrTypeMismatch.
func (v Value) AsInt() (int64, error) {
	if v.Kind() != Int {
		return 0, mismatch(Int, v)
	}
	return v.v.(int64), nil
}

// AsFloat returns the stored float64, or ErrTypeMismatch.
func (v Value) AsFloat() (float64, error) {
	if v.Kind() != Float {
		return 0, mismatch(Float, v)
	}
	return v.v.(float64), nil
}

// AsString returns the stored string, or ErrTypeMismatch.
func (v Value) AsString() (string, error) {
	if v.Kind() != String {
		return "", mismatch(String, v)
	}
	return v.v.(string), nil
}

// AsRaw returns the stored bytes, or ErrTypeMismatch. The returned slice
// is the value's own storage and must not be mutated.
func (v Value) AsRaw() ([]byte, error) {
	if v.Kind() != Raw {
		return nil, mismatch(Raw, v)
	}
	return v.v.([]byte), nil
}

// AsList returns the list elements, or ErrTypeMismatch.
func (v Value) AsList() ([]Value, error) {
	if v.Kind() != List {
		return nil, mismatch(List, v)
	}
	return v.v.([]Value), nil
}

// AsMap returns the map entries in insertion order, or ErrTypeMismatch.
func (v Value) AsMap() ([]KV, error) {
	if v.Kind() != Map {
		return nil, mismatch(Map, v)
	}
	return v.v.([]KV), nil
}

// AsTuple returns the tuple fields, or ErrTypeMismatch.
func (v Value) AsTuple() ([]Value, error) {
	if v.Kind() != Tuple {
		return nil, mismatch(Tuple, v)
	}
	return v.v.([]Value), nil
}

// AsObjectRef returns the stored object reference, or ErrTypeMismatch.
func (v Value) AsObjectRef() (Ref, error) {
	if v.Kind() != Object {
		return Ref{}, mismatch(Object, v)
	}
	return v.v.(Ref), nil
}

// AsDynamic unwraps one level of dynamic, or ErrTypeMismatch.
func (v Value) AsDynamic() (Value, error) {
	if v.Kind() != Dynamic {
		return Value{}, mismatch(Dynamic, v)
	}
	return v.v.(Value), nil
}

// As returns the value converted to a native Go scalar type.
func As[T bool | int64 | float64 | string | []byte](v Value) (T, error) {
	var zero T
	var got any
	var err error
	switch any(zero).(type) {
	case bool:
		got, err = v.AsBool()
	case int64:
		got, err = v.AsInt()
	case float64:
		got, err = v.AsFloat()
	case string:
		got, err = v.AsString()
	case []byte:
		got, err = v.AsRaw()
	}
	if err != nil {
		return zero, err
	}
	return got.(T), nil
}

func mismatch(want Kind, v Value) error {
	return fmt.Errorf("%w: want %s, have %s", ErrTypeMismatch, want, v.Kind())
}

// Clone performs a descriptor-driven copy. Value shapes are deep-copied;
// an object reference copies the handle, not the target.
func (v Value) Clone() Value {
	switch v.Kind() {
	case Raw:
		return Value{t: v.t, v: bytes.Clone(v.v.([]byte))}
	case List, Tuple:
		src := v.v.([]Value)
		dst := make([]Value, len(src))
		for i, e := range src {
			dst[i] = e.Clone()
		}
		return Value{t: v.t, v: dst}
	case Map:
		src := v.v.([]KV)
		dst := make([]KV, len(src))
		for i, e := range src {
			dst[i] = KV{Key: e.Key.Clone(), Val: e.Val.Clone()}
		}
		return Value{t: v.t, v: dst}
	case Dynamic:
		return Value{t: v.t, v: v.v.(Value).Clone()}
	default:
		return v
	}
}

// Equal reports whether two values compare equal. It fails with
// ErrNotComparable unless both descriptors declare comparison and agree.
func Equal(a, b Value) (bool, error) {
	c, err := Compare(a, b)
	if err != nil {
		return false, err
	}
	return c == 0, nil
}

// Compare orders two values of the same comparable descriptor, returning
// -1, 0 or +1. Lists order lexicographically.
func Compare(a, b Value) (int, error) {
	if !a.Type().Comparable() || !b.Type().Comparable() {
		return 0, fmt.Errorf("%w: %s vs %s", ErrNotComparable, a.Signature(), b.Signature())
	}
	if a.Signature() != b.Signature() {
		return 0, fmt.Errorf("%w: %s vs %s", ErrTypeMismatch, a.Signature(), b.Signature())
	}
	switch a.Kind() {
	case Void:
		return 0, nil
	case Bool:
		x, y := a.v.(bool), b.v.(bool)
		switch {
		case x == y:
			return 0, nil
		case !x:
			return -1, nil
		default:
			return 1, nil
		}
	case Int:
		return cmpOrdered(a.v.(int64), b.v.(int64)), nil
	case Float:
		return cmpOrdered(a.v.(float64), b.v.(float64)), nil
	case String:
		return cmpOrdered(a.v.(string), b.v.(string)), nil
	case Raw:
		return bytes.Compare(a.v.([]byte), b.v.([]byte)), nil
	case List:
		xs, ys := a.v.([]Value), b.v.([]Value)
		for i := 0; i < len(xs) && i < len(ys); i++ {
			c, err := Compare(xs[i], ys[i])
			if err != nil {
				return 0, err
			}
			if c != 0 {
				return c, nil
			}
		}
		return cmpOrdered(len(xs), len(ys)), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrNotComparable, a.Signature())
	}
}

func cmpOrdered[T int | int64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// String renders the value for logs and test failures.
func (v Value) String() string {
	switch v.Kind() {
	case Void:
		return "void"
	case Object:
		r := v.v.(Ref)
		return fmt.Sprintf("object(%d/%d)", r.Service, r.Object)
	case Dynamic:
		return fmt.Sprintf("dynamic(%s)", v.v.(Value))
	case Raw:
		return fmt.Sprintf("raw(%d bytes)", len(v.v.([]byte)))
	default:
		return fmt.Sprintf("%v", v.v)
	}
}
