// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package value

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedPayload indicates bytes that cannot be decoded: truncated
// input, an unknown tag, or a nested shape whose header disagrees with the
// declared signature.
var ErrMalformedPayload = errors.New("value: malformed payload")

// Wire tags. Every encoded value starts with one tag byte identifying its
// shape; composite shapes recursively encode their elements. All integers
// are big-endian.
const (
	tagVoid    = 0x00
	tagBool    = 0x01
	tagInt     = 0x02
	tagFloat   = 0x03
	tagString  = 0x04
	tagRaw     = 0x05
	tagList    = 0x10
	tagMap     = 0x11
	tagTuple   = 0x12
	tagObject  = 0x20
	tagDynamic = 0x30
)

func kindTag(k Kind) byte {
	switch k {
	case Void:
		return tagVoid
	case Bool:
		return tagBool
	case Int:
		return tagInt
	case Float:
		return tagFloat
	case String:
		return tagString
	case Raw:
		return tagRaw
	case List:
		return tagList
	case Map:
		return tagMap
	case Tuple:
		return tagTuple
	case Object:
		return tagObject
	default:
		return tagDynamic
	}
}

// Encode serializes the value. The output is self-describing; a
// well-formed value always encodes.
func (v Value) Encode() []byte {
	return v.appendTo(nil)
}

func (v Value) appendTo(b []byte) []byte {
	b = append(b, kindTag(v.Kind()))
	switch v.Kind() {
	case Void:
	case Bool:
		if v.v.(bool) {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	case Int:
		b = binary.BigEndian.AppendUint64(b, uint64(v.v.(int64)))
	case Float:
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(v.v.(float64)))
	case String:
		s := v.v.(string)
		b = binary.BigEndian.AppendUint32(b, uint32(len(s)))
		b = append(b, s...)
	case Raw:
		r := v.v.([]byte)
		b = binary.BigEndian.AppendUint32(b, uint32(len(r)))
		b = append(b, r...)
	case List:
		// The element signature rides along so an empty list still
		// decodes to its declared shape.
		items := v.v.([]Value)
		b = appendSig(b, v.t.elem)
		b = binary.BigEndian.AppendUint32(b, uint32(len(items)))
		for _, it := range items {
			b = it.appendTo(b)
		}
	case Map:
		entries := v.v.([]KV)
		b = appendSig(b, v.t.key)
		b = appendSig(b, v.t.elem)
		b = binary.BigEndian.AppendUint32(b, uint32(len(entries)))
		for _, e := range entries {
			b = e.Key.appendTo(b)
			b = e.Val.appendTo(b)
		}
	case Tuple:
		items := v.v.([]Value)
		b = binary.BigEndian.AppendUint32(b, uint32(len(items)))
		for _, it := range items {
			b = it.appendTo(b)
		}
	case Object:
		r := v.v.(Ref)
		b = binary.BigEndian.AppendUint32(b, r.Service)
		b = binary.BigEndian.AppendUint32(b, r.Object)
	case Dynamic:
		inner := v.v.(Value)
		b = appendSig(b, inner.Type())
		b = inner.appendTo(b)
	}
	return b
}

func appendSig(b []byte, t *Type) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(t.sig)))
	return append(b, t.sig...)
}

// Decode deserializes a value against its declared descriptor. It fails
// with ErrMalformedPayload when the input is truncated or a nested tag
// disagrees with the signature, and demands the whole input be consumed.
func Decode(b []byte, t *Type) (Value, error) {
	d := decoder{buf: b}
	v, err := d.value(t)
	if err != nil {
		return Value{}, err
	}
	if d.off != len(b) {
		return Value{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedPayload, len(b)-d.off)
	}
	return v, nil
}

// DecodeAny deserializes a self-described value, inferring the descriptor
// from the tags alone.
func DecodeAny(b []byte) (Value, error) {
	return Decode(b, nil)
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) u8() (byte, error) {
	if d.off+1 > len(d.buf) {
		return 0, fmt.Errorf("%w: truncated at offset %d", ErrMalformedPayload, d.off)
	}
	v := d.buf[d.off]
	d.off++
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if d.off+4 > len(d.buf) {
		return 0, fmt.Errorf("%w: truncated at offset %d", ErrMalformedPayload, d.off)
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if d.off+8 > len(d.buf) {
		return 0, fmt.Errorf("%w: truncated at offset %d", ErrMalformedPayload, d.off)
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

func (d *decoder) take(n uint32) ([]byte, error) {
	if uint64(d.off)+uint64(n) > uint64(len(d.buf)) {
		return nil, fmt.Errorf("%w: truncated at offset %d", ErrMalformedPayload, d.off)
	}
	b := d.buf[d.off : d.off+int(n)]
	d.off += int(n)
	return b, nil
}

// value decodes one shape. A nil declared descriptor means self-described;
// a Dynamic declared descriptor requires the dynamic tag on the wire.
func (d *decoder) value(declared *Type) (Value, error) {
	tag, err := d.u8()
	if err != nil {
		return Value{}, err
	}
	if declared != nil && kindTag(declared.kind) != tag {
		return Value{}, fmt.Errorf("%w: tag 0x%02x disagrees with signature %q",
			ErrMalformedPayload, tag, declared.sig)
	}
	switch tag {
	case tagVoid:
		return VoidValue(), nil
	case tagBool:
		b, err := d.u8()
		if err != nil {
			return Value{}, err
		}
		return BoolValue(b != 0), nil
	case tagInt:
		n, err := d.u64()
		if err != nil {
			return Value{}, err
		}
		return IntValue(int64(n)), nil
	case tagFloat:
		n, err := d.u64()
		if err != nil {
			return Value{}, err
		}
		return FloatValue(math.Float64frombits(n)), nil
	case tagString:
		n, err := d.u32()
		if err != nil {
			return Value{}, err
		}
		b, err := d.take(n)
		if err != nil {
			return Value{}, err
		}
		return StringValue(string(b)), nil
	case tagRaw:
		n, err := d.u32()
		if err != nil {
			return Value{}, err
		}
		b, err := d.take(n)
		if err != nil {
			return Value{}, err
		}
		return RawValue(b), nil
	case tagList:
		return d.list(declared)
	case tagMap:
		return d.mapValue(declared)
	case tagTuple:
		return d.tuple(declared)
	case tagObject:
		svc, err := d.u32()
		if err != nil {
			return Value{}, err
		}
		obj, err := d.u32()
		if err != nil {
			return Value{}, err
		}
		return ObjectRefValue(svc, obj), nil
	case tagDynamic:
		return d.dynamic()
	default:
		return Value{}, fmt.Errorf("%w: unknown tag 0x%02x", ErrMalformedPayload, tag)
	}
}

// embeddedSig reads one embedded signature and, when a descriptor is
// declared, requires them to agree.
func (d *decoder) embeddedSig(declared *Type) (*Type, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	sb, err := d.take(n)
	if err != nil {
		return nil, err
	}
	t, err := ParseSignature(string(sb))
	if err != nil {
		return nil, fmt.Errorf("%w: embedded %v", ErrMalformedPayload, err)
	}
	if declared != nil && t.sig != declared.sig {
		return nil, fmt.Errorf("%w: embedded signature %q disagrees with %q",
			ErrMalformedPayload, t.sig, declared.sig)
	}
	return t, nil
}

func (d *decoder) list(declared *Type) (Value, error) {
	var declaredElem *Type
	if declared != nil {
		declaredElem = declared.elem
	}
	elem, err := d.embeddedSig(declaredElem)
	if err != nil {
		return Value{}, err
	}
	count, err := d.u32()
	if err != nil {
		return Value{}, err
	}
	var items []Value
	for i := uint32(0); i < count; i++ {
		it, err := d.value(elem)
		if err != nil {
			return Value{}, err
		}
		items = append(items, it)
	}
	return Value{t: ListOf(elem), v: items}, nil
}

func (d *decoder) mapValue(declared *Type) (Value, error) {
	var declaredKey, declaredVal *Type
	if declared != nil {
		declaredKey, declaredVal = declared.key, declared.elem
	}
	key, err := d.embeddedSig(declaredKey)
	if err != nil {
		return Value{}, err
	}
	val, err := d.embeddedSig(declaredVal)
	if err != nil {
		return Value{}, err
	}
	count, err := d.u32()
	if err != nil {
		return Value{}, err
	}
	var entries []KV
	for i := uint32(0); i < count; i++ {
		k, err := d.value(key)
		if err != nil {
			return Value{}, err
		}
		v, err := d.value(val)
		if err != nil {
			return Value{}, err
		}
		entries = append(entries, KV{Key: k, Val: v})
	}
	return Value{t: MapOf(key, val), v: entries}, nil
}

func (d *decoder) tuple(declared *Type) (Value, error) {
	count, err := d.u32()
	if err != nil {
		return Value{}, err
	}
	if declared != nil && int(count) != len(declared.fields) {
		return Value{}, fmt.Errorf("%w: tuple arity %d disagrees with signature %q",
			ErrMalformedPayload, count, declared.sig)
	}
	// Every field costs at least its tag byte; an arity beyond the
	// remaining input cannot be honest, so reject it before allocating.
	if uint64(count) > uint64(len(d.buf)-d.off) {
		return Value{}, fmt.Errorf("%w: tuple arity %d exceeds remaining input", ErrMalformedPayload, count)
	}
	fields := make([]Value, 0, count)
	for i := uint32(0); i < count; i++ {
		var ft *Type
		if declared != nil {
			ft = declared.fields[i]
		}
		f, err := d.value(ft)
		if err != nil {
			return Value{}, err
		}
		fields = append(fields, f)
	}
	return TupleValue(fields...), nil
}

func (d *decoder) dynamic() (Value, error) {
	t, err := d.embeddedSig(nil)
	if err != nil {
		return Value{}, err
	}
	inner, err := d.value(t)
	if err != nil {
		return Value{}, err
	}
	return DynamicValue(inner), nil
}
