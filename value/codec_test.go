// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleValues(t *testing.T) []Value {
	t.Helper()
	list, err := ListValue(TypeInt, IntValue(1), IntValue(2), IntValue(3))
	require.NoError(t, err)
	emptyList, err := ListValue(TypeString)
	require.NoError(t, err)
	emptyMap, err := MapValue(TypeString, TypeInt)
	require.NoError(t, err)
	m, err := MapValue(TypeString, TypeInt,
		KV{Key: StringValue("a"), Val: IntValue(1)},
		KV{Key: StringValue("b"), Val: IntValue(2)})
	require.NoError(t, err)
	nested, err := ListValue(TupleOf(TypeString, TypeFloat),
		TupleValue(StringValue("x"), FloatValue(0.5)),
		TupleValue(StringValue("y"), FloatValue(-2)))
	require.NoError(t, err)

	return []Value{
		VoidValue(),
		BoolValue(true),
		BoolValue(false),
		IntValue(0),
		IntValue(-1),
		IntValue(1 << 40),
		FloatValue(3.25),
		StringValue(""),
		StringValue("hello world"),
		RawValue([]byte{0, 1, 2, 255}),
		list,
		emptyList,
		m,
		emptyMap,
		TupleValue(),
		TupleValue(IntValue(1), StringValue("s"), BoolValue(true)),
		ObjectRefValue(3, 7),
		DynamicValue(IntValue(9)),
		DynamicValue(TupleValue(StringValue("in"), list)),
		nested,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, v := range sampleValues(t) {
		b := v.Encode()

		got, err := Decode(b, v.Type())
		require.NoError(t, err, "signature %q", v.Signature())
		assert.Equal(t, v, got, "signature %q", v.Signature())

		got, err = DecodeAny(b)
		require.NoError(t, err, "signature %q", v.Signature())
		assert.Equal(t, v, got, "self-described, signature %q", v.Signature())
	}
}

func TestDecodeTruncated(t *testing.T) {
	for _, v := range sampleValues(t) {
		b := v.Encode()
		for cut := 0; cut < len(b); cut++ {
			_, err := Decode(b[:cut], v.Type())
			assert.ErrorIs(t, err, ErrMalformedPayload,
				"signature %q cut at %d", v.Signature(), cut)
		}
	}
}

func TestDecodeSignatureDisagreement(t *testing.T) {
	b := StringValue("not an int").Encode()
	_, err := Decode(b, TypeInt)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	// Nested header disagreement: a list of strings declared as [l].
	l, err := ListValue(TypeString, StringValue("x"))
	require.NoError(t, err)
	_, err = Decode(l.Encode(), ListOf(TypeInt))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	// Tuple arity disagreement.
	tu := TupleValue(IntValue(1))
	_, err = Decode(tu.Encode(), TupleOf(TypeInt, TypeInt))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodeAnyKeepsEmptyCompositeShape(t *testing.T) {
	// The element signatures ride in the encoding, so even a composite
	// with no elements to infer from keeps its declared shape.
	l, err := ListValue(TypeString)
	require.NoError(t, err)
	got, err := DecodeAny(l.Encode())
	require.NoError(t, err)
	assert.Equal(t, "[s]", got.Signature())

	m, err := MapValue(TypeString, TypeInt)
	require.NoError(t, err)
	got, err = DecodeAny(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, "{sl}", got.Signature())
}

func TestDecodeTupleArityBound(t *testing.T) {
	// A hostile arity far beyond the remaining bytes is rejected before
	// any allocation.
	b := []byte{0x12, 0xff, 0xff, 0xff, 0xff}
	_, err := DecodeAny(b)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodeTrailingBytes(t *testing.T) {
	b := append(IntValue(1).Encode(), 0xff)
	_, err := Decode(b, TypeInt)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := DecodeAny([]byte{0x7f})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
