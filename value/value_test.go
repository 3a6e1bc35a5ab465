// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignature(t *testing.T) {
	valid := []string{"v", "b", "l", "f", "s", "r", "o", "m",
		"[l]", "{sl}", "()", "(l)", "(lslss)", "[(ss)]", "{s[l]}", "((l)(s))"}
	for _, sig := range valid {
		typ, err := ParseSignature(sig)
		require.NoError(t, err, "signature %q", sig)
		assert.Equal(t, sig, typ.Signature())
	}

	invalid := []string{"", "(", "{", "[", "x", "ll", "[ll]", "{l}", "{lll}", "(l", "[l", "m)"}
	for _, sig := range invalid {
		_, err := ParseSignature(sig)
		assert.ErrorIs(t, err, ErrBadSignature, "signature %q", sig)
	}
}

func TestFromSelectsDescriptor(t *testing.T) {
	cases := []struct {
		native any
		sig    string
	}{
		{nil, "v"},
		{true, "b"},
		{int(7), "l"},
		{int64(-7), "l"},
		{uint32(7), "l"},
		{3.5, "f"},
		{"hi", "s"},
		{[]byte{1, 2}, "r"},
		{[]int64{1, 2}, "[l]"},
		{[]string{"a"}, "[s]"},
	}
	for _, tc := range cases {
		v, err := From(tc.native)
		require.NoError(t, err)
		assert.Equal(t, tc.sig, v.Signature(), "native %T", tc.native)
	}

	_, err := From(struct{ X int }{1})
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestAccessorsMismatch(t *testing.T) {
	v := IntValue(42)

	n, err := v.AsInt()
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	_, err = v.AsString()
	assert.ErrorIs(t, err, ErrTypeMismatch)
	_, err = v.AsList()
	assert.ErrorIs(t, err, ErrTypeMismatch)

	s, err := As[int64](v)
	require.NoError(t, err)
	assert.Equal(t, int64(42), s)
	_, err = As[string](v)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestListValueChecksElements(t *testing.T) {
	_, err := ListValue(TypeInt, IntValue(1), StringValue("nope"))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	l, err := ListValue(TypeInt, IntValue(1), IntValue(2))
	require.NoError(t, err)
	assert.Equal(t, "[l]", l.Signature())
}

func TestCloneIsDeep(t *testing.T) {
	inner, err := ListValue(TypeInt, IntValue(1), IntValue(2))
	require.NoError(t, err)
	v := TupleValue(inner, StringValue("x"))

	c := v.Clone()
	orig, err := v.AsTuple()
	require.NoError(t, err)
	items, err := orig[0].AsList()
	require.NoError(t, err)
	items[0] = IntValue(99)

	cloned, err := c.AsTuple()
	require.NoError(t, err)
	clonedItems, err := cloned[0].AsList()
	require.NoError(t, err)
	got, err := clonedItems[0].AsInt()
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestCompare(t *testing.T) {
	eq, err := Equal(IntValue(3), IntValue(3))
	require.NoError(t, err)
	assert.True(t, eq)

	c, err := Compare(StringValue("a"), StringValue("b"))
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	a, err := ListValue(TypeInt, IntValue(1), IntValue(2))
	require.NoError(t, err)
	b, err := ListValue(TypeInt, IntValue(1))
	require.NoError(t, err)
	c, err = Compare(a, b)
	require.NoError(t, err)
	assert.Equal(t, 1, c)

	_, err = Compare(IntValue(1), StringValue("1"))
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestCompareNotComparable(t *testing.T) {
	m, err := MapValue(TypeString, TypeInt, KV{Key: StringValue("k"), Val: IntValue(1)})
	require.NoError(t, err)
	_, err = Equal(m, m)
	assert.ErrorIs(t, err, ErrNotComparable)

	_, err = Equal(ObjectRefValue(1, 1), ObjectRefValue(1, 1))
	assert.ErrorIs(t, err, ErrNotComparable)
}
