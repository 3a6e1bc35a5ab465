// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/objbus/value"
)

func buildCounter(t *testing.T) *BoundObject {
	t.Helper()
	var total int64
	b := NewBuilder()
	b.Method("increment", "(l)", "l", func(args []value.Value) (value.Value, error) {
		n, err := args[0].AsInt()
		if err != nil {
			return value.Value{}, err
		}
		total += n
		return value.IntValue(total), nil
	})
	b.Method("reset", "()", "v", func([]value.Value) (value.Value, error) {
		total = 0
		return value.VoidValue(), nil
	})
	b.Signal("changed", "(l)")
	b.Property("step", "l")
	obj, err := b.Build()
	require.NoError(t, err)
	return obj
}

func TestBuilderAssignsIDsPerKind(t *testing.T) {
	obj := buildCounter(t)
	m := obj.Meta()

	id, err := m.OperationID("increment")
	require.NoError(t, err)
	assert.Equal(t, MethodIDBase, id)

	id, err = m.OperationID("reset")
	require.NoError(t, err)
	assert.Equal(t, MethodIDBase+1, id)

	id, err = m.OperationID("changed")
	require.NoError(t, err)
	assert.Equal(t, SignalIDBase, id)

	id, err = m.OperationID("step")
	require.NoError(t, err)
	assert.Equal(t, PropertyIDBase, id)

	_, err = m.OperationID("missing")
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestBuilderRejectsDuplicates(t *testing.T) {
	b := NewBuilder()
	b.Method("op", "()", "v", func([]value.Value) (value.Value, error) {
		return value.VoidValue(), nil
	})
	b.Signal("op", "()")
	_, err := b.Build()
	assert.ErrorIs(t, err, ErrDuplicateOperation)
}

func TestCallChecksSignatureBeforeInvoking(t *testing.T) {
	obj := buildCounter(t)
	id, err := obj.Meta().OperationID("increment")
	require.NoError(t, err)

	// Wrong arity.
	_, err = obj.Call(id, nil)
	assert.ErrorIs(t, err, ErrSignatureMismatch)

	// Wrong shape.
	_, err = obj.Call(id, []value.Value{value.StringValue("5")})
	assert.ErrorIs(t, err, ErrSignatureMismatch)

	// No partial side effects from the rejected calls.
	res, err := obj.Call(id, []value.Value{value.IntValue(5)})
	require.NoError(t, err)
	n, err := res.AsInt()
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	// Calling a signal id as a method fails.
	sid, err := obj.Meta().OperationID("changed")
	require.NoError(t, err)
	_, err = obj.Call(sid, nil)
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestSignalSinks(t *testing.T) {
	obj := buildCounter(t)
	sid, err := obj.Meta().OperationID("changed")
	require.NoError(t, err)

	var got []int64
	link, err := obj.ConnectSignal(sid, func(_ uint32, args []value.Value) {
		n, err := args[0].AsInt()
		require.NoError(t, err)
		got = append(got, n)
	})
	require.NoError(t, err)

	require.NoError(t, obj.EmitSignal(sid, value.IntValue(1)))
	require.NoError(t, obj.EmitSignalByName("changed", value.IntValue(2)))
	assert.Equal(t, []int64{1, 2}, got)

	assert.ErrorIs(t, obj.EmitSignal(sid, value.StringValue("x")), ErrSignatureMismatch)

	require.NoError(t, obj.DisconnectSignal(sid, link))
	require.NoError(t, obj.EmitSignal(sid, value.IntValue(3)))
	assert.Equal(t, []int64{1, 2}, got, "no delivery after disconnect")

	assert.ErrorIs(t, obj.DisconnectSignal(sid, link), ErrOperationNotFound)
}

func TestProperties(t *testing.T) {
	obj := buildCounter(t)
	pid, err := obj.Meta().OperationID("step")
	require.NoError(t, err)

	require.NoError(t, obj.SetProperty(pid, value.IntValue(4)))
	v, err := obj.Property(pid)
	require.NoError(t, err)
	n, err := v.AsInt()
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	assert.ErrorIs(t, obj.SetProperty(pid, value.StringValue("bad")), ErrSignatureMismatch)
}

func TestMetaObjectValueRoundTrip(t *testing.T) {
	obj := buildCounter(t)
	encoded := obj.Meta().ToValue().Encode()

	v, err := value.DecodeAny(encoded)
	require.NoError(t, err)
	m, err := MetaObjectFromValue(v)
	require.NoError(t, err)

	assert.Equal(t, obj.Meta().Operations(), m.Operations())
	id, err := m.OperationID("increment")
	require.NoError(t, err)
	op, err := m.Operation(id)
	require.NoError(t, err)
	assert.Equal(t, "(l)", op.ParamSignature)
	assert.Equal(t, "l", op.ReturnSignature)
	assert.Equal(t, Method, op.Kind)
}
