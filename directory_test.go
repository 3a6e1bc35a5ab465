// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package objbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/objbus/meta"
	"github.com/luxfi/objbus/value"
)

func buildEcho(t *testing.T) *meta.BoundObject {
	t.Helper()
	b := meta.NewBuilder()
	b.Method("echo", "(s)", "s", func(args []value.Value) (value.Value, error) {
		return args[0], nil
	})
	obj, err := b.Build()
	require.NoError(t, err)
	return obj
}

func TestDirectoryRegisterLookup(t *testing.T) {
	d := NewDirectory()
	obj := buildEcho(t)

	id, err := d.Register("Echo", obj)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), id, "first registration follows the directory's own id")

	ent, err := d.Lookup("Echo")
	require.NoError(t, err)
	assert.Equal(t, id, ent.ID)
	assert.Same(t, obj, ent.Object)

	_, err = d.Lookup("NoSuch")
	assert.ErrorIs(t, err, ErrNameNotFound)
}

func TestDirectoryDuplicateNameKeepsFirst(t *testing.T) {
	d := NewDirectory()
	first := buildEcho(t)

	id, err := d.Register("Echo", first)
	require.NoError(t, err)

	_, err = d.Register("Echo", buildEcho(t))
	assert.ErrorIs(t, err, ErrNameAlreadyRegistered)

	ent, err := d.Lookup("Echo")
	require.NoError(t, err)
	assert.Equal(t, id, ent.ID)
	assert.Same(t, first, ent.Object)
}

func TestDirectoryUnregister(t *testing.T) {
	d := NewDirectory()
	id, err := d.Register("Echo", buildEcho(t))
	require.NoError(t, err)

	require.NoError(t, d.Unregister("Echo"))
	_, err = d.Lookup("Echo")
	assert.ErrorIs(t, err, ErrNameNotFound)
	_, ok := d.lookupID(id)
	assert.False(t, ok)

	assert.ErrorIs(t, d.Unregister("Echo"), ErrNameNotFound)

	// The directory cannot remove itself.
	assert.ErrorIs(t, d.Unregister(DirectoryServiceName), ErrNameNotFound)
}

func TestDirectoryEntriesOrdered(t *testing.T) {
	d := NewDirectory()
	for _, name := range []string{"Charlie", "Alpha", "Bravo"} {
		_, err := d.Register(name, buildEcho(t))
		require.NoError(t, err)
	}

	ents := d.Entries()
	require.Len(t, ents, 4)
	assert.Equal(t, DirectoryServiceName, ents[0].Name)
	for i := 1; i < len(ents); i++ {
		assert.Greater(t, ents[i].ID, ents[i-1].ID)
	}
}

func TestDirectorySignals(t *testing.T) {
	d := NewDirectory()
	var events []string
	_, err := d.self.ConnectSignal(dirSigServiceAdded, func(_ uint32, args []value.Value) {
		name, _ := value.As[string](args[1])
		events = append(events, "added:"+name)
	})
	require.NoError(t, err)
	_, err = d.self.ConnectSignal(dirSigServiceRemoved, func(_ uint32, args []value.Value) {
		name, _ := value.As[string](args[1])
		events = append(events, "removed:"+name)
	})
	require.NoError(t, err)

	_, err = d.Register("Echo", buildEcho(t))
	require.NoError(t, err)
	require.NoError(t, d.Unregister("Echo"))

	assert.Equal(t, []string{"added:Echo", "removed:Echo"}, events)
}

func TestDirectoryBoundObjectCalls(t *testing.T) {
	d := NewDirectory()
	id, err := d.Register("Echo", buildEcho(t))
	require.NoError(t, err)

	got, err := d.self.Call(dirOpService, []value.Value{value.StringValue("Echo")})
	require.NoError(t, err)
	row, err := got.AsTuple()
	require.NoError(t, err)
	gotID, err := value.As[int64](row[0])
	require.NoError(t, err)
	assert.Equal(t, int64(id), gotID)

	got, err = d.self.Call(dirOpServices, nil)
	require.NoError(t, err)
	rows, err := got.AsList()
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = d.self.Call(dirOpService, []value.Value{value.StringValue("NoSuch")})
	assert.ErrorIs(t, err, ErrNameNotFound)
}
