// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package objbus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/luxfi/objbus/meta"
	"github.com/luxfi/objbus/value"
)

// DirectoryServiceName is the reserved name of the directory's own entry.
const DirectoryServiceName = "ServiceDirectory"

// Directory operation ids follow from its build order.
const (
	dirOpService  = meta.MethodIDBase     // service(name) -> (id, name)
	dirOpServices = meta.MethodIDBase + 1 // services() -> [(id, name)]

	dirSigServiceAdded   = meta.SignalIDBase
	dirSigServiceRemoved = meta.SignalIDBase + 1
)

// ServiceEntry is one registered service: a unique name, its allocated
// id, and the root object behind it.
type ServiceEntry struct {
	Name   string
	ID     uint32
	Object *meta.BoundObject
}

// Directory is the per-session registry mapping exposed names to
// objects. State is local to one session or server; a peer discovers
// entries only by calling the directory's own bound object (service 1),
// never through a shared structure.
type Directory struct {
	mu      sync.RWMutex
	byName  map[string]*ServiceEntry
	byID    map[uint32]*ServiceEntry
	nextID  uint32
	self    *meta.BoundObject
	selfEnt *ServiceEntry
}

// NewDirectory returns a directory holding only its own bound object,
// registered as service 1 under DirectoryServiceName.
func NewDirectory() *Directory {
	d := &Directory{
		byName: make(map[string]*ServiceEntry),
		byID:   make(map[uint32]*ServiceEntry),
		nextID: directoryService + 1,
	}
	b := meta.NewBuilder()
	b.Method("service", "(s)", "(ls)", func(args []value.Value) (value.Value, error) {
		name, err := args[0].AsString()
		if err != nil {
			return value.Value{}, err
		}
		ent, err := d.Lookup(name)
		if err != nil {
			return value.Value{}, err
		}
		return entryValue(ent), nil
	})
	b.Method("services", "()", "[(ls)]", func([]value.Value) (value.Value, error) {
		ents := d.Entries()
		rows := make([]value.Value, len(ents))
		for i, e := range ents {
			rows[i] = entryValue(e)
		}
		return value.ListValue(value.TupleOf(value.TypeInt, value.TypeString), rows...)
	})
	b.Signal("serviceAdded", "(ls)")
	b.Signal("serviceRemoved", "(ls)")
	self, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("objbus: directory build: %v", err))
	}
	d.self = self
	d.selfEnt = &ServiceEntry{Name: DirectoryServiceName, ID: directoryService, Object: self}
	d.byName[DirectoryServiceName] = d.selfEnt
	d.byID[directoryService] = d.selfEnt
	return d
}

func entryValue(e *ServiceEntry) value.Value {
	return value.TupleValue(value.IntValue(int64(e.ID)), value.StringValue(e.Name))
}

// Register exposes an object under a unique name and allocates the next
// unused service id. Registering a taken name fails with
// ErrNameAlreadyRegistered and leaves the first registration intact.
func (d *Directory) Register(name string, obj *meta.BoundObject) (uint32, error) {
	d.mu.Lock()
	if _, exists := d.byName[name]; exists {
		d.mu.Unlock()
		return 0, fmt.Errorf("%w: %q", ErrNameAlreadyRegistered, name)
	}
	id := d.nextID
	d.nextID++
	ent := &ServiceEntry{Name: name, ID: id, Object: obj}
	d.byName[name] = ent
	d.byID[id] = ent
	d.mu.Unlock()

	_ = d.self.EmitSignal(dirSigServiceAdded, value.IntValue(int64(id)), value.StringValue(name))
	return id, nil
}

// Unregister removes an entry. Calls already dispatched to the object
// complete normally; later calls addressing the name or id fail.
func (d *Directory) Unregister(name string) error {
	d.mu.Lock()
	ent, ok := d.byName[name]
	if !ok || ent == d.selfEnt {
		d.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNameNotFound, name)
	}
	delete(d.byName, name)
	delete(d.byID, ent.ID)
	d.mu.Unlock()

	_ = d.self.EmitSignal(dirSigServiceRemoved, value.IntValue(int64(ent.ID)), value.StringValue(ent.Name))
	return nil
}

// Lookup resolves a name to its entry.
func (d *Directory) Lookup(name string) (*ServiceEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ent, ok := d.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNameNotFound, name)
	}
	return ent, nil
}

// Entries returns all registered entries ordered by service id.
func (d *Directory) Entries() []*ServiceEntry {
	d.mu.RLock()
	out := make([]*ServiceEntry, 0, len(d.byID))
	for _, e := range d.byID {
		out = append(out, e)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) lookupID(id uint32) (*ServiceEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ent, ok := d.byID[id]
	return ent, ok
}
