// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package meta implements reflective object metadata and dispatch.
//
// A MetaObject is an immutable table mapping stable numeric operation ids
// to names, kinds and signatures; it is built once, at registration time,
// by a Builder. A BoundObject couples a metadata table with the invokable
// implementations behind it and is the unit exposed through a service
// directory: callers dispatch by id, the table guards signatures before
// any native code runs.
package meta

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/luxfi/objbus/value"
)

var (
	// ErrOperationNotFound indicates resolution of a name or id absent
	// from the metadata table.
	ErrOperationNotFound = errors.New("meta: operation not found")

	// ErrSignatureMismatch indicates an argument count or shape that
	// disagrees with the declared parameter signature. It is detected
	// before any native call executes.
	ErrSignatureMismatch = errors.New("meta: signature mismatch")

	// ErrDuplicateOperation indicates a registration reusing a name.
	ErrDuplicateOperation = errors.New("meta: duplicate operation")
)

// Kind classifies an operation.
type Kind uint8

const (
	Method Kind = iota
	Signal
	Property
)

func (k Kind) String() string {
	switch k {
	case Method:
		return "method"
	case Signal:
		return "signal"
	case Property:
		return "property"
	default:
		return "unknown"
	}
}

// Operation ids are assigned per kind from fixed bases, in declaration
// order. Ids below MethodIDBase are reserved for protocol control
// operations.
const (
	MethodIDBase   uint32 = 100
	SignalIDBase   uint32 = 200
	PropertyIDBase uint32 = 300
)

// OperationInfo describes one row of the metadata table.
type OperationInfo struct {
	ID              uint32
	Name            string
	Kind            Kind
	ParamSignature  string // tuple signature of the parameters
	ReturnSignature string
}

// MetaObject is the immutable callable surface of an object. It is safe
// for concurrent use and may be shared between any number of handles.
type MetaObject struct {
	ops   map[uint32]OperationInfo
	names map[string]uint32
}

// Operation returns the row for an id.
func (m *MetaObject) Operation(id uint32) (OperationInfo, error) {
	op, ok := m.ops[id]
	if !ok {
		return OperationInfo{}, fmt.Errorf("%w: id %d", ErrOperationNotFound, id)
	}
	return op, nil
}

// OperationID resolves a declared name to its stable id.
func (m *MetaObject) OperationID(name string) (uint32, error) {
	id, ok := m.names[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrOperationNotFound, name)
	}
	return id, nil
}

// Operations returns all rows ordered by id.
func (m *MetaObject) Operations() []OperationInfo {
	out := make([]OperationInfo, 0, len(m.ops))
	for _, op := range m.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// metaRowSignature is the wire shape of one table row:
// (id, name, kind, params, returns).
const metaRowSignature = "(lslss)"

// ToValue serializes the table for the one-time name-to-id negotiation
// with a peer.
func (m *MetaObject) ToValue() value.Value {
	rowType, _ := value.ParseSignature(metaRowSignature)
	rows := make([]value.Value, 0, len(m.ops))
	for _, op := range m.Operations() {
		rows = append(rows, value.TupleValue(
			value.IntValue(int64(op.ID)),
			value.StringValue(op.Name),
			value.IntValue(int64(op.Kind)),
			value.StringValue(op.ParamSignature),
			value.StringValue(op.ReturnSignature),
		))
	}
	v, _ := value.ListValue(rowType, rows...)
	return v
}

// MetaObjectFromValue rebuilds a table received from a peer.
func MetaObjectFromValue(v value.Value) (*MetaObject, error) {
	rows, err := v.AsList()
	if err != nil {
		return nil, err
	}
	m := &MetaObject{
		ops:   make(map[uint32]OperationInfo, len(rows)),
		names: make(map[string]uint32, len(rows)),
	}
	for _, row := range rows {
		fields, err := row.AsTuple()
		if err != nil {
			return nil, err
		}
		if len(fields) != 5 {
			return nil, fmt.Errorf("%w: meta row arity %d", value.ErrMalformedPayload, len(fields))
		}
		id, err := fields[0].AsInt()
		if err != nil {
			return nil, err
		}
		name, err := fields[1].AsString()
		if err != nil {
			return nil, err
		}
		kind, err := fields[2].AsInt()
		if err != nil {
			return nil, err
		}
		params, err := fields[3].AsString()
		if err != nil {
			return nil, err
		}
		returns, err := fields[4].AsString()
		if err != nil {
			return nil, err
		}
		op := OperationInfo{
			ID:              uint32(id),
			Name:            name,
			Kind:            Kind(kind),
			ParamSignature:  params,
			ReturnSignature: returns,
		}
		m.ops[op.ID] = op
		m.names[op.Name] = op.ID
	}
	return m, nil
}

// Invoker is the uniform contract every registered callable is boxed
// into: a sequence of typed arguments in, one typed result or error out.
type Invoker func(args []value.Value) (value.Value, error)

// Builder assembles a MetaObject and its dispatch table. Registration is
// a one-time, append-only build step; the result is immutable once built.
type Builder struct {
	meta      MetaObject
	invokers  map[uint32]Invoker
	nextIDs   [3]uint32
	signalSig map[uint32]*value.Type
	propSig   map[uint32]*value.Type
	err       error
}

// NewBuilder returns an empty registration.
func NewBuilder() *Builder {
	return &Builder{
		meta: MetaObject{
			ops:   make(map[uint32]OperationInfo),
			names: make(map[string]uint32),
		},
		invokers:  make(map[uint32]Invoker),
		nextIDs:   [3]uint32{MethodIDBase, SignalIDBase, PropertyIDBase},
		signalSig: make(map[uint32]*value.Type),
		propSig:   make(map[uint32]*value.Type),
	}
}

func (b *Builder) add(name string, kind Kind, params, returns string) (uint32, *value.Type) {
	if b.err != nil {
		return 0, nil
	}
	if _, exists := b.meta.names[name]; exists {
		b.err = fmt.Errorf("%w: %q", ErrDuplicateOperation, name)
		return 0, nil
	}
	pt, err := value.ParseSignature(params)
	if err != nil {
		b.err = fmt.Errorf("meta: %q params: %w", name, err)
		return 0, nil
	}
	if pt.Kind() != value.Tuple {
		b.err = fmt.Errorf("%w: %q params %q is not a tuple", value.ErrBadSignature, name, params)
		return 0, nil
	}
	if _, err := value.ParseSignature(returns); err != nil {
		b.err = fmt.Errorf("meta: %q returns: %w", name, err)
		return 0, nil
	}
	id := b.nextIDs[kind]
	b.nextIDs[kind]++
	b.meta.ops[id] = OperationInfo{
		ID:              id,
		Name:            name,
		Kind:            kind,
		ParamSignature:  params,
		ReturnSignature: returns,
	}
	b.meta.names[name] = id
	return id, pt
}

// Method registers a callable with its parameter tuple and return
// signatures, assigning the next method id.
func (b *Builder) Method(name, params, returns string, fn Invoker) uint32 {
	id, _ := b.add(name, Method, params, returns)
	if b.err == nil {
		b.invokers[id] = fn
	}
	return id
}

// Signal registers an event with its parameter tuple signature.
func (b *Builder) Signal(name, params string) uint32 {
	id, pt := b.add(name, Signal, params, "v")
	if b.err == nil {
		b.signalSig[id] = pt
	}
	return id
}

// Property registers a named value slot with its value signature.
func (b *Builder) Property(name, sig string) uint32 {
	if b.err != nil {
		return 0
	}
	vt, err := value.ParseSignature(sig)
	if err != nil {
		b.err = fmt.Errorf("meta: property %q: %w", name, err)
		return 0
	}
	id, _ := b.add(name, Property, "()", sig)
	if b.err == nil {
		b.propSig[id] = vt
	}
	return id
}

// Build publishes the immutable metadata and returns the bound object.
// The builder must not be reused afterwards.
func (b *Builder) Build() (*BoundObject, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &BoundObject{
		meta:      &b.meta,
		invokers:  b.invokers,
		signalSig: b.signalSig,
		propSig:   b.propSig,
		props:     make(map[uint32]value.Value),
		sinks:     make(map[uint32][]signalLink),
	}, nil
}

// SignalSink receives a locally emitted signal for forwarding, typically
// to a subscribed remote session.
type SignalSink func(signalID uint32, args []value.Value)

type signalLink struct {
	id   uint64
	sink SignalSink
}

// BoundObject is a shared handle to a native instance plus its metadata.
// Any number of handles (and sessions) may share one BoundObject; all
// methods are safe for concurrent use.
type BoundObject struct {
	meta      *MetaObject
	invokers  map[uint32]Invoker
	signalSig map[uint32]*value.Type
	propSig   map[uint32]*value.Type

	mu       sync.Mutex
	props    map[uint32]value.Value
	sinks    map[uint32][]signalLink
	nextLink uint64
}

// Meta returns the immutable metadata table.
func (o *BoundObject) Meta() *MetaObject { return o.meta }

// Call dispatches a method by id. Argument count and shapes are checked
// against the declared parameter signature before the invoker runs: a
// mismatch fails fast with ErrSignatureMismatch and no side effects.
func (o *BoundObject) Call(id uint32, args []value.Value) (value.Value, error) {
	op, err := o.meta.Operation(id)
	if err != nil {
		return value.Value{}, err
	}
	if op.Kind != Method {
		return value.Value{}, fmt.Errorf("%w: id %d is a %s", ErrOperationNotFound, id, op.Kind)
	}
	if err := CheckArgs(op, args); err != nil {
		return value.Value{}, err
	}
	return o.invokers[id](args)
}

// CallByName resolves a declared method name and dispatches it.
func (o *BoundObject) CallByName(name string, args []value.Value) (value.Value, error) {
	id, err := o.meta.OperationID(name)
	if err != nil {
		return value.Value{}, err
	}
	return o.Call(id, args)
}

// CheckArgs validates an argument list against an operation's declared
// parameter signature: exact arity, exact shapes, with dynamic slots
// accepting anything.
func CheckArgs(op OperationInfo, args []value.Value) error {
	pt, err := value.ParseSignature(op.ParamSignature)
	if err != nil {
		return err
	}
	fields := pt.Fields()
	if len(args) != len(fields) {
		return fmt.Errorf("%w: %s takes %d arguments, got %d",
			ErrSignatureMismatch, op.Name, len(fields), len(args))
	}
	for i, f := range fields {
		if f.Kind() == value.Dynamic {
			continue
		}
		if args[i].Signature() != f.Signature() {
			return fmt.Errorf("%w: %s argument %d is %s, want %s",
				ErrSignatureMismatch, op.Name, i, args[i].Signature(), f.Signature())
		}
	}
	return nil
}

// ConnectSignal attaches a sink to a declared signal and returns its link
// id. Sinks fire in connect order.
func (o *BoundObject) ConnectSignal(id uint32, sink SignalSink) (uint64, error) {
	if _, ok := o.signalSig[id]; !ok {
		return 0, fmt.Errorf("%w: signal id %d", ErrOperationNotFound, id)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextLink++
	link := o.nextLink
	o.sinks[id] = append(o.sinks[id], signalLink{id: link, sink: sink})
	return link, nil
}

// DisconnectSignal detaches a previously connected sink.
func (o *BoundObject) DisconnectSignal(id uint32, link uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	links := o.sinks[id]
	for i, l := range links {
		if l.id == link {
			o.sinks[id] = append(links[:i:i], links[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: signal id %d link %d", ErrOperationNotFound, id, link)
}

// EmitSignal validates the arguments against the declared signature and
// fans them out to every connected sink, in connect order, on the calling
// goroutine.
func (o *BoundObject) EmitSignal(id uint32, args ...value.Value) error {
	op, err := o.meta.Operation(id)
	if err != nil {
		return err
	}
	if op.Kind != Signal {
		return fmt.Errorf("%w: id %d is a %s", ErrOperationNotFound, id, op.Kind)
	}
	if err := CheckArgs(op, args); err != nil {
		return err
	}
	o.mu.Lock()
	links := append([]signalLink(nil), o.sinks[id]...)
	o.mu.Unlock()
	for _, l := range links {
		l.sink(id, args)
	}
	return nil
}

// EmitSignalByName resolves a declared signal name and emits it.
func (o *BoundObject) EmitSignalByName(name string, args ...value.Value) error {
	id, err := o.meta.OperationID(name)
	if err != nil {
		return err
	}
	return o.EmitSignal(id, args...)
}

// Property returns the current value of a property slot.
func (o *BoundObject) Property(id uint32) (value.Value, error) {
	if _, ok := o.propSig[id]; !ok {
		return value.Value{}, fmt.Errorf("%w: property id %d", ErrOperationNotFound, id)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.props[id]
	if !ok {
		return value.VoidValue(), nil
	}
	return v, nil
}

// SetProperty stores a property value after checking its shape.
func (o *BoundObject) SetProperty(id uint32, v value.Value) error {
	t, ok := o.propSig[id]
	if !ok {
		return fmt.Errorf("%w: property id %d", ErrOperationNotFound, id)
	}
	if t.Kind() != value.Dynamic && v.Signature() != t.Signature() {
		return fmt.Errorf("%w: property %d is %s, want %s",
			ErrSignatureMismatch, id, v.Signature(), t.Signature())
	}
	o.mu.Lock()
	o.props[id] = v.Clone()
	o.mu.Unlock()
	return nil
}
