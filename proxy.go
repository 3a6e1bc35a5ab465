// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package objbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/objbus/future"
	"github.com/luxfi/objbus/meta"
	"github.com/luxfi/objbus/value"
)

// Proxy is the client-side stand-in for a remote object: local calls
// become outgoing frames, remote replies become local results. A proxy
// is safe for concurrent use; any number of goroutines may call through
// it without blocking each other.
type Proxy struct {
	s       *Session
	service uint32
	object  uint32

	mu    sync.Mutex
	meta  *meta.MetaObject
	metaF *future.Future[value.Value]
}

// ProxyID returns a proxy for a service id on this session, without any
// wire interaction.
func (s *Session) ProxyID(service uint32) *Proxy {
	return &Proxy{s: s, service: service, object: rootObject}
}

// Service resolves a name in the peer's directory — an explicit remote
// call to the peer's directory-lookup operation — and returns a proxy
// for the resolved service.
func (s *Session) Service(ctx context.Context, name string) (*Proxy, error) {
	f := s.Call(directoryService, rootObject, dirOpService, []value.Value{value.StringValue(name)})
	if err := f.WaitContext(ctx); err != nil {
		return nil, err
	}
	v, err := f.Value()
	if err != nil {
		return nil, err
	}
	fields, err := v.AsTuple()
	if err != nil || len(fields) != 2 {
		return nil, fmt.Errorf("%w: bad directory reply", value.ErrMalformedPayload)
	}
	id, err := fields[0].AsInt()
	if err != nil {
		return nil, err
	}
	return s.ProxyID(uint32(id)), nil
}

// Session returns the session this proxy sends through.
func (p *Proxy) Session() *Session { return p.s }

// ServiceID returns the remote service id this proxy addresses.
func (p *Proxy) ServiceID() uint32 { return p.service }

// metaFuture issues the one-time metadata fetch for this proxy. All
// callers share the same in-flight future.
func (p *Proxy) metaFuture() *future.Future[value.Value] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.metaF == nil {
		p.metaF = p.s.Call(p.service, p.object, opMetaObject, nil)
	}
	return p.metaF
}

func (p *Proxy) cacheMeta(v value.Value) (*meta.MetaObject, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.meta != nil {
		return p.meta, nil
	}
	m, err := meta.MetaObjectFromValue(v)
	if err != nil {
		return nil, err
	}
	p.meta = m
	return m, nil
}

// Metadata fetches (once) and returns the remote object's metadata
// table.
func (p *Proxy) Metadata(ctx context.Context) (*meta.MetaObject, error) {
	p.mu.Lock()
	cached := p.meta
	p.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	f := p.metaFuture()
	if err := f.WaitContext(ctx); err != nil {
		return nil, err
	}
	v, err := f.Value()
	if err != nil {
		return nil, err
	}
	return p.cacheMeta(v)
}

// Call invokes an operation by declared name and returns immediately.
// The first name-addressed call on the proxy negotiates the name-to-id
// mapping by fetching the remote metadata once; errors detected locally,
// such as an unknown operation or a signature mismatch, fail the future
// without sending a frame.
func (p *Proxy) Call(name string, args ...value.Value) *future.Future[value.Value] {
	return p.withMeta(func(m *meta.MetaObject) *future.Future[value.Value] {
		return p.callResolved(m, name, args)
	})
}

// withMeta runs fn once the metadata table is available: synchronously
// when cached, otherwise chained behind the shared fetch.
func (p *Proxy) withMeta(fn func(*meta.MetaObject) *future.Future[value.Value]) *future.Future[value.Value] {
	p.mu.Lock()
	cached := p.meta
	p.mu.Unlock()
	if cached != nil {
		return fn(cached)
	}

	out := future.NewPromise[value.Value]()
	p.metaFuture().Then(func(mf *future.Future[value.Value]) {
		v, err := mf.Value()
		if err != nil {
			_ = out.SetError(err)
			return
		}
		m, err := p.cacheMeta(v)
		if err != nil {
			_ = out.SetError(err)
			return
		}
		chain(fn(m), out)
	})
	return out.Future()
}

func (p *Proxy) callResolved(m *meta.MetaObject, name string, args []value.Value) *future.Future[value.Value] {
	id, err := m.OperationID(name)
	if err != nil {
		return failed(err)
	}
	op, err := m.Operation(id)
	if err != nil {
		return failed(err)
	}
	if op.Kind != meta.Method {
		return failed(fmt.Errorf("%w: %q is a %s", meta.ErrOperationNotFound, name, op.Kind))
	}
	if err := meta.CheckArgs(op, args); err != nil {
		return failed(err)
	}
	return p.s.Call(p.service, p.object, id, args)
}

// CallID invokes an operation by numeric id. When the metadata table has
// already been negotiated the arguments are validated locally first;
// otherwise validation happens on the remote side.
func (p *Proxy) CallID(id uint32, args ...value.Value) *future.Future[value.Value] {
	p.mu.Lock()
	m := p.meta
	p.mu.Unlock()
	if m != nil {
		op, err := m.Operation(id)
		if err != nil {
			return failed(err)
		}
		if err := meta.CheckArgs(op, args); err != nil {
			return failed(err)
		}
	}
	return p.s.Call(p.service, p.object, id, args)
}

func resolveProperty(m *meta.MetaObject, name string) (meta.OperationInfo, error) {
	id, err := m.OperationID(name)
	if err != nil {
		return meta.OperationInfo{}, err
	}
	op, err := m.Operation(id)
	if err != nil {
		return meta.OperationInfo{}, err
	}
	if op.Kind != meta.Property {
		return meta.OperationInfo{}, fmt.Errorf("%w: %q is a %s", meta.ErrOperationNotFound, name, op.Kind)
	}
	return op, nil
}

// Property fetches the current value of a remote property slot, by
// declared name, through the reserved property-get operation.
func (p *Proxy) Property(name string) *future.Future[value.Value] {
	return p.withMeta(func(m *meta.MetaObject) *future.Future[value.Value] {
		op, err := resolveProperty(m, name)
		if err != nil {
			return failed(err)
		}
		return p.s.Call(p.service, p.object, opGetProperty,
			[]value.Value{value.IntValue(int64(op.ID))})
	})
}

// SetProperty stores a remote property value. A shape mismatch against
// the declared property signature fails the future locally, without a
// frame; dynamic properties accept any shape.
func (p *Proxy) SetProperty(name string, v value.Value) *future.Future[value.Value] {
	return p.withMeta(func(m *meta.MetaObject) *future.Future[value.Value] {
		op, err := resolveProperty(m, name)
		if err != nil {
			return failed(err)
		}
		if op.ReturnSignature != "m" && v.Signature() != op.ReturnSignature {
			return failed(fmt.Errorf("%w: property %q is %s, want %s",
				meta.ErrSignatureMismatch, name, v.Signature(), op.ReturnSignature))
		}
		return p.s.Call(p.service, p.object, opSetProperty,
			[]value.Value{value.IntValue(int64(op.ID)), v})
	})
}

// Subscribe attaches a handler to a remote signal. The first handle for
// a signal sends the remote subscribe control call; the handle's release
// is exactly-once and the last release sends the unsubscribe.
func (p *Proxy) Subscribe(ctx context.Context, signal string, fn SignalHandler) (*Subscription, error) {
	m, err := p.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	id, err := m.OperationID(signal)
	if err != nil {
		return nil, err
	}
	op, err := m.Operation(id)
	if err != nil {
		return nil, err
	}
	if op.Kind != meta.Signal {
		return nil, fmt.Errorf("%w: %q is a %s", meta.ErrOperationNotFound, signal, op.Kind)
	}
	return p.s.subscribe(p.service, p.object, id, fn)
}

// Subscription is one handle on a per-signal subscriber-list entry.
type Subscription struct {
	s       *Session
	key     subKey
	handler uint64
	once    sync.Once
}

// Unsubscribe releases the handle: its handler stops receiving events,
// and when the last handle for the signal is released the remote
// unsubscribe control call is sent, exactly once. Unsubscribe is
// idempotent per handle.
func (sub *Subscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.s.release(sub.key, sub.handler)
	})
}

func failed(err error) *future.Future[value.Value] {
	p := future.NewPromise[value.Value]()
	_ = p.SetError(err)
	return p.Future()
}

// chain propagates the resolution of src into dst; a racing resolution
// of dst (for example by cancellation) makes the propagation a benign
// no-op.
func chain(src *future.Future[value.Value], dst *future.Promise[value.Value]) {
	src.Then(func(f *future.Future[value.Value]) {
		v, err := f.Value()
		if err != nil {
			_ = dst.SetError(err)
			return
		}
		_ = dst.SetValue(v)
	})
}
