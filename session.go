// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package objbus

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/objbus/future"
	"github.com/luxfi/objbus/meta"
	"github.com/luxfi/objbus/value"
)

// SessionState is the connection state machine.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// rootObject is the object id of a service's root object.
const rootObject uint32 = 1

// handshakeTimeout bounds the authenticate exchange on both sides.
const handshakeTimeout = 10 * time.Second

// SignalHandler receives the decoded arguments of one signal event.
// Handlers run on the session's read goroutine and must not block.
type SignalHandler func(args []value.Value)

type subKey struct {
	service uint32
	object  uint32
	signal  uint32
}

type subHandler struct {
	id uint64
	fn SignalHandler
}

// subList is one per-signal subscriber list. Subscription handles
// reference-count it: the first handle sends the remote register, the
// last release sends the remote unregister, exactly once.
type subList struct {
	refs     int
	handlers []subHandler
}

// remoteLink records a peer subscription to a local signal, for cleanup
// on session teardown.
type remoteLink struct {
	obj  *meta.BoundObject
	link uint64
}

// Session is one authenticated, stateful connection between two
// endpoints. It owns a single read goroutine that demultiplexes inbound
// frames; replies match pending calls by message id, signal events are
// delivered in arrival order. A session is single-use: once closed or
// lost it is never reconnected.
type Session struct {
	conn net.Conn
	log  *slog.Logger
	id   uuid.UUID
	dir  *Directory

	state atomic.Int32

	writeMu sync.Mutex // serializes whole frames on the wire

	pendMu  sync.Mutex
	pending map[uint32]*future.Promise[value.Value]
	nextID  atomic.Uint32

	subMu sync.Mutex
	subs  map[subKey]*subList
	nextH uint64

	linkMu sync.Mutex
	links  map[subKey]remoteLink

	peerMu sync.Mutex
	peerID uuid.UUID

	readDone  chan struct{}
	closeOnce sync.Once
}

func newSession(conn net.Conn, dir *Directory, log *slog.Logger) *Session {
	if dir == nil {
		dir = NewDirectory()
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Session{
		conn:     conn,
		dir:      dir,
		id:       uuid.New(),
		pending:  make(map[uint32]*future.Promise[value.Value]),
		subs:     make(map[subKey]*subList),
		links:    make(map[subKey]remoteLink),
		readDone: make(chan struct{}),
	}
	s.log = log.With("session_id", s.id.String())
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the current connection state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// ID returns the local session identity exchanged during authentication.
func (s *Session) ID() uuid.UUID { return s.id }

// PeerID returns the peer's session identity, zero until authenticated.
func (s *Session) PeerID() uuid.UUID {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	return s.peerID
}

// Directory returns the session's view of locally exposed objects.
func (s *Session) Directory() *Directory { return s.dir }

// capability map exchanged during the authenticate phase.
const (
	capSessionID = "session-id"
	capProtocol  = "protocol"
)

func (s *Session) capabilities() value.Value {
	m, _ := value.MapValue(value.TypeString, value.TypeString,
		value.KV{Key: value.StringValue(capSessionID), Val: value.StringValue(s.id.String())},
		value.KV{Key: value.StringValue(capProtocol), Val: value.StringValue(fmt.Sprint(ProtocolVersion))},
	)
	return m
}

func (s *Session) acceptCapabilities(payload []byte) error {
	v, err := value.DecodeAny(payload)
	if err != nil {
		return err
	}
	entries, err := v.AsMap()
	if err != nil {
		return err
	}
	for _, e := range entries {
		k, err := e.Key.AsString()
		if err != nil {
			return err
		}
		if k != capSessionID {
			continue
		}
		raw, err := e.Val.AsString()
		if err != nil {
			return err
		}
		peer, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("bad peer session id: %w", err)
		}
		s.peerMu.Lock()
		s.peerID = peer
		s.peerMu.Unlock()
		return nil
	}
	return fmt.Errorf("peer offered no %s capability", capSessionID)
}

// authenticateClient runs the client half of the handshake: send the
// capability map, wait for the matching reply, verify identity.
func (s *Session) authenticateClient() error {
	_ = s.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	msg := &Message{
		Version:   ProtocolVersion,
		ID:        s.nextID.Add(1),
		Kind:      MsgCall,
		Service:   controlService,
		Object:    controlObject,
		Operation: opAuthenticate,
		Payload:   s.capabilities().Encode(),
	}
	if err := s.send(msg); err != nil {
		return &ConnectionError{Phase: "handshake", Cause: err}
	}
	s.state.Store(int32(StateAuthenticating))

	reply, err := readMessage(s.conn)
	if err != nil {
		return &ConnectionError{Phase: "handshake", Cause: err}
	}
	if reply.Version != ProtocolVersion {
		return &ConnectionError{Phase: "handshake",
			Cause: fmt.Errorf("%w: peer speaks version %d", ErrProtocol, reply.Version)}
	}
	if reply.Kind == MsgError || reply.ID != msg.ID {
		return &ConnectionError{Phase: "authenticate",
			Cause: fmt.Errorf("authentication rejected by peer")}
	}
	if err := s.acceptCapabilities(reply.Payload); err != nil {
		return &ConnectionError{Phase: "authenticate", Cause: err}
	}
	s.state.Store(int32(StateConnected))
	return nil
}

// authenticateServer runs the server half: the first inbound frame must
// be an authenticate call carrying the protocol version and identity.
func (s *Session) authenticateServer() error {
	_ = s.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	msg, err := readMessage(s.conn)
	if err != nil {
		return &ConnectionError{Phase: "handshake", Cause: err}
	}
	if msg.Version != ProtocolVersion {
		return &ConnectionError{Phase: "handshake",
			Cause: fmt.Errorf("%w: peer speaks version %d", ErrProtocol, msg.Version)}
	}
	if msg.Kind != MsgCall || msg.Service != controlService || msg.Operation != opAuthenticate {
		return &ConnectionError{Phase: "handshake",
			Cause: fmt.Errorf("%w: first frame is not an authenticate call", ErrProtocol)}
	}
	s.state.Store(int32(StateAuthenticating))
	if err := s.acceptCapabilities(msg.Payload); err != nil {
		s.replyError(msg, err)
		return &ConnectionError{Phase: "authenticate", Cause: err}
	}
	reply := &Message{
		Version:   ProtocolVersion,
		ID:        msg.ID,
		Kind:      MsgReply,
		Service:   msg.Service,
		Object:    msg.Object,
		Operation: msg.Operation,
		Payload:   s.capabilities().Encode(),
	}
	if err := s.send(reply); err != nil {
		return &ConnectionError{Phase: "authenticate", Cause: err}
	}
	s.state.Store(int32(StateConnected))
	return nil
}

// send serializes one frame and writes it atomically with respect to
// other senders on this session.
func (s *Session) send(m *Message) error {
	buf := m.encodeFrame()
	s.writeMu.Lock()
	_, err := s.conn.Write(buf)
	s.writeMu.Unlock()
	if err != nil {
		s.fail(fmt.Errorf("write: %w", err))
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// Call issues an operation on a remote object and returns immediately.
// The future resolves when the matching reply or error frame arrives, or
// when the connection is lost. A call on a session that is not connected
// fails at once, without a write.
func (s *Session) Call(service, object, operation uint32, args []value.Value) *future.Future[value.Value] {
	p := future.NewPromise[value.Value]()
	if s.State() != StateConnected {
		_ = p.SetError(ErrConnectionLost)
		return p.Future()
	}

	id := s.nextID.Add(1)
	s.pendMu.Lock()
	s.pending[id] = p
	s.pendMu.Unlock()

	msg := &Message{
		Version:   ProtocolVersion,
		ID:        id,
		Kind:      MsgCall,
		Service:   service,
		Object:    object,
		Operation: operation,
		Payload:   value.TupleValue(args...).Encode(),
	}
	s.log.Debug("sending call", "message_id", id, "service", service, "operation", operation)
	if err := s.send(msg); err != nil {
		s.pendMu.Lock()
		delete(s.pending, id)
		s.pendMu.Unlock()
		_ = p.SetError(err)
	}
	return p.Future()
}

// readLoop is the session's single reading activity: the only place
// inbound frames for this connection are interpreted.
func (s *Session) readLoop() {
	defer close(s.readDone)
	for {
		msg, err := readMessage(s.conn)
		if err != nil {
			s.fail(err)
			return
		}
		switch msg.Kind {
		case MsgCall:
			if msg.Service == controlService || msg.Operation < meta.MethodIDBase {
				// Control traffic stays on the read goroutine so that
				// register/unregister ordering is preserved.
				if done := s.handleControl(msg); done {
					return
				}
				continue
			}
			// Native dispatch runs on a worker so a slow operation does
			// not stall demultiplexing; replies match by message id.
			go s.dispatchCall(msg)
		case MsgReply, MsgError:
			s.resolve(msg)
		case MsgSignal:
			s.deliverSignal(msg)
		}
	}
}

// resolve completes the pending call matching a reply or error frame.
// A redundant resolution (for example after a local cancel) is benign.
func (s *Session) resolve(msg *Message) {
	s.pendMu.Lock()
	p, ok := s.pending[msg.ID]
	delete(s.pending, msg.ID)
	s.pendMu.Unlock()
	if !ok {
		s.log.Debug("dropping reply with no pending call", "message_id", msg.ID)
		return
	}
	if msg.Kind == MsgError {
		text := "remote error"
		if v, err := value.DecodeAny(msg.Payload); err == nil {
			if t, err := v.AsString(); err == nil {
				text = t
			}
		}
		_ = p.SetError(&RemoteError{Operation: msg.Operation, Text: text})
		return
	}
	v, err := value.DecodeAny(msg.Payload)
	if err != nil {
		_ = p.SetError(err)
		return
	}
	_ = p.SetValue(v)
}

func decodeArgs(payload []byte) ([]value.Value, error) {
	v, err := value.DecodeAny(payload)
	if err != nil {
		return nil, err
	}
	return v.AsTuple()
}

// dispatchCall looks up the target object, invokes it and sends back the
// reply or error frame.
func (s *Session) dispatchCall(msg *Message) {
	ent, ok := s.dir.lookupID(msg.Service)
	if !ok {
		s.replyError(msg, fmt.Errorf("%w: service %d", ErrObjectNotFound, msg.Service))
		return
	}
	args, err := decodeArgs(msg.Payload)
	if err != nil {
		s.replyError(msg, err)
		return
	}
	res, err := ent.Object.Call(msg.Operation, args)
	if err != nil {
		s.replyError(msg, err)
		return
	}
	s.reply(msg, res)
}

// handleControl serves the reserved operations: metadata fetch, signal
// register/unregister and the graceful disconnect. It reports whether
// the session terminated.
func (s *Session) handleControl(msg *Message) bool {
	switch msg.Operation {
	case opDisconnect:
		s.log.Debug("peer requested disconnect")
		s.state.Store(int32(StateClosing))
		s.fail(nil)
		return true

	case opAuthenticate:
		// Already authenticated; idempotent.
		s.reply(msg, s.capabilities())

	case opMetaObject:
		ent, ok := s.dir.lookupID(msg.Service)
		if !ok {
			s.replyError(msg, fmt.Errorf("%w: service %d", ErrObjectNotFound, msg.Service))
			return false
		}
		s.reply(msg, ent.Object.Meta().ToValue())

	case opRegisterEvent:
		s.registerEvent(msg)

	case opUnregisterEvent:
		s.unregisterEvent(msg)

	case opGetProperty:
		s.getProperty(msg)

	case opSetProperty:
		s.setProperty(msg)

	default:
		s.replyError(msg, fmt.Errorf("%w: control operation %d", meta.ErrOperationNotFound, msg.Operation))
	}
	return false
}

func (s *Session) registerEvent(msg *Message) {
	ent, ok := s.dir.lookupID(msg.Service)
	if !ok {
		s.replyError(msg, fmt.Errorf("%w: service %d", ErrObjectNotFound, msg.Service))
		return
	}
	args, err := decodeArgs(msg.Payload)
	if err != nil || len(args) != 1 {
		s.replyError(msg, fmt.Errorf("%w: bad register payload", value.ErrMalformedPayload))
		return
	}
	sig, err := args[0].AsInt()
	if err != nil {
		s.replyError(msg, err)
		return
	}
	signalID := uint32(sig)

	key := subKey{service: msg.Service, object: msg.Object, signal: signalID}
	s.linkMu.Lock()
	_, exists := s.links[key]
	s.linkMu.Unlock()
	if exists {
		s.reply(msg, value.VoidValue())
		return
	}

	service, object := msg.Service, msg.Object
	link, err := ent.Object.ConnectSignal(signalID, func(id uint32, args []value.Value) {
		s.sendSignal(service, object, id, args)
	})
	if err != nil {
		s.replyError(msg, err)
		return
	}
	s.linkMu.Lock()
	s.links[key] = remoteLink{obj: ent.Object, link: link}
	s.linkMu.Unlock()
	s.log.Debug("peer subscribed", "service", service, "signal", signalID)
	s.reply(msg, value.VoidValue())
}

func (s *Session) unregisterEvent(msg *Message) {
	args, err := decodeArgs(msg.Payload)
	if err != nil || len(args) != 1 {
		s.replyError(msg, fmt.Errorf("%w: bad unregister payload", value.ErrMalformedPayload))
		return
	}
	sig, err := args[0].AsInt()
	if err != nil {
		s.replyError(msg, err)
		return
	}
	key := subKey{service: msg.Service, object: msg.Object, signal: uint32(sig)}

	s.linkMu.Lock()
	rl, ok := s.links[key]
	delete(s.links, key)
	s.linkMu.Unlock()
	if !ok {
		s.replyError(msg, fmt.Errorf("%w: no subscription for signal %d", ErrObjectNotFound, uint32(sig)))
		return
	}
	_ = rl.obj.DisconnectSignal(key.signal, rl.link)
	s.log.Debug("peer unsubscribed", "service", key.service, "signal", key.signal)
	s.reply(msg, value.VoidValue())
}

func (s *Session) getProperty(msg *Message) {
	ent, ok := s.dir.lookupID(msg.Service)
	if !ok {
		s.replyError(msg, fmt.Errorf("%w: service %d", ErrObjectNotFound, msg.Service))
		return
	}
	args, err := decodeArgs(msg.Payload)
	if err != nil || len(args) != 1 {
		s.replyError(msg, fmt.Errorf("%w: bad property get payload", value.ErrMalformedPayload))
		return
	}
	id, err := args[0].AsInt()
	if err != nil {
		s.replyError(msg, err)
		return
	}
	v, err := ent.Object.Property(uint32(id))
	if err != nil {
		s.replyError(msg, err)
		return
	}
	s.reply(msg, v)
}

func (s *Session) setProperty(msg *Message) {
	ent, ok := s.dir.lookupID(msg.Service)
	if !ok {
		s.replyError(msg, fmt.Errorf("%w: service %d", ErrObjectNotFound, msg.Service))
		return
	}
	args, err := decodeArgs(msg.Payload)
	if err != nil || len(args) != 2 {
		s.replyError(msg, fmt.Errorf("%w: bad property set payload", value.ErrMalformedPayload))
		return
	}
	id, err := args[0].AsInt()
	if err != nil {
		s.replyError(msg, err)
		return
	}
	if err := ent.Object.SetProperty(uint32(id), args[1]); err != nil {
		s.replyError(msg, err)
		return
	}
	s.reply(msg, value.VoidValue())
}

// sendSignal forwards a locally emitted signal to the subscribed peer.
// Emission order per connection is preserved by the atomic frame writes.
func (s *Session) sendSignal(service, object, signalID uint32, args []value.Value) {
	if s.State() != StateConnected {
		return
	}
	msg := &Message{
		Version:   ProtocolVersion,
		Kind:      MsgSignal,
		Service:   service,
		Object:    object,
		Operation: signalID,
		Payload:   value.TupleValue(args...).Encode(),
	}
	_ = s.send(msg)
}

// deliverSignal runs the local subscriber list for an inbound event, in
// arrival order, on the read goroutine.
func (s *Session) deliverSignal(msg *Message) {
	key := subKey{service: msg.Service, object: msg.Object, signal: msg.Operation}
	s.subMu.Lock()
	lst := s.subs[key]
	var handlers []subHandler
	if lst != nil {
		handlers = append(handlers, lst.handlers...)
	}
	s.subMu.Unlock()
	if len(handlers) == 0 {
		return
	}
	args, err := decodeArgs(msg.Payload)
	if err != nil {
		s.log.Warn("dropping malformed signal payload", "service", msg.Service, "signal", msg.Operation, "err", err)
		return
	}
	for _, h := range handlers {
		h.fn(args)
	}
}

// subscribe adds a local handler for a remote signal. The first handle on
// a (service, object, signal) triple sends the remote register; further
// handles share the reference-counted subscriber-list entry.
func (s *Session) subscribe(service, object, signalID uint32, fn SignalHandler) (*Subscription, error) {
	if s.State() != StateConnected {
		return nil, ErrConnectionLost
	}
	key := subKey{service: service, object: object, signal: signalID}

	s.subMu.Lock()
	lst := s.subs[key]
	first := lst == nil
	if first {
		lst = &subList{}
		s.subs[key] = lst
	}
	lst.refs++
	s.nextH++
	h := subHandler{id: s.nextH, fn: fn}
	lst.handlers = append(lst.handlers, h)
	s.subMu.Unlock()

	if first {
		f := s.Call(service, object, opRegisterEvent, []value.Value{value.IntValue(int64(signalID))})
		f.Then(func(f *future.Future[value.Value]) {
			if _, err := f.Value(); err != nil {
				s.log.Warn("remote signal register failed", "service", service, "signal", signalID, "err", err)
			}
		})
	}
	return &Subscription{s: s, key: key, handler: h.id}, nil
}

// release drops one subscription handle; the last one sends the remote
// unregister, exactly once.
func (s *Session) release(key subKey, handler uint64) {
	s.subMu.Lock()
	lst := s.subs[key]
	if lst == nil {
		s.subMu.Unlock()
		return
	}
	for i, h := range lst.handlers {
		if h.id == handler {
			lst.handlers = append(lst.handlers[:i:i], lst.handlers[i+1:]...)
			break
		}
	}
	lst.refs--
	last := lst.refs == 0
	if last {
		delete(s.subs, key)
	}
	s.subMu.Unlock()

	if last && s.State() == StateConnected {
		s.Call(key.service, key.object, opUnregisterEvent,
			[]value.Value{value.IntValue(int64(key.signal))})
	}
}

// Close gracefully shuts the session down: a best-effort disconnect
// control frame, then the socket. Pending calls fail with
// ErrConnectionLost. Close is idempotent.
func (s *Session) Close() error {
	if s.State() == StateConnected {
		s.state.Store(int32(StateClosing))
		msg := &Message{
			Version:   ProtocolVersion,
			ID:        s.nextID.Add(1),
			Kind:      MsgCall,
			Service:   controlService,
			Object:    controlObject,
			Operation: opDisconnect,
		}
		s.writeMu.Lock()
		_, _ = s.conn.Write(msg.encodeFrame())
		s.writeMu.Unlock()
	}
	s.fail(nil)
	return nil
}

// fail transitions to Closed, closes the socket, detaches peer signal
// links and resolves every still-pending call with ErrConnectionLost.
// A nil cause means a local or graceful close.
func (s *Session) fail(cause error) {
	s.closeOnce.Do(func() {
		if cause != nil {
			s.log.Warn("session lost", "state", s.State().String(), "err", cause)
		} else {
			s.log.Debug("session closed")
		}
		s.state.Store(int32(StateClosed))
		_ = s.conn.Close()

		s.linkMu.Lock()
		links := s.links
		s.links = make(map[subKey]remoteLink)
		s.linkMu.Unlock()
		for key, rl := range links {
			_ = rl.obj.DisconnectSignal(key.signal, rl.link)
		}

		s.pendMu.Lock()
		pending := s.pending
		s.pending = make(map[uint32]*future.Promise[value.Value])
		s.pendMu.Unlock()
		for _, p := range pending {
			// A promise already resolved by a racing reply keeps its
			// value; AlreadySet here is benign.
			_ = p.SetError(ErrConnectionLost)
		}
	})
}

func (s *Session) reply(msg *Message, v value.Value) {
	out := &Message{
		Version:   ProtocolVersion,
		ID:        msg.ID,
		Kind:      MsgReply,
		Service:   msg.Service,
		Object:    msg.Object,
		Operation: msg.Operation,
		Payload:   v.Encode(),
	}
	_ = s.send(out)
}

func (s *Session) replyError(msg *Message, err error) {
	out := &Message{
		Version:   ProtocolVersion,
		ID:        msg.ID,
		Kind:      MsgError,
		Service:   msg.Service,
		Object:    msg.Object,
		Operation: msg.Operation,
		Payload:   value.StringValue(err.Error()).Encode(),
	}
	_ = s.send(out)
}
