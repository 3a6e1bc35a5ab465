// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package objbus

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionLost indicates an established connection dropped. Every
	// call still pending on that session fails with this error, and new
	// calls on a closed session fail with it immediately, without a write.
	ErrConnectionLost = errors.New("objbus: connection lost")

	// ErrProtocol indicates a malformed frame. It is fatal to the
	// connection.
	ErrProtocol = errors.New("objbus: protocol error")

	// ErrNameAlreadyRegistered indicates a directory registration reusing
	// a name. The first registration stays intact.
	ErrNameAlreadyRegistered = errors.New("objbus: name already registered")

	// ErrNameNotFound indicates a directory lookup for an absent name.
	ErrNameNotFound = errors.New("objbus: name not found")

	// ErrObjectNotFound indicates a call addressed to a service or object
	// id with no registered target.
	ErrObjectNotFound = errors.New("objbus: object not found")
)

// ConnectionError reports a failed connection attempt: the handshake or
// authentication phase that failed, plus the underlying cause.
type ConnectionError struct {
	Phase string // "dial", "handshake" or "authenticate"
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("objbus: connect failed during %s: %v", e.Phase, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// RemoteError is the client-side image of a native operation raising
// during dispatch on the peer. It resolves the matching future; it is
// never surfaced synchronously to the proxy caller.
type RemoteError struct {
	Operation uint32
	Text      string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("objbus: remote operation %d failed: %s", e.Operation, e.Text)
}
