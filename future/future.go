// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package future implements a single-assignment asynchronous result cell.
//
// A Promise is the write side: it transitions from Pending to exactly one
// terminal state. A Future is the read-only view: it can attach
// continuations, block with or without a timeout, and request cooperative
// cancellation. Continuations run in registration order on the goroutine
// that performs the transition; they must not assume any particular
// goroutine identity and must not block indefinitely.
package future

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrAlreadySet is returned to the caller of a redundant SetValue or
	// SetError. The already-fixed state is untouched and observers never
	// see this error.
	ErrAlreadySet = errors.New("future: already set")

	// ErrTimedOut is returned by Wait when the timeout elapses first. The
	// underlying promise is untouched and the future can be waited on
	// again.
	ErrTimedOut = errors.New("future: timed out")

	// ErrCanceled is the terminal error of an operation that honored a
	// cancellation request.
	ErrCanceled = errors.New("future: canceled")
)

// Status is the observable state of a promise/future pair.
type Status int32

const (
	Pending Status = iota
	Set
	Error
	Canceled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Set:
		return "set"
	case Error:
		return "error"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

type shared[T any] struct {
	mu        sync.Mutex
	status    Status
	val       T
	err       error
	conts     []func(*Future[T])
	done      chan struct{}
	cancelReq atomic.Bool
}

// Promise is the write side of the cell.
type Promise[T any] struct {
	s *shared[T]
}

// Future is the read-only view of the cell.
type Future[T any] struct {
	s *shared[T]
}

// NewPromise returns a fresh pending promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{s: &shared[T]{done: make(chan struct{})}}
}

// Future returns the read-only view. All views share the same cell.
func (p *Promise[T]) Future() *Future[T] { return &Future[T]{s: p.s} }

// SetValue transitions Pending -> Set. A second transition attempt fails
// with ErrAlreadySet and leaves the fixed state untouched.
func (p *Promise[T]) SetValue(v T) error {
	return p.s.settle(Set, v, nil)
}

// SetError transitions Pending -> Error (or Canceled when err is, or
// wraps, ErrCanceled). A second transition attempt fails with
// ErrAlreadySet.
func (p *Promise[T]) SetError(err error) error {
	var zero T
	st := Error
	if errors.Is(err, ErrCanceled) {
		st = Canceled
	}
	return p.s.settle(st, zero, err)
}

// CancelRequested reports whether a cancellation request was observed on
// the future side. The operation implementation honors it by calling
// SetError(ErrCanceled).
func (p *Promise[T]) CancelRequested() bool { return p.s.cancelReq.Load() }

func (s *shared[T]) settle(st Status, v T, err error) error {
	s.mu.Lock()
	if s.status != Pending {
		s.mu.Unlock()
		return ErrAlreadySet
	}
	s.status = st
	s.val = v
	s.err = err
	conts := s.conts
	s.conts = nil
	close(s.done)
	s.mu.Unlock()

	f := &Future[T]{s: s}
	for _, c := range conts {
		c(f)
	}
	return nil
}

// Status returns the current state.
func (f *Future[T]) Status() Status {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.status
}

// Done returns a channel closed on transition to a terminal state.
func (f *Future[T]) Done() <-chan struct{} { return f.s.done }

// Then attaches a continuation. If the future is already terminal the
// continuation runs immediately on the calling goroutine; otherwise it is
// queued and runs, in registration order, on the goroutine that performs
// the transition.
func (f *Future[T]) Then(fn func(*Future[T])) {
	f.s.mu.Lock()
	if f.s.status == Pending {
		f.s.conts = append(f.s.conts, fn)
		f.s.mu.Unlock()
		return
	}
	f.s.mu.Unlock()
	fn(f)
}

// Wait blocks until the future is terminal or timeout elapses. A timeout
// of zero or less waits forever. On timeout it returns ErrTimedOut
// without altering the promise state.
func (f *Future[T]) Wait(timeout time.Duration) error {
	if timeout <= 0 {
		<-f.s.done
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.s.done:
		return nil
	case <-t.C:
		return ErrTimedOut
	}
}

// WaitContext blocks until the future is terminal or ctx is done.
func (f *Future[T]) WaitContext(ctx context.Context) error {
	select {
	case <-f.s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Value returns the terminal result. It blocks until terminal.
func (f *Future[T]) Value() (T, error) {
	<-f.s.done
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.val, f.s.err
}

// Err returns the terminal error without blocking. It is nil while
// pending and after a successful transition.
func (f *Future[T]) Err() error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.err
}

// Cancel records a cancellation request if the future is still pending.
// Termination stays cooperative: the request does not itself force a
// terminal state.
func (f *Future[T]) Cancel() {
	f.s.mu.Lock()
	if f.s.status == Pending {
		f.s.cancelReq.Store(true)
	}
	f.s.mu.Unlock()
}
