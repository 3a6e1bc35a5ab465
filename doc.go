// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package objbus is a distributed-object message bus: peers expose
// objects described by reflective metadata and invoke each other's
// methods, subscribe to signals, and read properties over a binary
// framed protocol.
//
// # Transport Selection
//
// TCP is the default transport, with TLS available as tcps://.
// Use build tags to enable alternative transports:
//
//	go build              # tcp and tcps (default)
//	go build -tags grpc   # Enable gRPC stream tunneling
//
// # Usage
//
// Client usage:
//
//	sess, err := objbus.Connect(ctx, "tcp://localhost:9559")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Close()
//
//	calc, err := sess.Service(ctx, "Calculator")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sum, err := calc.Call("add", value.IntValue(2), value.IntValue(3)).Value()
//
// Server usage:
//
//	srv, err := objbus.Listen("tcp://:9559")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	b := meta.NewBuilder()
//	b.Method("add", "(ll)", "l", func(args []value.Value) (value.Value, error) {
//	    a, _ := value.As[int64](args[0])
//	    bb, _ := value.As[int64](args[1])
//	    return value.IntValue(a + bb), nil
//	})
//	obj, _ := b.Build()
//	srv.Directory().Register("Calculator", obj)
//
//	srv.Serve(ctx)
//
// # Architecture
//
// The package separates concerns:
//
//   - value/: type-erased values, signatures, and the binary codec
//   - meta/: reflective object metadata and local dispatch
//   - future/: asynchronous results with cancellation
//   - message.go: frame layout and the wire read loop
//   - session.go: connection state machine, calls, and signal routing
//   - directory.go: the name-to-service registry, itself a bus object
//   - proxy.go: client-side remote object handles
//   - transport.go: transport registry for build-tag extensibility
//   - dial.go, server.go: Connect and Listen factory functions
//   - dial_grpc.go: gRPC stream tunnel (requires -tags grpc)
//   - gateway/: JSON-RPC HTTP inspection of a directory
//
// Application code addresses objects through proxies obtained from a
// session, making the transport a deployment decision rather than a
// code change.
package objbus
