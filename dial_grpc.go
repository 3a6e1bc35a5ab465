//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package objbus

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

func init() {
	// Register gRPC transport when build tag is enabled
	registerTransport(SchemeGRPC, dialGRPCTunnel)
	encoding.RegisterCodec(rawFrameCodec{})
}

var tunnelDesc = grpc.StreamDesc{
	StreamName:    "Frames",
	ClientStreams: true,
	ServerStreams: true,
}

// dialGRPCTunnel opens a bidirectional stream to a frame tunnel and
// exposes it as a net.Conn so the session read loop stays transport
// agnostic.
func dialGRPCTunnel(ctx context.Context, hostport string, o *dialOptions) (net.Conn, error) {
	conn, err := grpc.NewClient(hostport,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	stream, err := conn.NewStream(context.WithoutCancel(ctx), &tunnelDesc,
		"/objbus.Tunnel/Frames", grpc.ForceCodec(rawFrameCodec{}))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("grpc stream: %w", err)
	}
	return &tunnelConn{conn: conn, stream: stream, hostport: hostport}, nil
}

// rawFrameCodec passes frame bytes through uninterpreted.
type rawFrameCodec struct{}

func (rawFrameCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec: unexpected type %T", v)
	}
	return *b, nil
}

func (rawFrameCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec: unexpected type %T", v)
	}
	*b = data
	return nil
}

func (rawFrameCodec) Name() string { return "objbus-raw" }

// tunnelConn adapts a bidirectional frame stream to net.Conn.
type tunnelConn struct {
	conn     *grpc.ClientConn
	stream   grpc.ClientStream
	hostport string

	readMu sync.Mutex
	buf    []byte
}

func (c *tunnelConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for len(c.buf) == 0 {
		var msg []byte
		if err := c.stream.RecvMsg(&msg); err != nil {
			return 0, err
		}
		c.buf = msg
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *tunnelConn) Write(p []byte) (int, error) {
	msg := make([]byte, len(p))
	copy(msg, p)
	if err := c.stream.SendMsg(&msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *tunnelConn) Close() error {
	_ = c.stream.CloseSend()
	return c.conn.Close()
}

func (c *tunnelConn) LocalAddr() net.Addr  { return tunnelAddr{""} }
func (c *tunnelConn) RemoteAddr() net.Addr { return tunnelAddr{c.hostport} }

// Tunneled streams carry no deadline support; these are accepted and
// ignored.
func (c *tunnelConn) SetDeadline(time.Time) error      { return nil }
func (c *tunnelConn) SetReadDeadline(time.Time) error  { return nil }
func (c *tunnelConn) SetWriteDeadline(time.Time) error { return nil }

type tunnelAddr struct{ hostport string }

func (a tunnelAddr) Network() string { return "grpc" }
func (a tunnelAddr) String() string  { return a.hostport }
