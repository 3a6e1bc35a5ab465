// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package objbus

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
)

// Endpoint URL schemes. The scheme selects the transport; the rest of
// the URL is the endpoint address.
const (
	SchemeTCP  = "tcp"  // plain TCP
	SchemeTLS  = "tcps" // TLS-secured TCP
	SchemeGRPC = "grpc" // frame tunnel over gRPC, requires build tag
)

type dialerFunc func(ctx context.Context, hostport string, o *dialOptions) (net.Conn, error)

var (
	transportsMu sync.RWMutex
	transports   = map[string]dialerFunc{
		SchemeTCP: dialTCP,
		SchemeTLS: dialTLS,
	}
)

// registerTransport registers a new transport scheme (used by build tags)
func registerTransport(scheme string, dial dialerFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[scheme] = dial
}

// AvailableTransports returns the registered transport schemes.
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for scheme := range transports {
		result = append(result, scheme)
	}
	return result
}

// HasTransport checks if a transport scheme is available.
func HasTransport(scheme string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[scheme]
	return ok
}

func lookupTransport(scheme string) (dialerFunc, error) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	dial, ok := transports[scheme]
	if !ok {
		return nil, fmt.Errorf("unknown transport scheme: %s", scheme)
	}
	return dial, nil
}

func dialTCP(ctx context.Context, hostport string, o *dialOptions) (net.Conn, error) {
	d := net.Dialer{Timeout: o.timeout}
	return d.DialContext(ctx, "tcp", hostport)
}

func dialTLS(ctx context.Context, hostport string, o *dialOptions) (net.Conn, error) {
	cfg, err := o.clientTLSConfig()
	if err != nil {
		return nil, err
	}
	d := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: o.timeout},
		Config:    cfg,
	}
	return d.DialContext(ctx, "tcp", hostport)
}
