// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package objbus

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	logger    *slog.Logger
	dir       *Directory
	timeout   time.Duration
	tlsConfig *tls.Config
	certFile  string
	keyFile   string
}

// WithLogger sets the structured logger for the session.
func WithLogger(log *slog.Logger) DialOption {
	return func(o *dialOptions) { o.logger = log }
}

// WithDirectory sets the directory of objects this side exposes to the
// peer. Default is a fresh, empty directory.
func WithDirectory(dir *Directory) DialOption {
	return func(o *dialOptions) { o.dir = dir }
}

// WithDialTimeout bounds the transport-level dial.
func WithDialTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.timeout = d }
}

// WithIdentity supplies the certificate/key pair presented during a
// TLS-secured handshake.
func WithIdentity(certFile, keyFile string) DialOption {
	return func(o *dialOptions) { o.certFile, o.keyFile = certFile, keyFile }
}

// WithTLSConfig sets a custom TLS configuration for tcps endpoints. An
// identity set with WithIdentity is appended to its certificates.
func WithTLSConfig(cfg *tls.Config) DialOption {
	return func(o *dialOptions) { o.tlsConfig = cfg }
}

func (o *dialOptions) clientTLSConfig() (*tls.Config, error) {
	cfg := o.tlsConfig
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if o.certFile != "" {
		cert, err := tls.LoadX509KeyPair(o.certFile, o.keyFile)
		if err != nil {
			return nil, fmt.Errorf("load identity: %w", err)
		}
		cfg.Certificates = append(cfg.Certificates, cert)
	}
	return cfg, nil
}

// parseEndpoint splits an endpoint URL into transport scheme and
// host:port address.
func parseEndpoint(rawurl string) (scheme, hostport string, err error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("endpoint %q needs scheme://host:port", rawurl)
	}
	return u.Scheme, u.Host, nil
}

// Connect dials an endpoint URL, performs the handshake and
// authentication exchange, and returns a connected session. The scheme
// selects the transport: tcp:// for plain, tcps:// for TLS-secured
// endpoints (supply an identity with WithIdentity). Any failure before
// the Connected state returns a *ConnectionError naming the phase.
//
// There is no automatic reconnection: once a session is lost or closed,
// create a new one with Connect.
func Connect(ctx context.Context, rawurl string, opts ...DialOption) (*Session, error) {
	o := &dialOptions{}
	for _, opt := range opts {
		opt(o)
	}

	scheme, hostport, err := parseEndpoint(rawurl)
	if err != nil {
		return nil, &ConnectionError{Phase: "dial", Cause: err}
	}
	dial, err := lookupTransport(scheme)
	if err != nil {
		return nil, &ConnectionError{Phase: "dial", Cause: err}
	}
	conn, err := dial(ctx, hostport, o)
	if err != nil {
		return nil, &ConnectionError{Phase: "dial", Cause: err}
	}

	s := newSession(conn, o.dir, o.logger)
	if err := s.authenticateClient(); err != nil {
		s.fail(nil)
		return nil, err
	}
	s.log.Debug("connected", "endpoint", rawurl, "peer_id", s.PeerID().String())
	go s.readLoop()
	return s, nil
}
