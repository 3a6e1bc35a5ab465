// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package objbus

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger    *slog.Logger
	dir       *Directory
	tlsConfig *tls.Config
	certFile  string
	keyFile   string
}

// WithServerLogger sets the structured logger for the server and its
// sessions.
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = log }
}

// WithServerDirectory sets the directory of exposed objects shared by
// every accepted session. Default is a fresh directory.
func WithServerDirectory(dir *Directory) ServerOption {
	return func(o *serverOptions) { o.dir = dir }
}

// WithServerIdentity supplies the certificate/key pair for a
// TLS-secured listen endpoint.
func WithServerIdentity(certFile, keyFile string) ServerOption {
	return func(o *serverOptions) { o.certFile, o.keyFile = certFile, keyFile }
}

// WithServerTLSConfig sets a custom TLS configuration for tcps listen
// endpoints.
func WithServerTLSConfig(cfg *tls.Config) ServerOption {
	return func(o *serverOptions) { o.tlsConfig = cfg }
}

// Server accepts connections on one endpoint and runs a session per
// connection, all sharing one directory of exposed objects.
type Server struct {
	listener net.Listener
	scheme   string
	dir      *Directory
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   atomic.Bool
}

// Listen binds an endpoint URL. The scheme selects the transport:
// tcp:// for plain, tcps:// for TLS-secured (supply an identity with
// WithServerIdentity).
func Listen(rawurl string, opts ...ServerOption) (*Server, error) {
	o := &serverOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.dir == nil {
		o.dir = NewDirectory()
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	scheme, hostport, err := parseEndpoint(rawurl)
	if err != nil {
		return nil, err
	}

	var ln net.Listener
	switch scheme {
	case SchemeTCP:
		ln, err = net.Listen("tcp", hostport)
	case SchemeTLS:
		var cfg *tls.Config
		cfg, err = o.serverTLSConfig()
		if err == nil {
			ln, err = tls.Listen("tcp", hostport, cfg)
		}
	default:
		return nil, fmt.Errorf("unknown listen scheme: %s", scheme)
	}
	if err != nil {
		return nil, err
	}

	return &Server{
		listener: ln,
		scheme:   scheme,
		dir:      o.dir,
		log:      o.logger,
		sessions: make(map[*Session]struct{}),
	}, nil
}

func (o *serverOptions) serverTLSConfig() (*tls.Config, error) {
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
	if len(cfg.Certificates) == 0 {
		return nil, fmt.Errorf("tcps listen endpoint needs an identity")
	}
	return cfg, nil
}

// Directory returns the server's shared directory of exposed objects.
func (s *Server) Directory() *Directory { return s.dir }

// Addr returns the server's listen address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Endpoint returns the server's listen address as an endpoint URL.
func (s *Server) Endpoint() string {
	return s.scheme + "://" + s.Addr()
}

// Serve accepts connections until the context is cancelled or the
// server is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	sess := newSession(conn, s.dir, s.log)
	if err := sess.authenticateServer(); err != nil {
		s.log.Warn("rejecting connection", "remote", conn.RemoteAddr().String(), "err", err)
		sess.fail(nil)
		return
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		sess.fail(nil)
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	s.log.Debug("session accepted", "remote", conn.RemoteAddr().String(), "peer_id", sess.PeerID().String())
	sess.readLoop()

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// Close stops accepting and closes every live session.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.listener.Close()
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.Close()
	}
	return err
}
