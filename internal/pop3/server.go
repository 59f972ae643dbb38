// Package pop3 implements the POP3 Session Engine (C6): RFC 1939 plus
// STLS (RFC 2595) and SASL PLAIN/LOGIN (RFC 5034), backed by the Graph
// Client for listing, fetching, marking read, and deleting messages.
// No reusable POP3 server framework exists to build on, so the command
// loop is hand-rolled on top of internal/server's connection and listener
// primitives (see DESIGN.md).
package pop3

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/infodancer/m365proxy/internal/graph"
	"github.com/infodancer/m365proxy/internal/mailbox"
	"github.com/infodancer/m365proxy/internal/metrics"
	"github.com/infodancer/m365proxy/internal/server"
)

// Server holds everything a POP3 Session needs; one Server instance is
// shared across every accepted connection.
type Server struct {
	Hostname    string
	Mailboxes   *mailbox.Allowlist
	Graph       *graph.Client
	Collector   metrics.Collector
	TLSConfig   *tls.Config // nil when no TLS material is configured
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// New constructs a Server, defaulting Collector/Logger like the rest of
// the core.
func New(cfg Server) *Server {
	s := cfg
	if s.Collector == nil {
		s.Collector = &metrics.NoopCollector{}
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	return &s
}

// Handler returns a server.ConnectionHandler bound to implicitTLS: true
// for the POP3S listener (handshake already completed on accept), false
// for the plain POP3 listener (STLS may upgrade mid-session).
func (s *Server) Handler(implicitTLS bool) server.ConnectionHandler {
	return func(ctx context.Context, conn *server.Connection) {
		s.Collector.ConnectionOpened("pop3")
		defer s.Collector.ConnectionClosed("pop3")

		sess := &session{
			server:      s,
			conn:        conn,
			implicitTLS: implicitTLS,
			logger:      conn.Logger(),
		}
		sess.run(ctx)
	}
}
