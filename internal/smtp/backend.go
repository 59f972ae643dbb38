// Package smtp implements the SMTP Session Engine (C5): ESMTP with
// STARTTLS, AUTH PLAIN/LOGIN, and the MAIL/RCPT/DATA transaction state
// machine, built on github.com/emersion/go-smtp. Accepted messages are
// dispatched directly to the Graph Client when Graph is reachable, or
// appended to the Outbound Queue otherwise (§4.5).
package smtp

import (
	"log/slog"
	"net"

	"github.com/emersion/go-smtp"

	"github.com/infodancer/m365proxy/internal/config"
	"github.com/infodancer/m365proxy/internal/graph"
	"github.com/infodancer/m365proxy/internal/mailbox"
	"github.com/infodancer/m365proxy/internal/metrics"
	"github.com/infodancer/m365proxy/internal/queue"
	"github.com/infodancer/m365proxy/internal/reachability"
)

// Backend implements the go-smtp Backend interface: one Session per
// accepted connection, all sharing the mailbox allowlist, Graph client,
// outbound queue, and reachability watcher for the process.
type Backend struct {
	hostname  string
	cfg       *config.Config
	mailboxes *mailbox.Allowlist
	graph     *graph.Client
	queue     *queue.Queue
	watcher   *reachability.Watcher
	collector metrics.Collector
	logger    *slog.Logger
}

// BackendConfig configures a Backend.
type BackendConfig struct {
	Hostname  string
	Config    *config.Config
	Mailboxes *mailbox.Allowlist
	Graph     *graph.Client
	Queue     *queue.Queue
	Watcher   *reachability.Watcher
	Collector metrics.Collector
	Logger    *slog.Logger
}

// NewBackend constructs a Backend.
func NewBackend(cfg BackendConfig) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Backend{
		hostname:  cfg.Hostname,
		cfg:       cfg.Config,
		mailboxes: cfg.Mailboxes,
		graph:     cfg.Graph,
		queue:     cfg.Queue,
		watcher:   cfg.Watcher,
		collector: collector,
		logger:    logger,
	}
}

// NewSession implements smtp.Backend. A fresh Session starts with
// zero-value auth/transaction state; go-smtp discards the previous
// Session and calls this again after a STARTTLS upgrade, which is how
// §4.5's "AUTH must re-occur after STARTTLS" requirement is satisfied
// without any extra bookkeeping here.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.collector.ConnectionOpened("smtp")
	ip := clientIPOf(c.Conn())
	return &Session{
		backend:  b,
		conn:     c,
		clientIP: ip,
		logger:   b.logger.With(slog.String("client_ip", ip)),
	}, nil
}

func clientIPOf(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
