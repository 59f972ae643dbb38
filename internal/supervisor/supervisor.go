// Package supervisor wires C1 through C7 together and owns the process's
// startup and shutdown ordering (§5): the Graph client and outbound queue
// start first so the proxy can recover a stalled send queue before any
// client connects, and shutdown works in the opposite order, cutting off
// new Graph traffic before draining in-flight sessions.
package supervisor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/infodancer/m365proxy/internal/config"
	"github.com/infodancer/m365proxy/internal/graph"
	"github.com/infodancer/m365proxy/internal/mailbox"
	"github.com/infodancer/m365proxy/internal/metrics"
	"github.com/infodancer/m365proxy/internal/pop3"
	"github.com/infodancer/m365proxy/internal/queue"
	"github.com/infodancer/m365proxy/internal/reachability"
	"github.com/infodancer/m365proxy/internal/server"
	"github.com/infodancer/m365proxy/internal/smtp"
	"github.com/infodancer/m365proxy/internal/tokenstore"
)

// drainBudget bounds how long Run waits for in-flight sessions to finish
// after the background watcher/queue have already been stopped (§5).
const drainBudget = 30 * time.Second

// Supervisor owns every long-lived component for one process lifetime.
type Supervisor struct {
	cfg       *config.Config
	logger    *slog.Logger
	collector metrics.Collector

	tlsConfig *tls.Config

	tokens    *tokenstore.Store
	graphCli  *graph.Client
	mailboxes *mailbox.Allowlist
	watcher   *reachability.Watcher
	outbound  *queue.Queue

	smtpServer    *smtp.Server
	pop3Server    *pop3.Server
	pop3Listeners []*server.Listener

	metricsServer metrics.Server
}

// Options configures a Supervisor.
type Options struct {
	Config    *config.Config
	Logger    *slog.Logger
	Collector metrics.Collector
	OnLogin   graph.LoginCallback
}

// New constructs every component described by SPEC's module map but starts
// nothing; call Run to bring the process up.
func New(opts Options) (*Supervisor, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := opts.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	var tlsCfg *tls.Config
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("supervisor: loading TLS material: %w", err)
		}
		tlsCfg = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
		}
	}

	seed, err := tokenstore.HostSeed(".")
	if err != nil {
		return nil, fmt.Errorf("supervisor: deriving host seed: %w", err)
	}
	tokens, err := tokenstore.Open(cfg.TokenFile, seed, cfg.UpstreamUser, logger)
	if err != nil {
		return nil, fmt.Errorf("supervisor: opening token store: %w", err)
	}

	graphCli, err := graph.New(graph.Config{
		TenantID: cfg.TenantID,
		ClientID: cfg.ClientID,
		Proxy: graph.ProxyConfig{
			URL:      cfg.Proxy.URL,
			User:     cfg.Proxy.User,
			Password: cfg.Proxy.Password,
		},
		Store:   tokens,
		OnLogin: opts.OnLogin,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: constructing graph client: %w", err)
	}

	mailboxes := mailbox.New(cfg)
	watcher := reachability.New(nil, logger, collector)

	var durable queue.DedupLog
	if cfg.Redis.Address != "" {
		durable = queue.NewRedisDedup(cfg.Redis.Address, cfg.Redis.DB, logger)
	}
	outbound, err := queue.New(cfg.QueueDir, graphCli, watcher, durable, logger, collector)
	if err != nil {
		return nil, fmt.Errorf("supervisor: opening outbound queue: %w", err)
	}

	smtpBackend := smtp.NewBackend(smtp.BackendConfig{
		Hostname:  cfg.Hostname,
		Config:    cfg,
		Mailboxes: mailboxes,
		Graph:     graphCli,
		Queue:     outbound,
		Watcher:   watcher,
		Collector: collector,
		Logger:    logger,
	})
	smtpServer, err := smtp.NewServer(smtp.ServerConfig{
		Backend:        smtpBackend,
		SMTPAddr:       cfg.Listeners.SMTP,
		SMTPSAddr:      cfg.Listeners.SMTPS,
		Hostname:       cfg.Hostname,
		TLSConfig:      tlsCfg,
		IdleTimeout:    cfg.Timeouts.SessionIdleTimeout(),
		DataTimeout:    cfg.Timeouts.DataIdleTimeout(),
		MaxMessageSize: cfg.AttachmentLimitBytes(),
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: constructing smtp server: %w", err)
	}

	pop3Server := pop3.New(pop3.Server{
		Hostname:    cfg.Hostname,
		Mailboxes:   mailboxes,
		Graph:       graphCli,
		Collector:   collector,
		TLSConfig:   tlsCfg,
		IdleTimeout: cfg.Timeouts.SessionIdleTimeout(),
		Logger:      logger,
	})

	var pop3Listeners []*server.Listener
	if cfg.Listeners.POP3 != "" {
		pop3Listeners = append(pop3Listeners, server.NewListener(server.ListenerConfig{
			Address:     cfg.Listeners.POP3,
			Mode:        server.ModePlain,
			TLSConfig:   tlsCfg,
			IdleTimeout: cfg.Timeouts.SessionIdleTimeout(),
			Logger:      logger,
			Handler:     pop3Server.Handler(false),
		}))
	}
	if cfg.Listeners.POP3S != "" {
		if tlsCfg == nil {
			return nil, fmt.Errorf("supervisor: pop3s listener %s requires TLS material", cfg.Listeners.POP3S)
		}
		pop3Listeners = append(pop3Listeners, server.NewListener(server.ListenerConfig{
			Address:     cfg.Listeners.POP3S,
			Mode:        server.ModeImplicitTLS,
			TLSConfig:   tlsCfg,
			IdleTimeout: cfg.Timeouts.SessionIdleTimeout(),
			Logger:      logger,
			Handler:     pop3Server.Handler(true),
		}))
	}

	var metricsSrv metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
	}

	return &Supervisor{
		cfg:           cfg,
		logger:        logger,
		collector:     collector,
		tlsConfig:     tlsCfg,
		tokens:        tokens,
		graphCli:      graphCli,
		mailboxes:     mailboxes,
		watcher:       watcher,
		outbound:      outbound,
		smtpServer:    smtpServer,
		pop3Server:    pop3Server,
		pop3Listeners: pop3Listeners,
		metricsServer: metricsSrv,
	}, nil
}

// EnsureToken forces the device-code login (or a cached-token load) to
// happen before Run starts accepting connections, so a missing/expired
// login surfaces as a clean startup failure rather than the first
// client's DATA timing out (§5, exit code 2 in cmd/m365proxy).
func (s *Supervisor) EnsureToken(ctx context.Context) error {
	_, err := s.graphCli.EnsureToken(ctx)
	return err
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down in stages: background Graph traffic (watcher, queue flusher) first,
// then listener sessions within drainBudget, finally returning once
// everything has stopped (§5).
func (s *Supervisor) Run(ctx context.Context) error {
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	var wg sync.WaitGroup
	errCh := make(chan error, 8)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.watcher.Run(bgCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.outbound.Run(bgCtx)
	}()

	if s.metricsServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.metricsServer.Start(bgCtx); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	sessionCtx, stopSessions := context.WithCancel(context.Background())
	defer stopSessions()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.smtpServer.Run(sessionCtx); err != nil {
			errCh <- fmt.Errorf("smtp server: %w", err)
		}
	}()

	for _, l := range s.pop3Listeners {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Start returns ctx.Err() on an ordinary cancellation-driven
			// shutdown (internal/server/listener.go); that is expected
			// every time sessionCtx is cancelled below and must not be
			// reported as a component failure.
			if err := l.Start(sessionCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("pop3 listener %s: %w", l.Address(), err)
			}
		}()
	}

	<-ctx.Done()
	s.logger.Info("shutdown requested, stopping background Graph traffic")
	stopBackground()
	if s.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.metricsServer.Shutdown(shutdownCtx)
		cancel()
	}

	s.logger.Info("draining sessions", slog.Duration("budget", drainBudget))
	stopSessions()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(drainBudget):
		// smtp.Server.Run bounds its own shutdown internally; a POP3
		// listener has no such cap and blocks on its accept-loop
		// waitgroup until every connection closes on its own. Give up
		// waiting rather than hang the process exit on a stuck client;
		// those goroutines finish in the background whenever the
		// connection eventually closes, so errCh is never closed here
		// (a late send from one of them must not panic).
		s.logger.Warn("drain budget exceeded, returning without waiting for all sessions")
	}

	var firstErr error
	draining := true
	for draining {
		select {
		case err := <-errCh:
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Error("component error during shutdown", slog.String("error", err.Error()))
		default:
			draining = false
		}
	}
	return firstErr
}
