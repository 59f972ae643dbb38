package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"
)

// entryKind distinguishes the two listener shapes named in spec §3/§4.7:
// a plain port where STARTTLS may upgrade the connection, and an
// implicit-TLS port where the handshake happens before the greeting.
type entryKind int

const (
	kindPlain entryKind = iota
	kindImplicitTLS
)

type serverEntry struct {
	server *gosmtp.Server
	kind   entryKind
}

// Server wraps the go-smtp servers for the SMTP and SMTPS listeners (at
// most one of each is ever configured, per §3's invariant).
type Server struct {
	entries []serverEntry
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Backend        *Backend
	SMTPAddr       string // plain port; STARTTLS advertised when TLSConfig is set
	SMTPSAddr      string // implicit-TLS port
	Hostname       string
	TLSConfig      *tls.Config
	IdleTimeout    time.Duration
	DataTimeout    time.Duration
	MaxMessageSize int64
	Logger         *slog.Logger
}

// NewServer builds the go-smtp server(s) for whichever of SMTPAddr/SMTPSAddr
// are configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{logger: logger}

	newBase := func(addr string) *gosmtp.Server {
		s := gosmtp.NewServer(cfg.Backend)
		s.Addr = addr
		s.Domain = cfg.Hostname
		s.ReadTimeout = cfg.IdleTimeout
		s.WriteTimeout = cfg.IdleTimeout
		s.MaxMessageBytes = cfg.MaxMessageSize
		s.MaxLineLength = 1000 // 998 octets of text plus CRLF
		s.MaxRecipients = 100
		s.EnableSMTPUTF8 = true
		// AUTH is never advertised over an insecure channel; go-smtp gates
		// AuthMechanisms()/Auth() on TLS being active unless this is set,
		// which it never is here (§4.5).
		s.AllowInsecureAuth = false
		return s
	}

	if cfg.SMTPAddr != "" {
		s := newBase(cfg.SMTPAddr)
		if cfg.TLSConfig != nil {
			s.TLSConfig = cfg.TLSConfig
		}
		srv.entries = append(srv.entries, serverEntry{server: s, kind: kindPlain})
		logger.Info("configured SMTP listener", slog.String("address", cfg.SMTPAddr))
	}

	if cfg.SMTPSAddr != "" {
		if cfg.TLSConfig == nil {
			return nil, fmt.Errorf("smtp: smtps listener %s requires TLS material", cfg.SMTPSAddr)
		}
		s := newBase(cfg.SMTPSAddr)
		s.TLSConfig = cfg.TLSConfig
		srv.entries = append(srv.entries, serverEntry{server: s, kind: kindImplicitTLS})
		logger.Info("configured SMTPS listener", slog.String("address", cfg.SMTPSAddr))
	}

	return srv, nil
}

// Run starts every configured listener and blocks until ctx is cancelled,
// then drains within a 30s window (§4.7).
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, len(s.entries))

	for _, entry := range s.entries {
		s.wg.Add(1)
		go func(entry serverEntry) {
			defer s.wg.Done()
			var err error
			if entry.kind == kindImplicitTLS {
				err = entry.server.ListenAndServeTLS()
			} else {
				err = entry.server.ListenAndServe()
			}
			if err != nil {
				errCh <- fmt.Errorf("smtp server %s: %w", entry.server.Addr, err)
			}
		}(entry)
	}

	<-ctx.Done()
	s.logger.Info("shutting down SMTP listeners")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, entry := range s.entries {
		if err := entry.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error shutting down SMTP server",
				slog.String("address", entry.server.Addr), slog.String("error", err.Error()))
		}
	}
	s.wg.Wait()

	close(errCh)
	var firstErr error
	for err := range errCh {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("SMTP server error", slog.String("error", err.Error()))
	}
	return firstErr
}
