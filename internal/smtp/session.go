package smtp

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/infodancer/m365proxy/internal/graph"
	"github.com/infodancer/m365proxy/internal/mailbox"
	"github.com/infodancer/m365proxy/internal/queue"
)

// maxAuthFailures closes the connection after this many consecutive
// failed AUTH attempts (§4.5).
const maxAuthFailures = 3

// Session implements smtp.Session and smtp.AuthSession, carrying the
// per-connection state described in spec §3: authenticated mailbox (or
// none) and the in-progress envelope.
type Session struct {
	backend  *Backend
	conn     *smtp.Conn
	clientIP string
	logger   *slog.Logger

	authFailures int
	mbox         mailbox.Mailbox
	authed       bool

	from       string
	mailSeen   bool
	recipients []string
}

// AuthMechanisms advertises PLAIN and LOGIN only once the connection is
// TLS-protected (implicit TLS or post-STARTTLS); AllowInsecureAuth is
// always false on the underlying go-smtp server (see server.go), so
// go-smtp only calls this once that condition already holds.
func (s *Session) AuthMechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

// Auth implements smtp.AuthSession, driving the SASL PLAIN/LOGIN exchange
// against the mailbox allowlist (§4.5).
func (s *Session) Auth(mech string) (sasl.Server, error) {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			return s.authenticate(username, password)
		}), nil
	case sasl.Login:
		return sasl.NewLoginServer(func(username, password string) error {
			return s.authenticate(username, password)
		}), nil
	default:
		return nil, smtp.ErrAuthUnsupported
	}
}

func (s *Session) authenticate(username, password string) error {
	mbox, err := s.backend.mailboxes.Authenticate(username, password)
	if err != nil {
		s.authFailures++
		s.backend.collector.AuthAttempt("smtp", false)
		s.logger.Debug("authentication failed", slog.String("username", username))

		if s.authFailures >= maxAuthFailures {
			conn := s.conn.Conn()
			s.logger.Warn("closing connection after repeated AUTH failures")
			time.AfterFunc(50*time.Millisecond, func() { _ = conn.Close() })
		}
		return &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "Authentication credentials invalid",
		}
	}

	s.mbox = mbox
	s.authed = true
	s.authFailures = 0
	s.backend.collector.AuthAttempt("smtp", true)
	s.logger.Debug("authentication succeeded", slog.String("username", mbox.Username))
	return nil
}

// Mail implements smtp.Session. MAIL FROM must equal the authenticated
// mailbox's username, compared case-insensitively on the local part
// (§4.5); anything else is rejected with 553 before RCPT is ever reached.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if !s.authed {
		return &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}
	if !addressMatchesUser(from, s.mbox.Username) {
		return &smtp.SMTPError{
			Code:         553,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "MAIL FROM must match the authenticated mailbox",
		}
	}
	s.from = from
	s.mailSeen = true
	s.recipients = nil
	return nil
}

// Rcpt implements smtp.Session. Each recipient's domain must appear in
// the configured allowlist when that set is non-empty (§4.5).
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if !s.mailSeen {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands: MAIL FROM required",
		}
	}
	domain := domainOf(to)
	if domain == "" || !s.backend.cfg.DomainAllowed(domain) {
		s.logger.Debug("recipient domain rejected", slog.String("to", to))
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Recipient domain not allowed",
		}
	}
	s.recipients = append(s.recipients, to)
	return nil
}

// Data implements smtp.Session: it reads the full message (go-smtp has
// already undone dot-stuffing and enforces the 998-byte line cap and
// MaxMessageBytes ceiling at the wire level), then dispatches through
// Graph directly when reachable or via the outbound queue otherwise
// (§4.5).
func (s *Session) Data(r io.Reader) error {
	if !s.mailSeen || len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands",
		}
	}

	limit := s.backend.cfg.AttachmentLimitBytes()
	limited := io.LimitReader(r, limit+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		s.logger.Debug("error reading DATA", slog.String("error", err.Error()))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Error reading message",
		}
	}
	if int64(len(raw)) > limit {
		s.resetTransaction()
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      "Message size exceeds the configured limit",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	from := s.from
	recipients := append([]string(nil), s.recipients...)

	if !s.backend.watcher.Reachable() {
		return s.enqueue(from, recipients, raw)
	}

	start := time.Now()
	class, sendErr := s.backend.graph.Send(ctx, s.mbox.Username, raw)
	s.backend.collector.GraphCallCompleted("sendMail", class.String(), time.Since(start).Seconds())

	switch class {
	case graph.ClassOK:
		s.logger.Info("message sent", slog.Int("recipients", len(recipients)))
		return nil
	case graph.ClassPermanent:
		s.logger.Warn("message permanently rejected by Graph", slog.String("error", sendErr.Error()))
		return &smtp.SMTPError{
			Code:    graph.MapSMTPCode(class, 0),
			Message: "Message rejected",
		}
	default:
		s.logger.Warn("send failed, enqueueing for retry", slog.String("error", sendErr.Error()))
		return s.enqueue(from, recipients, raw)
	}
}

func (s *Session) enqueue(from string, recipients []string, raw []byte) error {
	entry := queue.Entry{From: from, To: recipients, RawMIME: raw}
	if err := s.backend.queue.Enqueue(entry); err != nil {
		s.logger.Error("failed to enqueue message", slog.String("error", err.Error()))
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary queueing failure",
		}
	}
	return nil
}

// Reset implements smtp.Session (RSET).
func (s *Session) Reset() {
	s.resetTransaction()
}

func (s *Session) resetTransaction() {
	s.from = ""
	s.mailSeen = false
	s.recipients = nil
}

// Logout implements smtp.Session.
func (s *Session) Logout() error {
	s.backend.collector.ConnectionClosed("smtp")
	return nil
}

// addressMatchesUser compares an envelope address against the
// authenticated username, case-insensitively on the local part (§4.5).
func addressMatchesUser(addr, username string) bool {
	addr = strings.TrimPrefix(strings.TrimSuffix(addr, ">"), "<")
	return strings.EqualFold(addr, username)
}

func domainOf(addr string) string {
	addr = strings.TrimPrefix(strings.TrimSuffix(addr, ">"), "<")
	idx := strings.LastIndex(addr, "@")
	if idx < 0 || idx == len(addr)-1 {
		return ""
	}
	return addr[idx+1:]
}
