package smtp

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/infodancer/m365proxy/internal/config"
	"github.com/infodancer/m365proxy/internal/graph"
	"github.com/infodancer/m365proxy/internal/mailbox"
	"github.com/infodancer/m365proxy/internal/queue"
	"github.com/infodancer/m365proxy/internal/reachability"
)

// knownHash is a published bcrypt test vector for the password "password".
const knownHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct{}

func (fakeSender) Send(ctx context.Context, from string, rawMIME []byte) (graph.ErrorClass, error) {
	return graph.ClassOK, nil
}

func testBackend(t *testing.T) *Backend {
	t.Helper()
	cfg := config.Default()
	cfg.AttachmentMB = 1024 * 1024
	cfg.Mailboxes = []config.MailboxRecord{
		{Username: "alerts@t.onmicrosoft.com", PasswordHash: knownHash},
	}

	watcher := reachability.New(nil, nil, nil)
	q, err := queue.New(t.TempDir(), fakeSender{}, watcher, nil, discardLogger(), nil)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}

	return NewBackend(BackendConfig{
		Hostname:  "gateway.example.com",
		Config:    &cfg,
		Mailboxes: mailbox.New(&cfg),
		Queue:     q,
		Watcher:   watcher,
		Logger:    discardLogger(),
	})
}

func newTestSession(t *testing.T) *Session {
	return &Session{backend: testBackend(t), logger: discardLogger()}
}

func TestAuthenticateSuccess(t *testing.T) {
	s := newTestSession(t)
	if err := s.authenticate("alerts@t.onmicrosoft.com", "password"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !s.authed {
		t.Error("expected authed to be true")
	}
	if s.mbox.Username != "alerts@t.onmicrosoft.com" {
		t.Errorf("unexpected mailbox username %q", s.mbox.Username)
	}
}

func TestAuthenticateWrongPasswordDoesNotAuthenticate(t *testing.T) {
	s := newTestSession(t)
	if err := s.authenticate("alerts@t.onmicrosoft.com", "wrong"); err == nil {
		t.Fatal("expected an error for a wrong password")
	}
	if s.authed {
		t.Error("expected authed to remain false")
	}
	if s.authFailures != 1 {
		t.Errorf("expected authFailures 1, got %d", s.authFailures)
	}
}

func TestMailRequiresAuth(t *testing.T) {
	s := newTestSession(t)
	if err := s.Mail("<alerts@t.onmicrosoft.com>", nil); err == nil {
		t.Fatal("expected MAIL FROM to be rejected before authentication")
	}
}

func TestMailRejectsMismatchedFrom(t *testing.T) {
	s := newTestSession(t)
	if err := s.authenticate("alerts@t.onmicrosoft.com", "password"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := s.Mail("<someone-else@t.onmicrosoft.com>", nil); err == nil {
		t.Fatal("expected MAIL FROM mismatch to be rejected")
	}
}

func TestMailRcptDataHappyPath(t *testing.T) {
	s := newTestSession(t)
	if err := s.authenticate("alerts@t.onmicrosoft.com", "password"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := s.Mail("<alerts@t.onmicrosoft.com>", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := s.Rcpt("<user@example.com>", nil); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}

	raw := "From: alerts@t.onmicrosoft.com\r\nTo: user@example.com\r\n\r\nhello\r\n"
	if err := s.Data(strings.NewReader(raw)); err != nil {
		t.Fatalf("Data: %v", err)
	}
}

func TestRcptRejectsDisallowedDomain(t *testing.T) {
	s := newTestSession(t)
	s.backend.cfg.AllowedDomains = []string{"allowed.example.com"}
	if err := s.authenticate("alerts@t.onmicrosoft.com", "password"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := s.Mail("<alerts@t.onmicrosoft.com>", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := s.Rcpt("<user@other.example.com>", nil); err == nil {
		t.Fatal("expected a disallowed recipient domain to be rejected")
	}
}

func TestRcptRequiresMailFirst(t *testing.T) {
	s := newTestSession(t)
	if err := s.authenticate("alerts@t.onmicrosoft.com", "password"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := s.Rcpt("<user@example.com>", nil); err == nil {
		t.Fatal("expected RCPT before MAIL to be rejected")
	}
}

func TestDataEnqueuesWhenUnreachable(t *testing.T) {
	s := newTestSession(t)
	if err := s.authenticate("alerts@t.onmicrosoft.com", "password"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := s.Mail("<alerts@t.onmicrosoft.com>", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := s.Rcpt("<user@example.com>", nil); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}

	if s.backend.watcher.Reachable() {
		t.Fatal("expected a fresh watcher to report unreachable")
	}
	raw := "From: alerts@t.onmicrosoft.com\r\n\r\nhi\r\n"
	if err := s.Data(strings.NewReader(raw)); err != nil {
		t.Fatalf("Data: %v", err)
	}
	if depth := s.backend.queue.Depth(); depth != 1 {
		t.Fatalf("expected the message to be queued, depth=%d", depth)
	}
}

func TestDataRejectsOversizedMessage(t *testing.T) {
	s := newTestSession(t)
	s.backend.cfg.AttachmentMB = 10
	if err := s.authenticate("alerts@t.onmicrosoft.com", "password"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := s.Mail("<alerts@t.onmicrosoft.com>", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := s.Rcpt("<user@example.com>", nil); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}

	raw := strings.Repeat("a", 1024)
	if err := s.Data(strings.NewReader(raw)); err == nil {
		t.Fatal("expected an oversized message to be rejected")
	}
	if s.mailSeen {
		t.Error("expected the transaction to be reset after a size rejection")
	}
}

func TestAddressMatchesUser(t *testing.T) {
	cases := []struct {
		addr, user string
		want       bool
	}{
		{"<Alerts@T.onmicrosoft.com>", "alerts@t.onmicrosoft.com", true},
		{"<other@t.onmicrosoft.com>", "alerts@t.onmicrosoft.com", false},
	}
	for _, c := range cases {
		if got := addressMatchesUser(c.addr, c.user); got != c.want {
			t.Errorf("addressMatchesUser(%q, %q) = %v, want %v", c.addr, c.user, got, c.want)
		}
	}
}

func TestDomainOf(t *testing.T) {
	if got := domainOf("<user@example.com>"); got != "example.com" {
		t.Errorf("domainOf: got %q", got)
	}
	if got := domainOf("<invalid>"); got != "" {
		t.Errorf("domainOf should return empty for an address with no domain, got %q", got)
	}
}
