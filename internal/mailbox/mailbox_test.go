package mailbox

import (
	"testing"

	"github.com/infodancer/m365proxy/internal/config"
)

// knownHash is a published bcrypt test vector for the password "password".
const knownHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Mailboxes = []config.MailboxRecord{
		{
			Username:           "alerts@t.onmicrosoft.com",
			PasswordHash:       knownHash,
			MarkReadAfterFetch: true,
		},
		{
			Username:     "scanner@t.onmicrosoft.com",
			PasswordHash: knownHash,
			SourceFolder: "Scans",
		},
	}
	return &cfg
}

func TestAuthenticateSucceedsWithCorrectPassword(t *testing.T) {
	a := New(testConfig())
	mb, err := a.Authenticate("Alerts@T.onmicrosoft.com", "password")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mb.SourceFolder != "Inbox" {
		t.Errorf("expected default source folder Inbox, got %q", mb.SourceFolder)
	}
	if !mb.MarkReadAfterFetch {
		t.Error("expected MarkReadAfterFetch to be carried from config")
	}
}

func TestAuthenticateFailsWithWrongPassword(t *testing.T) {
	a := New(testConfig())
	if _, err := a.Authenticate("alerts@t.onmicrosoft.com", "wrong"); err != ErrBadPassword {
		t.Fatalf("expected ErrBadPassword, got %v", err)
	}
}

func TestAuthenticateFailsForUnknownUser(t *testing.T) {
	a := New(testConfig())
	if _, err := a.Authenticate("nobody@t.onmicrosoft.com", "password"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFromRecordUsesConfiguredSourceFolder(t *testing.T) {
	a := New(testConfig())
	mb, err := a.Authenticate("scanner@t.onmicrosoft.com", "password")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mb.SourceFolder != "Scans" {
		t.Errorf("expected source folder Scans, got %q", mb.SourceFolder)
	}
}
