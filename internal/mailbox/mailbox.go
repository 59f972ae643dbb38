// Package mailbox implements the mailbox allowlist shared by the SMTP and
// POP3 session engines: credential verification and the per-mailbox
// capability flags described in spec §9 ("per-mailbox polymorphism").
package mailbox

import (
	"errors"

	"github.com/infodancer/m365proxy/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// ErrNotFound is returned when a username has no allowlist entry.
var ErrNotFound = errors.New("mailbox: not found")

// ErrBadPassword is returned when the supplied password does not match the
// stored hash.
var ErrBadPassword = errors.New("mailbox: bad password")

// Mailbox is the effective identity a session authenticates as: the
// client-visible allowlist record plus the Graph principal it acts on
// behalf of. Shared mailboxes are addressed through the upstream user's
// token using Send-As/Send-on-Behalf semantics; Username is the envelope
// identity either way.
type Mailbox struct {
	Username           string
	SourceFolder       string
	MarkReadAfterFetch bool
	DeleteAfterFetch   bool
}

// Allowlist verifies credentials and resolves capability flags against a
// Config snapshot. It holds no mutable state and is safe for concurrent use
// by every session.
type Allowlist struct {
	cfg *config.Config
}

// New returns an Allowlist backed by cfg's mailbox records.
func New(cfg *config.Config) *Allowlist {
	return &Allowlist{cfg: cfg}
}

// Authenticate checks username/password against the allowlist using a
// constant-time bcrypt comparison (mirrors foxcpp-maddy's pass_table
// verifyBcrypt). Returns ErrNotFound if the username is unknown and
// ErrBadPassword if the password does not match; callers must not
// distinguish these in their wire-protocol reply (spec §4.5: AUTH failures
// are uniformly 535).
func (a *Allowlist) Authenticate(username, password string) (Mailbox, error) {
	rec, ok := a.cfg.FindMailbox(username)
	if !ok {
		return Mailbox{}, ErrNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)); err != nil {
		return Mailbox{}, ErrBadPassword
	}
	return fromRecord(rec), nil
}

func fromRecord(rec config.MailboxRecord) Mailbox {
	folder := rec.SourceFolder
	if folder == "" {
		folder = "Inbox"
	}
	return Mailbox{
		Username:           rec.Username,
		SourceFolder:       folder,
		MarkReadAfterFetch: rec.MarkReadAfterFetch,
		DeleteAfterFetch:   rec.DeleteAfterFetch,
	}
}
