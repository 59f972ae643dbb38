package pop3

import (
	"bufio"
	"encoding/base64"
	"fmt"

	"github.com/emersion/go-sasl"
)

// saslResult carries the outcome of a POP3 AUTH PLAIN/LOGIN exchange back
// to the caller for the usual mailbox.Allowlist.Authenticate check (§4.6).
type saslResult struct {
	username string
	password string
	aborted  bool
}

// runSASLPlain drives RFC 5034's AUTH PLAIN challenge-response loop on top
// of go-sasl's PLAIN server, the same mechanism implementation the SMTP
// engine uses (internal/smtp/session.go) so both protocols share one
// credential-parsing path.
func (s *session) runSASLPlain(w *bufio.Writer) (saslResult, error) {
	var result saslResult
	srv := sasl.NewPlainServer(func(identity, username, password string) error {
		result.username = username
		result.password = password
		return nil
	})
	return s.driveSASL(w, srv, &result)
}

// runSASLLogin drives RFC 5034's AUTH LOGIN exchange on go-sasl's LOGIN
// server.
func (s *session) runSASLLogin(w *bufio.Writer) (saslResult, error) {
	var result saslResult
	srv := sasl.NewLoginServer(func(username, password string) error {
		result.username = username
		result.password = password
		return nil
	})
	return s.driveSASL(w, srv, &result)
}

// driveSASL runs the "+ base64-challenge" / client-response loop until the
// mechanism reports done, the client sends "*" to abort (RFC 5034), or an
// I/O error occurs.
func (s *session) driveSASL(w *bufio.Writer, srv sasl.Server, result *saslResult) (saslResult, error) {
	challenge, done, err := srv.Next(nil)
	for {
		if err != nil {
			return saslResult{aborted: true}, nil
		}
		if done {
			return *result, nil
		}

		fmt.Fprintf(w, "+ %s\r\n", base64.StdEncoding.EncodeToString(challenge))
		if ferr := w.Flush(); ferr != nil {
			return saslResult{}, ferr
		}

		line, rerr := s.readLine()
		if rerr != nil {
			return saslResult{}, rerr
		}
		if line == "*" {
			return saslResult{aborted: true}, nil
		}

		decoded, derr := base64.StdEncoding.DecodeString(line)
		if derr != nil {
			return saslResult{aborted: true}, nil
		}

		challenge, done, err = srv.Next(decoded)
	}
}
