package pop3

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/infodancer/m365proxy/internal/config"
	"github.com/infodancer/m365proxy/internal/mailbox"
	"github.com/infodancer/m365proxy/internal/metrics"
	"github.com/infodancer/m365proxy/internal/server"
)

// knownHash is a published bcrypt test vector for the password "password".
const knownHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServer() *Server {
	cfg := config.Default()
	cfg.Mailboxes = []config.MailboxRecord{
		{Username: "alerts@t.onmicrosoft.com", PasswordHash: knownHash},
	}
	return New(Server{
		Hostname:  "gateway.example.com",
		Mailboxes: mailbox.New(&cfg),
		Collector: &metrics.NoopCollector{},
		Logger:    discardLogger(),
	})
}

// newPipedSession wires a session to one end of a net.Pipe, returning the
// peer conn a test drives directly (writes commands, reads replies).
func newPipedSession(t *testing.T) (*session, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })

	conn := server.NewConnection(serverSide, server.ConnectionConfig{Logger: discardLogger()})
	return &session{
		server: testServer(),
		conn:   conn,
		logger: discardLogger(),
	}, clientSide
}

func TestCmdUserSetsPendingUser(t *testing.T) {
	s, _ := newPipedSession(t)
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := s.cmdUser(w, "alerts@t.onmicrosoft.com"); err != nil {
		t.Fatalf("cmdUser: %v", err)
	}
	if s.pendingUser != "alerts@t.onmicrosoft.com" {
		t.Fatalf("unexpected pendingUser %q", s.pendingUser)
	}
	if got := buf.String(); got != "+OK send PASS\r\n" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestCmdPassRequiresUserFirst(t *testing.T) {
	s, _ := newPipedSession(t)
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := s.cmdPass(t.Context(), w, "password"); err != nil {
		t.Fatalf("cmdPass: %v", err)
	}
	if got := buf.String(); got != "-ERR USER required first\r\n" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestCmdPassWrongPassword(t *testing.T) {
	s, _ := newPipedSession(t)
	s.pendingUser = "alerts@t.onmicrosoft.com"
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := s.cmdPass(t.Context(), w, "wrong"); err != nil {
		t.Fatalf("cmdPass: %v", err)
	}
	if got := buf.String(); got != "-ERR authentication failed\r\n" {
		t.Fatalf("unexpected reply %q", got)
	}
	if s.state != stateAuthorization {
		t.Fatal("expected state to remain AUTHORIZATION after a failed PASS")
	}
	if s.authFailures != 1 {
		t.Fatalf("expected authFailures 1, got %d", s.authFailures)
	}
}

func TestCmdStlsNotAvailableWhenUnconfigured(t *testing.T) {
	s, _ := newPipedSession(t)
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := s.cmdStls(w); err != nil {
		t.Fatalf("cmdStls: %v", err)
	}
	if got := buf.String(); got != "-ERR STLS not available\r\n" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestCmdStlsRejectsWhenAlreadyImplicitTLS(t *testing.T) {
	s, _ := newPipedSession(t)
	s.implicitTLS = true
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := s.cmdStls(w); err != nil {
		t.Fatalf("cmdStls: %v", err)
	}
	if got := buf.String(); got != "-ERR already using TLS\r\n" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestCmdCapaListsCapabilitiesWithoutStls(t *testing.T) {
	s, _ := newPipedSession(t)
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := s.cmdCapa(w); err != nil {
		t.Fatalf("cmdCapa: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"+OK\r\n", "USER\r\n", "UIDL\r\n", "TOP\r\n", "SASL PLAIN LOGIN\r\n", ".\r\n"} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Fatalf("expected CAPA output to contain %q, got %q", want, out)
		}
	}
	if bytes.Contains([]byte(out), []byte("STLS\r\n")) {
		t.Fatal("STLS should not be advertised when no TLS config is present")
	}
}

// runSASLPlainExchange drives a full AUTH PLAIN round trip over a net.Pipe:
// the server side runs driveSASL via runSASLPlain, the client side replies
// with a single base64 "identity\0user\0pass" response.
func runSASLPlainExchange(t *testing.T, s *session, clientSide net.Conn, response string) saslResult {
	t.Helper()
	type outcome struct {
		result saslResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		w := s.conn.Writer()
		res, err := s.runSASLPlain(w)
		_ = w.Flush()
		done <- outcome{res, err}
	}()

	reader := bufio.NewReader(clientSide)
	// Consume the "+ <base64 challenge>" line the server writes.
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("reading challenge: %v", err)
	}
	if _, err := clientSide.Write([]byte(response + "\r\n")); err != nil {
		t.Fatalf("writing response: %v", err)
	}

	select {
	case o := <-done:
		if o.err != nil {
			t.Fatalf("runSASLPlain: %v", o.err)
		}
		return o.result
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SASL exchange")
		return saslResult{}
	}
}

func TestDriveSASLPlainSuccess(t *testing.T) {
	s, clientSide := newPipedSession(t)
	creds := base64.StdEncoding.EncodeToString([]byte("\x00alerts@t.onmicrosoft.com\x00password"))
	result := runSASLPlainExchange(t, s, clientSide, creds)
	if result.aborted {
		t.Fatal("expected a completed exchange, not an abort")
	}
	if result.username != "alerts@t.onmicrosoft.com" || result.password != "password" {
		t.Fatalf("unexpected credentials: %+v", result)
	}
}

func TestDriveSASLAbortsOnStar(t *testing.T) {
	s, clientSide := newPipedSession(t)
	result := runSASLPlainExchange(t, s, clientSide, "*")
	if !result.aborted {
		t.Fatal("expected the client's '*' to abort the exchange")
	}
}

func TestDriveSASLAbortsOnMalformedBase64(t *testing.T) {
	s, clientSide := newPipedSession(t)
	result := runSASLPlainExchange(t, s, clientSide, "not-valid-base64!!")
	if !result.aborted {
		t.Fatal("expected malformed base64 to be treated as an abort, not a hard error")
	}
}

// --- TRANSACTION-state command tests; these never touch Graph since they
// operate purely on the frozen in-memory message list. ---

func transactionSession() *session {
	return &session{
		server: testServer(),
		logger: discardLogger(),
		state:  stateTransaction,
		mbox:   mailbox.Mailbox{Username: "alerts@t.onmicrosoft.com"},
		messages: []message{
			{index: 1, id: "msg-1", size: 100},
			{index: 2, id: "msg-2", size: 200},
		},
	}
}

func TestCmdStat(t *testing.T) {
	s := transactionSession()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := s.cmdStat(w); err != nil {
		t.Fatalf("cmdStat: %v", err)
	}
	if got := buf.String(); got != "+OK 2 300\r\n" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestCmdStatExcludesDeleted(t *testing.T) {
	s := transactionSession()
	s.messages[0].deleted = true
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := s.cmdStat(w); err != nil {
		t.Fatalf("cmdStat: %v", err)
	}
	if got := buf.String(); got != "+OK 1 200\r\n" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestCmdListSingleMessage(t *testing.T) {
	s := transactionSession()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := s.cmdList(w, "2"); err != nil {
		t.Fatalf("cmdList: %v", err)
	}
	if got := buf.String(); got != "+OK 2 200\r\n" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestCmdListUnknownMessage(t *testing.T) {
	s := transactionSession()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := s.cmdList(w, "99"); err != nil {
		t.Fatalf("cmdList: %v", err)
	}
	if got := buf.String(); got != "-ERR no such message\r\n" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestCmdUidl(t *testing.T) {
	s := transactionSession()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := s.cmdUidl(w, "1"); err != nil {
		t.Fatalf("cmdUidl: %v", err)
	}
	if got := buf.String(); got != "+OK 1 msg-1\r\n" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestCmdDeleThenRset(t *testing.T) {
	s := transactionSession()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := s.cmdDele(w, "1"); err != nil {
		t.Fatalf("cmdDele: %v", err)
	}
	if !s.messages[0].deleted {
		t.Fatal("expected message 1 to be marked deleted")
	}

	buf.Reset()
	if err := s.cmdDele(w, "1"); err != nil {
		t.Fatalf("cmdDele (second time): %v", err)
	}
	if got := buf.String(); got != "-ERR message already deleted\r\n" {
		t.Fatalf("unexpected reply %q", got)
	}

	buf.Reset()
	if err := s.cmdRset(w); err != nil {
		t.Fatalf("cmdRset: %v", err)
	}
	if s.messages[0].deleted {
		t.Fatal("expected RSET to undelete message 1")
	}
}

func TestLookupRejectsDeletedMessage(t *testing.T) {
	s := transactionSession()
	s.messages[0].deleted = true
	if _, err := s.lookup("1"); err == nil {
		t.Fatal("expected lookup of a deleted message to fail")
	}
}

func TestDispatchRejectsTransactionCommandsBeforeAuth(t *testing.T) {
	s, clientSide := newPipedSession(t)
	// dispatch writes its reply straight to the piped connection, which is
	// unbuffered, so a reader must be draining the other end concurrently.
	replies := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(clientSide).ReadString('\n')
		replies <- line
		_, _ = io.Copy(io.Discard, clientSide)
	}()

	quit, err := s.dispatch(t.Context(), "STAT", "")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if quit {
		t.Fatal("STAT should never quit the session")
	}
	select {
	case got := <-replies:
		if got != "-ERR unknown command in AUTHORIZATION state\r\n" {
			t.Fatalf("unexpected reply %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the STAT reply")
	}
}

// --- pure helpers ---

func TestSplitCommand(t *testing.T) {
	cases := []struct{ in, cmd, arg string }{
		{"USER alerts@t.onmicrosoft.com", "USER", "alerts@t.onmicrosoft.com"},
		{"QUIT", "QUIT", ""},
		{"  TOP 1 5  ", "TOP", "1 5"},
	}
	for _, c := range cases {
		cmd, arg := splitCommand(c.in)
		if cmd != c.cmd || arg != c.arg {
			t.Errorf("splitCommand(%q) = (%q, %q), want (%q, %q)", c.in, cmd, arg, c.cmd, c.arg)
		}
	}
}

func TestWriteDotStuffed(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	raw := []byte("Subject: hi\r\n.leading dot\r\nbody\r\n")
	if err := writeDotStuffed(w, raw); err != nil {
		t.Fatalf("writeDotStuffed: %v", err)
	}
	want := "Subject: hi\r\n..leading dot\r\nbody\r\n.\r\n"
	if got := buf.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestHeaderPlusLines(t *testing.T) {
	raw := []byte("Subject: hi\r\n\r\nline1\nline2\nline3\n")
	got := string(headerPlusLines(raw, 2))
	want := "Subject: hi\r\n\r\nline1\nline2\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestHeaderPlusLinesNoBodySeparator(t *testing.T) {
	raw := []byte("no headers here")
	if got := string(headerPlusLines(raw, 2)); got != "no headers here" {
		t.Fatalf("expected the raw message back unchanged, got %q", got)
	}
}
