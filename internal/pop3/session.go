package pop3

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/infodancer/m365proxy/internal/graph"
	"github.com/infodancer/m365proxy/internal/mailbox"
	"github.com/infodancer/m365proxy/internal/server"
)

// maxAuthFailures closes the connection after this many consecutive
// failed authentication attempts, mirroring the SMTP engine's policy
// (§4.5, applied to POP3 by §4.6).
const maxAuthFailures = 3

type state int

const (
	stateAuthorization state = iota
	stateTransaction
)

// message is one entry in the frozen session-list built once on entering
// TRANSACTION (§4.6, §9): new mail never appears mid-session.
type message struct {
	index   int // 1-based, per RFC 1939
	id      string
	size    int64
	deleted bool
	cached  []byte // raw MIME, fetched lazily and reused by RETR/TOP
}

// session drives one POP3 connection's command loop.
type session struct {
	server      *Server
	conn        *server.Connection
	implicitTLS bool
	logger      *slog.Logger

	state        state
	authFailures int
	pendingUser  string
	mbox         mailbox.Mailbox

	messages []message
}

func (s *session) run(ctx context.Context) {
	w := s.conn.Writer()
	s.reply(w, "+OK %s POP3 service ready", s.server.Hostname)

	for {
		if err := s.conn.ResetIdleTimeout(); err != nil {
			return
		}
		line, err := s.readLine()
		if err != nil {
			return
		}
		if line == "" {
			continue
		}

		cmd, arg := splitCommand(line)
		quit, err := s.dispatch(ctx, strings.ToUpper(cmd), arg)
		if err != nil {
			s.logger.Debug("pop3 command error", slog.String("cmd", cmd), slog.String("error", err.Error()))
		}
		if quit {
			return
		}
	}
}

func (s *session) dispatch(ctx context.Context, cmd, arg string) (quit bool, err error) {
	w := s.conn.Writer()

	switch cmd {
	case "USER":
		return false, s.cmdUser(w, arg)
	case "PASS":
		return false, s.cmdPass(ctx, w, arg)
	case "AUTH":
		return false, s.cmdAuth(ctx, w, arg)
	case "STLS":
		return false, s.cmdStls(w)
	case "CAPA":
		return false, s.cmdCapa(w)
	case "NOOP":
		s.reply(w, "+OK")
		return false, nil
	case "QUIT":
		s.cmdQuit(ctx, w)
		return true, nil
	}

	if s.state != stateTransaction {
		s.reply(w, "-ERR unknown command in AUTHORIZATION state")
		return false, nil
	}

	switch cmd {
	case "STAT":
		return false, s.cmdStat(w)
	case "LIST":
		return false, s.cmdList(w, arg)
	case "UIDL":
		return false, s.cmdUidl(w, arg)
	case "RETR":
		return false, s.cmdRetr(ctx, w, arg)
	case "TOP":
		return false, s.cmdTop(ctx, w, arg)
	case "DELE":
		return false, s.cmdDele(w, arg)
	case "RSET":
		return false, s.cmdRset(w)
	default:
		s.reply(w, "-ERR unknown command")
		return false, nil
	}
}

// --- AUTHORIZATION state ---

func (s *session) cmdUser(w *bufio.Writer, arg string) error {
	if s.state != stateAuthorization || arg == "" {
		s.reply(w, "-ERR invalid state or missing username")
		return nil
	}
	s.pendingUser = arg
	s.reply(w, "+OK send PASS")
	return nil
}

func (s *session) cmdPass(ctx context.Context, w *bufio.Writer, arg string) error {
	if s.state != stateAuthorization || s.pendingUser == "" {
		s.reply(w, "-ERR USER required first")
		return nil
	}
	return s.authenticate(ctx, w, s.pendingUser, arg)
}

func (s *session) authenticate(ctx context.Context, w *bufio.Writer, username, password string) error {
	mbox, err := s.server.Mailboxes.Authenticate(username, password)
	if err != nil {
		s.authFailures++
		s.server.Collector.AuthAttempt("pop3", false)
		s.reply(w, "-ERR authentication failed")
		if s.authFailures >= maxAuthFailures {
			s.logger.Warn("closing pop3 connection after repeated AUTH failures")
			_ = s.conn.Flush()
			_ = s.conn.Close()
		}
		return nil
	}

	s.mbox = mbox
	s.authFailures = 0
	s.server.Collector.AuthAttempt("pop3", true)

	if err := s.enterTransaction(ctx); err != nil {
		s.logger.Warn("failed to list messages", slog.String("error", err.Error()))
		s.reply(w, "-ERR mailbox temporarily unavailable")
		return nil
	}

	s.reply(w, "+OK %s has %d message(s)", mbox.Username, len(s.messages))
	return nil
}

// enterTransaction builds the frozen session-stable message list (§4.6).
func (s *session) enterTransaction(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	msgs, _, err := s.server.Graph.ListMessages(callCtx, s.mbox.Username, s.mbox.SourceFolder, time.Time{})
	if err != nil {
		return err
	}

	s.messages = make([]message, len(msgs))
	for i, m := range msgs {
		s.messages[i] = message{index: i + 1, id: m.ID, size: m.Size}
	}
	s.state = stateTransaction
	return nil
}

func (s *session) cmdAuth(ctx context.Context, w *bufio.Writer, arg string) error {
	if s.state != stateAuthorization {
		s.reply(w, "-ERR already authenticated")
		return nil
	}

	mech := strings.ToUpper(strings.TrimSpace(arg))
	var result saslResult
	var err error

	switch mech {
	case "PLAIN":
		result, err = s.runSASLPlain(w)
	case "LOGIN":
		result, err = s.runSASLLogin(w)
	default:
		s.reply(w, "-ERR unsupported SASL mechanism")
		return nil
	}
	if err != nil {
		return err
	}
	if result.aborted {
		s.reply(w, "-ERR authentication cancelled")
		return nil
	}
	return s.authenticate(ctx, w, result.username, result.password)
}

func (s *session) cmdStls(w *bufio.Writer) error {
	if s.implicitTLS || s.conn.IsTLS() {
		s.reply(w, "-ERR already using TLS")
		return nil
	}
	if s.server.TLSConfig == nil {
		s.reply(w, "-ERR STLS not available")
		return nil
	}
	s.reply(w, "+OK begin TLS negotiation")
	if err := s.conn.Flush(); err != nil {
		return err
	}
	if err := s.conn.UpgradeToTLS(s.server.TLSConfig); err != nil {
		s.logger.Warn("STLS handshake failed", slog.String("error", err.Error()))
		return err
	}
	s.server.Collector.TLSUpgraded("pop3")

	// RFC 2595: discard any cached USER/PASS state; the client must
	// re-authenticate on the now-encrypted channel (§4.6, mirrors SMTP's
	// STARTTLS reset policy in §4.5).
	s.pendingUser = ""
	s.authFailures = 0
	s.state = stateAuthorization
	s.mbox = mailbox.Mailbox{}
	s.messages = nil
	return nil
}

func (s *session) cmdCapa(w *bufio.Writer) error {
	s.reply(w, "+OK")
	fmt.Fprintf(w, "USER\r\n")
	fmt.Fprintf(w, "UIDL\r\n")
	fmt.Fprintf(w, "TOP\r\n")
	fmt.Fprintf(w, "SASL PLAIN LOGIN\r\n")
	if !s.implicitTLS && !s.conn.IsTLS() && s.server.TLSConfig != nil {
		fmt.Fprintf(w, "STLS\r\n")
	}
	fmt.Fprintf(w, ".\r\n")
	return w.Flush()
}

// --- TRANSACTION state ---

func (s *session) cmdStat(w *bufio.Writer) error {
	count, total := 0, int64(0)
	for _, m := range s.messages {
		if m.deleted {
			continue
		}
		count++
		total += m.size
	}
	s.reply(w, "+OK %d %d", count, total)
	return nil
}

func (s *session) cmdList(w *bufio.Writer, arg string) error {
	if arg == "" {
		s.reply(w, "+OK")
		for _, m := range s.messages {
			if m.deleted {
				continue
			}
			fmt.Fprintf(w, "%d %d\r\n", m.index, m.size)
		}
		fmt.Fprintf(w, ".\r\n")
		return w.Flush()
	}

	m, err := s.lookup(arg)
	if err != nil {
		s.reply(w, "-ERR %s", err)
		return nil
	}
	s.reply(w, "+OK %d %d", m.index, m.size)
	return nil
}

func (s *session) cmdUidl(w *bufio.Writer, arg string) error {
	if arg == "" {
		s.reply(w, "+OK")
		for _, m := range s.messages {
			if m.deleted {
				continue
			}
			fmt.Fprintf(w, "%d %s\r\n", m.index, m.id)
		}
		fmt.Fprintf(w, ".\r\n")
		return w.Flush()
	}

	m, err := s.lookup(arg)
	if err != nil {
		s.reply(w, "-ERR %s", err)
		return nil
	}
	s.reply(w, "+OK %d %s", m.index, m.id)
	return nil
}

func (s *session) cmdRetr(ctx context.Context, w *bufio.Writer, arg string) error {
	idx, err := strconv.Atoi(arg)
	if err != nil || idx < 1 || idx > len(s.messages) {
		s.reply(w, "-ERR no such message")
		return nil
	}
	m := &s.messages[idx-1]
	if m.deleted {
		s.reply(w, "-ERR message deleted")
		return nil
	}

	raw, err := s.fetch(ctx, m)
	if err != nil {
		s.reply(w, "-ERR message unavailable")
		return nil
	}
	s.markReadIfConfigured(ctx, m)

	s.reply(w, "+OK %d octets", len(raw))
	return writeDotStuffed(w, raw)
}

// markReadIfConfigured applies the mailbox's mark-read-after-fetch policy
// immediately on RETR, independent of whether the client later sends DELE
// (DELE-driven mark-read happens separately at QUIT). Failures are logged,
// not surfaced, since the client already has its copy of the message.
func (s *session) markReadIfConfigured(ctx context.Context, m *message) {
	if !s.mbox.MarkReadAfterFetch {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if _, err := s.server.Graph.MarkRead(callCtx, s.mbox.Username, m.id); err != nil {
		s.logger.Warn("mark-read-after-fetch failed", slog.String("id", m.id), slog.String("error", err.Error()))
	}
}

func (s *session) cmdTop(ctx context.Context, w *bufio.Writer, arg string) error {
	parts := strings.Fields(arg)
	if len(parts) != 2 {
		s.reply(w, "-ERR usage: TOP msg n")
		return nil
	}
	idx, err1 := strconv.Atoi(parts[0])
	n, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || n < 0 || idx < 1 || idx > len(s.messages) {
		s.reply(w, "-ERR invalid arguments")
		return nil
	}
	m := &s.messages[idx-1]
	if m.deleted {
		s.reply(w, "-ERR message deleted")
		return nil
	}

	raw, err := s.fetch(ctx, m)
	if err != nil {
		s.reply(w, "-ERR message unavailable")
		return nil
	}

	s.reply(w, "+OK")
	return writeDotStuffed(w, headerPlusLines(raw, n))
}

func (s *session) cmdDele(w *bufio.Writer, arg string) error {
	idx, err := strconv.Atoi(arg)
	if err != nil || idx < 1 || idx > len(s.messages) {
		s.reply(w, "-ERR no such message")
		return nil
	}
	m := &s.messages[idx-1]
	if m.deleted {
		s.reply(w, "-ERR message already deleted")
		return nil
	}
	m.deleted = true
	s.reply(w, "+OK message %d deleted", m.index)
	return nil
}

func (s *session) cmdRset(w *bufio.Writer) error {
	for i := range s.messages {
		s.messages[i].deleted = false
	}
	s.reply(w, "+OK")
	return nil
}

// cmdQuit enters UPDATE (§4.6): for each index marked DELE during this
// session, mark-read and, when the mailbox is configured for it,
// delete. Errors are logged but never block closing the connection —
// the client has already committed by sending QUIT.
func (s *session) cmdQuit(ctx context.Context, w *bufio.Writer) {
	if s.state == stateTransaction {
		callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()

		for _, m := range s.messages {
			if !m.deleted {
				continue
			}
			if _, err := s.server.Graph.MarkRead(callCtx, s.mbox.Username, m.id); err != nil {
				s.logger.Warn("mark-read failed during UPDATE", slog.String("id", m.id), slog.String("error", err.Error()))
			}
			if s.mbox.DeleteAfterFetch {
				if _, err := s.server.Graph.Delete(callCtx, s.mbox.Username, m.id); err != nil {
					s.logger.Warn("delete failed during UPDATE", slog.String("id", m.id), slog.String("error", err.Error()))
				}
			}
		}
	}
	s.reply(w, "+OK goodbye")
}

// --- helpers ---

func (s *session) lookup(arg string) (*message, error) {
	idx, err := strconv.Atoi(arg)
	if err != nil || idx < 1 || idx > len(s.messages) {
		return nil, errors.New("no such message")
	}
	m := &s.messages[idx-1]
	if m.deleted {
		return nil, errors.New("message deleted")
	}
	return m, nil
}

func (s *session) fetch(ctx context.Context, m *message) ([]byte, error) {
	if m.cached != nil {
		return m.cached, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	start := time.Now()
	raw, class, err := s.server.Graph.FetchMIME(callCtx, s.mbox.Username, m.id)
	s.server.Collector.GraphCallCompleted("fetchMime", class.String(), time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	m.cached = raw
	if class == graph.ClassOK {
		m.size = int64(len(raw))
	}
	return raw, nil
}

func (s *session) reply(w *bufio.Writer, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
	fmt.Fprint(w, "\r\n")
	_ = w.Flush()
}

func (s *session) readLine() (string, error) {
	line, err := s.conn.Reader().ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func splitCommand(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	idx := strings.IndexByte(line, ' ')
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimSpace(line[idx+1:])
}

// writeDotStuffed streams raw as a POP3 multi-line response: lines
// starting with '.' are escaped with a leading extra '.', and the
// response ends with the standalone "." terminator (§4.6, mirrors the
// dot-stuffing RFC 5321 already requires for SMTP DATA).
func writeDotStuffed(w *bufio.Writer, raw []byte) error {
	reader := bufio.NewReader(bytes.NewReader(raw))
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := strings.TrimRight(string(line), "\r\n")
			if strings.HasPrefix(trimmed, ".") {
				w.WriteByte('.')
			}
			w.WriteString(trimmed)
			w.WriteString("\r\n")
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}
	w.WriteString(".\r\n")
	return w.Flush()
}

// headerPlusLines returns raw's headers (up to and including the blank
// line separating headers from body) plus the first n lines of the body,
// for TOP (§4.6).
func headerPlusLines(raw []byte, n int) []byte {
	sep := []byte("\r\n\r\n")
	idx := indexOf(raw, sep)
	if idx < 0 {
		return raw
	}
	headers := raw[:idx+len(sep)]
	body := raw[idx+len(sep):]

	lines := strings.SplitAfter(string(body), "\n")
	if n > len(lines) {
		n = len(lines)
	}
	return append(append([]byte{}, headers...), []byte(strings.Join(lines[:n], ""))...)
}

func indexOf(haystack, needle []byte) int {
	return strings.Index(string(haystack), string(needle))
}
