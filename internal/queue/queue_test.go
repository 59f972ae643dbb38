package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/infodancer/m365proxy/internal/graph"
	"github.com/infodancer/m365proxy/internal/reachability"
)

func discardLoggerForTest() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	calls   int
	class   graph.ErrorClass
	err     error
	reached func()
}

func (f *fakeSender) Send(ctx context.Context, from string, rawMIME []byte) (graph.ErrorClass, error) {
	f.calls++
	if f.reached != nil {
		f.reached()
	}
	return f.class, f.err
}

func TestFingerprintStableAcrossRecipientOrder(t *testing.T) {
	a := Entry{From: "x@y.com", To: []string{"b@y.com", "a@y.com"}, RawMIME: []byte("hi")}
	b := Entry{From: "x@y.com", To: []string{"a@y.com", "b@y.com"}, RawMIME: []byte("hi")}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint should not depend on recipient order")
	}
}

func TestFingerprintDiffersOnBody(t *testing.T) {
	a := Entry{From: "x@y.com", To: []string{"a@y.com"}, RawMIME: []byte("hi")}
	b := Entry{From: "x@y.com", To: []string{"a@y.com"}, RawMIME: []byte("bye")}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should differ when the body differs")
	}
}

func TestEnqueueWritesDurableFile(t *testing.T) {
	dir := t.TempDir()
	q, err := New(dir, &fakeSender{}, reachability.New(nil, nil, nil), nil, discardLoggerForTest(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := q.Enqueue(Entry{From: "a@b.com", To: []string{"c@d.com"}, RawMIME: []byte("body")}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	names, err := q.pendingNames()
	if err != nil {
		t.Fatalf("pendingNames: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("expected 1 pending entry, got %d", len(names))
	}

	entry, err := loadEntry(filepath.Join(dir, names[0]))
	if err != nil {
		t.Fatalf("loadEntry: %v", err)
	}
	if entry.From != "a@b.com" || len(entry.To) != 1 || entry.To[0] != "c@d.com" {
		t.Fatalf("unexpected round-tripped entry: %+v", entry)
	}
}

func TestFlushOneDeliversAndRemovesFile(t *testing.T) {
	dir := t.TempDir()
	sender := &fakeSender{class: graph.ClassOK}
	q, err := New(dir, sender, reachability.New(nil, nil, nil), nil, discardLoggerForTest(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := q.Enqueue(Entry{From: "a@b.com", To: []string{"c@d.com"}, RawMIME: []byte("body")}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	sent, _, err := q.flushOne(context.Background())
	if err != nil {
		t.Fatalf("flushOne: %v", err)
	}
	if !sent {
		t.Fatal("expected flushOne to report sent=true")
	}
	if sender.calls != 1 {
		t.Fatalf("expected exactly one send call, got %d", sender.calls)
	}
	if q.Depth() != 0 {
		t.Fatalf("expected queue depth 0 after delivery, got %d", q.Depth())
	}
}

func TestFlushOnePermanentErrorMovesToFailed(t *testing.T) {
	dir := t.TempDir()
	sender := &fakeSender{class: graph.ClassPermanent, err: errors.New("rejected recipient")}
	q, err := New(dir, sender, reachability.New(nil, nil, nil), nil, discardLoggerForTest(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := q.Enqueue(Entry{From: "a@b.com", To: []string{"c@d.com"}, RawMIME: []byte("body")}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, _, err := q.flushOne(context.Background()); err != nil {
		t.Fatalf("flushOne: %v", err)
	}

	if q.Depth() != 0 {
		t.Fatalf("expected entry removed from pending, got depth %d", q.Depth())
	}
	failed, err := os.ReadDir(filepath.Join(dir, "failed"))
	if err != nil {
		t.Fatalf("reading failed dir: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 entry in failed/, got %d", len(failed))
	}
}

func TestFlushOneRetryableErrorRequeues(t *testing.T) {
	dir := t.TempDir()
	sender := &fakeSender{class: graph.ClassRetryable, err: errors.New("throttled")}
	q, err := New(dir, sender, reachability.New(nil, nil, nil), nil, discardLoggerForTest(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := q.Enqueue(Entry{From: "a@b.com", To: []string{"c@d.com"}, RawMIME: []byte("body")}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	sent, _, err := q.flushOne(context.Background())
	if err != nil {
		t.Fatalf("flushOne: %v", err)
	}
	if sent {
		t.Fatal("a retryable failure should not report sent=true")
	}
	if q.Depth() != 1 {
		t.Fatalf("expected the entry to remain pending for retry, got depth %d", q.Depth())
	}
}

func TestRecoverSendingRestoresCrashedEntry(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "failed"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	entry := Entry{From: "a@b.com", To: []string{"c@d.com"}, RawMIME: []byte("body")}
	if err := saveEntry(filepath.Join(dir, "1-abc.sending"), entry); err != nil {
		t.Fatalf("saveEntry: %v", err)
	}

	q, err := New(dir, &fakeSender{class: graph.ClassOK}, reachability.New(nil, nil, nil), nil, discardLoggerForTest(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.recoverSending()

	if q.Depth() != 1 {
		t.Fatalf("expected recovered entry to be pending, got depth %d", q.Depth())
	}
}

func TestRedisDedupSeenRecord(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()

	d := NewRedisDedup(mr.Addr(), 0, discardLoggerForTest())
	defer d.Close()

	fp := "deadbeef"
	if d.Seen(fp) {
		t.Fatal("fingerprint should not be seen before Record")
	}
	d.Record(fp)
	if !d.Seen(fp) {
		t.Fatal("fingerprint should be seen after Record")
	}
}
