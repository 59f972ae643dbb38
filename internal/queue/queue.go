// Package queue implements the Outbound Queue (C4): a durable FIFO of
// pending messages with a background flusher, reachability-gated resend,
// and a content-addressed dedup guard.
package queue

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/infodancer/m365proxy/internal/graph"
	"github.com/infodancer/m365proxy/internal/metrics"
	"github.com/infodancer/m365proxy/internal/reachability"
)

// recentSentWindow bounds the in-memory dedup set (§4.4).
const recentSentWindow = 1024

// maxBackoff caps the exponential retry delay (§4.4, §7).
const maxBackoff = 15 * time.Minute

// Entry is a single queued message (§3).
type Entry struct {
	From       string
	To         []string
	Cc         []string
	Bcc        []string
	RawMIME    []byte
	EnqueuedAt time.Time
	Attempts   int
	LastError  string
	// NextAttempt is the earliest time a retryable failure may be resent;
	// zero means eligible immediately. Persisted so the exponential backoff
	// (§4.4, §7) survives the entry being requeued between flush passes.
	NextAttempt time.Time
}

// Fingerprint computes the content-addressed dedup key over (sender,
// sorted recipients, raw MIME) named in §4.4.
func (e Entry) Fingerprint() string {
	recipients := append(append(append([]string{}, e.To...), e.Cc...), e.Bcc...)
	sort.Strings(recipients)

	h := sha256.New()
	h.Write([]byte(e.From))
	h.Write([]byte{0})
	for _, r := range recipients {
		h.Write([]byte(r))
		h.Write([]byte{0})
	}
	h.Write(e.RawMIME)
	return hex.EncodeToString(h.Sum(nil))
}

// DedupLog records recently delivered fingerprints so a crash between
// "Graph accepted" and "file removed" never causes a guaranteed duplicate
// when warm (§4.4, §9 Open Question). RedisDedup in redis.go is the
// durable implementation; memoryLog below is always present as the
// process-local fallback and first line of defense.
type DedupLog interface {
	Seen(fingerprint string) bool
	Record(fingerprint string)
}

// Sender is the subset of the Graph Client the flusher depends on.
type Sender interface {
	Send(ctx context.Context, from string, rawMIME []byte) (graph.ErrorClass, error)
}

// Queue owns the queue directory. Only its flusher goroutine mutates
// entries in place (§3 Ownership, §5).
type Queue struct {
	dir        string
	sender     Sender
	watcher    *reachability.Watcher
	logger     *slog.Logger
	collector  metrics.Collector
	memoryLog  *memoryDedup
	durableLog DedupLog // optional Redis-backed mirror; nil if unconfigured

	wakeCh chan struct{}
}

// New prepares a Queue rooted at dir. durable may be nil to use the
// in-memory-only dedup window. collector may be nil to disable metrics.
func New(dir string, sender Sender, watcher *reachability.Watcher, durable DedupLog, logger *slog.Logger, collector metrics.Collector) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	if err := os.MkdirAll(filepath.Join(dir, "failed"), 0o700); err != nil {
		return nil, fmt.Errorf("queue: creating %s: %w", dir, err)
	}
	return &Queue{
		dir:        dir,
		sender:     sender,
		watcher:    watcher,
		logger:     logger,
		collector:  collector,
		memoryLog:  newMemoryDedup(recentSentWindow),
		durableLog: durable,
		wakeCh:     make(chan struct{}, 1),
	}, nil
}

// Enqueue atomically appends entry to the queue directory: write to a
// `*.tmp` file then rename into place (§4.4). The filename encodes a
// monotonic sortable id so flush order is lexicographic-by-time.
func (q *Queue) Enqueue(entry Entry) error {
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}

	name := fmt.Sprintf("%d-%s.msg", entry.EnqueuedAt.UnixNano(), randomSuffix())
	tmpPath := filepath.Join(q.dir, name+".tmp")
	finalPath := filepath.Join(q.dir, name)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("queue: creating %s: %w", tmpPath, err)
	}
	if err := gob.NewEncoder(f).Encode(entry); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("queue: encoding entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("queue: syncing %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("queue: closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("queue: renaming into place: %w", err)
	}

	q.logger.Info("message enqueued", slog.String("file", name), slog.String("from", entry.From))
	q.collector.QueueDepthObserved(q.Depth())
	q.wake()
	return nil
}

// Depth returns the number of pending entries, for metrics.
func (q *Queue) Depth() int {
	names, _ := q.pendingNames()
	return len(names)
}

func (q *Queue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

func randomSuffix() string {
	var b [8]byte
	if _, err := readRandom(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b[:])
}

func loadEntry(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func saveEntry(path string, e Entry) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return err
	}
	tmp := path + ".rewrite.tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// memoryDedup is a fixed-capacity FIFO set of fingerprints.
type memoryDedup struct {
	mu    sync.Mutex
	cap   int
	order []string
	set   map[string]struct{}
}

func newMemoryDedup(capacity int) *memoryDedup {
	return &memoryDedup{cap: capacity, set: make(map[string]struct{}, capacity)}
}

func (d *memoryDedup) Seen(fp string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.set[fp]
	return ok
}

func (d *memoryDedup) Record(fp string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.set[fp]; ok {
		return
	}
	d.set[fp] = struct{}{}
	d.order = append(d.order, fp)
	if len(d.order) > d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.set, oldest)
	}
}
