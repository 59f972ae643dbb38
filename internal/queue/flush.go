package queue

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/infodancer/m365proxy/internal/graph"
)

func readRandom(b []byte) (int, error) {
	return rand.Read(b)
}

// pendingNames returns the `.msg` filenames in the queue root, oldest
// first, skipping `.sending`/`.tmp` artifacts and the failed/ subtree.
func (q *Queue) pendingNames() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".msg") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Run drives the flush loop: on wake (Enqueue or a reachability
// became-reachable edge) and on a periodic fallback tick, it attempts to
// send the oldest pending entry. Only one send is ever in flight (§5), and a
// retryable failure backs the whole loop off exponentially (§4.4, §7):
// flushOne persists the entry's next-eligible time and reports the delay
// back here, which arms backoffTimer instead of letting the 30s fallback
// ticker retry it early.
func (q *Queue) Run(ctx context.Context) {
	q.recoverSending()

	becameReachable := q.watcher.Subscribe()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	backoffTimer := time.NewTimer(time.Hour)
	backoffTimer.Stop()
	defer backoffTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wakeCh:
		case <-becameReachable:
		case <-ticker.C:
		case <-backoffTimer.C:
		}

		if !q.watcher.Reachable() {
			continue
		}

		for {
			sent, delay, err := q.flushOne(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.logger.Error("flush loop error", slog.String("error", err.Error()))
				break
			}
			if !sent {
				if delay > 0 {
					armTimer(backoffTimer, delay)
				}
				break
			}
		}
	}
}

// armTimer resets t to fire after d, draining any pending tick first so the
// reset doesn't race a timer that already fired.
func armTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// flushOne sends the single oldest pending entry, if any. It returns
// sent=true when an entry was consumed (delivered or moved to failed/),
// so the caller can keep draining the backlog while reachable.
func (q *Queue) flushOne(ctx context.Context) (sent bool, backoff time.Duration, err error) {
	names, err := q.pendingNames()
	if err != nil {
		return false, 0, err
	}
	if len(names) == 0 {
		return false, 0, nil
	}

	name := names[0]
	path := filepath.Join(q.dir, name)
	sendingPath := filepath.Join(q.dir, strings.TrimSuffix(name, ".msg")+".sending")

	if err := os.Rename(path, sendingPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, 0, nil
		}
		return false, 0, err
	}

	entry, err := loadEntry(sendingPath)
	if err != nil {
		q.logger.Error("corrupt queue entry, moving to failed", slog.String("file", name), slog.String("error", err.Error()))
		q.moveToFailed(sendingPath, name)
		q.collector.QueueFlushCompleted("failed")
		return true, 0, nil
	}

	if remaining := time.Until(entry.NextAttempt); remaining > 0 {
		// Backed off from a prior retryable failure; put it back without
		// attempting so the head-of-line entry doesn't spin on every wake.
		if err := os.Rename(sendingPath, path); err != nil {
			return false, remaining, err
		}
		return false, remaining, nil
	}

	fp := entry.Fingerprint()
	if q.memoryLog.Seen(fp) || (q.durableLog != nil && q.durableLog.Seen(fp)) {
		q.logger.Warn("dropping already-delivered duplicate on recovery", slog.String("file", name))
		os.Remove(sendingPath)
		return true, 0, nil
	}

	class, sendErr := q.sender.Send(ctx, entry.From, entry.RawMIME)
	if sendErr == nil {
		q.memoryLog.Record(fp)
		if q.durableLog != nil {
			q.durableLog.Record(fp)
		}
		os.Remove(sendingPath)
		q.logger.Info("flushed queued message", slog.String("file", name), slog.String("from", entry.From))
		q.collector.QueueFlushCompleted("delivered")
		return true, 0, nil
	}

	entry.Attempts++
	entry.LastError = sendErr.Error()

	if class == graph.ClassPermanent {
		q.logger.Warn("message permanently rejected, moving to failed",
			slog.String("file", name), slog.String("error", sendErr.Error()))
		saveEntry(sendingPath, entry)
		q.moveToFailed(sendingPath, name)
		q.collector.QueueFlushCompleted("failed")
		return true, 0, nil
	}

	delay := backoffFor(entry.Attempts)
	entry.NextAttempt = time.Now().Add(delay)
	q.logger.Warn("send failed, will retry",
		slog.String("file", name), slog.Int("attempts", entry.Attempts),
		slog.Duration("backoff", delay), slog.String("error", sendErr.Error()))

	if err := saveEntry(sendingPath, entry); err != nil {
		return false, delay, err
	}
	if err := os.Rename(sendingPath, path); err != nil {
		return false, delay, err
	}
	q.collector.QueueFlushCompleted("retry")
	return false, delay, nil
}

func (q *Queue) moveToFailed(sendingPath, name string) {
	dest := filepath.Join(q.dir, "failed", name)
	if err := os.Rename(sendingPath, dest); err != nil {
		q.logger.Error("failed to move entry to failed/", slog.String("file", name), slog.String("error", err.Error()))
	}
}

// recoverSending moves any `*.sending` artifacts left by a crash back to
// pending so they are retried, per §4.4/§9: a crash mid-send must not
// silently drop a message. Dedup on the resend path guards the rare case
// where Graph had actually already accepted it.
func (q *Queue) recoverSending() {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sending") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".sending")
		src := filepath.Join(q.dir, e.Name())
		dst := filepath.Join(q.dir, base+".msg")
		if err := os.Rename(src, dst); err != nil {
			q.logger.Error("failed to recover in-flight queue entry", slog.String("file", e.Name()), slog.String("error", err.Error()))
			continue
		}
		q.logger.Info("recovered in-flight queue entry after restart", slog.String("file", base+".msg"))
	}
}

// backoffFor computes the exponential retry delay for the given attempt
// count, capped at maxBackoff (§4.4, §7).
func backoffFor(attempts int) time.Duration {
	d := time.Second
	for i := 0; i < attempts && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
