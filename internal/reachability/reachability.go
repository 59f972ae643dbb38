// Package reachability implements the Reachability Watcher (C3): a
// single-threaded periodic probe of the Graph endpoint that drives the
// Outbound Queue's flush loop and gates SMTP acceptance policy.
package reachability

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/infodancer/m365proxy/internal/metrics"
)

const (
	// ProbeInterval is the steady-state probe cadence (§4.3).
	ProbeInterval = 60 * time.Second
	// ProbeTimeout bounds a single probe request (§5).
	ProbeTimeout = 10 * time.Second

	probeURL = "https://graph.microsoft.com/v1.0/$metadata"
)

// Watcher maintains reachable/unreachable state for the Graph endpoint and
// notifies subscribers of became-reachable transitions. The zero value is
// not usable; construct with New.
type Watcher struct {
	client    *http.Client
	logger    *slog.Logger
	collector metrics.Collector

	reachable atomic.Bool

	mu            sync.Mutex
	lastTransition time.Time
	subscribers   []chan struct{}
}

// New returns a Watcher using client for probes (nil selects a plain
// http.Client on the default transport; each probe is bounded by
// ProbeTimeout through its request context, not by the client). The initial
// state is unreachable until the first probe succeeds. collector may be nil
// to disable metrics.
func New(client *http.Client, logger *slog.Logger, collector metrics.Collector) *Watcher {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	w := &Watcher{client: client, logger: logger, collector: collector, lastTransition: time.Now()}
	return w
}

// Reachable reports the current reachability state.
func (w *Watcher) Reachable() bool {
	return w.reachable.Load()
}

// Subscribe returns a channel that receives a value each time the watcher
// transitions from unreachable to reachable ("became-reachable", §4.3). The
// channel is buffered with capacity 1 so a pending wake-up is never lost
// even if the subscriber is busy.
func (w *Watcher) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	w.subscribers = append(w.subscribers, ch)
	w.mu.Unlock()
	return ch
}

// Run probes the Graph endpoint every ProbeInterval until ctx is cancelled.
// It performs one probe immediately on entry so callers don't wait a full
// interval for an initial state.
func (w *Watcher) Run(ctx context.Context) {
	w.probeOnce(ctx)

	ticker := time.NewTicker(ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.probeOnce(ctx)
		}
	}
}

func (w *Watcher) probeOnce(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	reachable := w.probe(reqCtx)
	was := w.reachable.Swap(reachable)

	if reachable != was {
		w.mu.Lock()
		w.lastTransition = time.Now()
		w.mu.Unlock()

		w.logger.Info("reachability transition",
			slog.Bool("reachable", reachable))
		w.collector.ReachabilityChanged(reachable)

		if reachable {
			w.notifySubscribers()
		}
	}
}

// probe performs a minimal HTTPS request against the Graph endpoint. Any
// response, including 401/403/405, counts as reachable — only a
// transport-level failure (DNS, connect, TLS, timeout) marks the endpoint
// unreachable (glossary: "Reachable").
func (w *Watcher) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		w.logger.Error("reachability probe: building request", slog.String("error", err.Error()))
		return false
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Debug("reachability probe failed", slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	return true
}

func (w *Watcher) notifySubscribers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
