// Package metrics provides interfaces and implementations for collecting
// operational metrics for the mail gateway. This package defines the
// Collector interface for recording metrics and the Server interface for
// exposing them.
package metrics

import "context"

// Collector defines the interface for recording gateway metrics.
type Collector interface {
	// Connection metrics, labeled by protocol ("smtp" or "pop3").
	ConnectionOpened(protocol string)
	ConnectionClosed(protocol string)
	TLSUpgraded(protocol string)

	// Authentication metrics.
	AuthAttempt(protocol string, success bool)

	// Graph call metrics: operation is the logical call ("sendMail",
	// "listMessages", "fetchMime", "markRead", "delete"); class is the
	// classified outcome ("ok", "retryable", "auth", "permanent").
	GraphCallCompleted(operation, class string, durationSeconds float64)

	// Outbound queue metrics.
	QueueDepthObserved(depth int)
	QueueFlushCompleted(outcome string) // "delivered", "retry", "failed"

	// ReachabilityChanged records a watcher transition.
	ReachabilityChanged(reachable bool)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
