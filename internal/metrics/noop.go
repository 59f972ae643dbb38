package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

func (n *NoopCollector) ConnectionOpened(protocol string) {}
func (n *NoopCollector) ConnectionClosed(protocol string) {}
func (n *NoopCollector) TLSUpgraded(protocol string)      {}

func (n *NoopCollector) AuthAttempt(protocol string, success bool) {}

func (n *NoopCollector) GraphCallCompleted(operation, class string, durationSeconds float64) {}

func (n *NoopCollector) QueueDepthObserved(depth int)       {}
func (n *NoopCollector) QueueFlushCompleted(outcome string) {}

func (n *NoopCollector) ReachabilityChanged(reachable bool) {}
