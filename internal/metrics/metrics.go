// Package metrics defines the counters/gauges sink consumed by the relay
// engine and its Prometheus, in-memory and no-op implementations.
package metrics

// Metric names emitted by the engine.
const (
	MessagesForwarded = "messages_forwarded_total"
	MessagesDuplicate = "messages_duplicate_total"
	// MessagesDropped carries a "reason" label.
	MessagesDropped = "messages_dropped_total"
	// ForwardErrors carries a "class" label.
	ForwardErrors   = "forward_errors_total"
	ForwardDuration = "forward_duration_seconds"
	QueueDepth      = "queue_depth"
	ActiveLanes     = "active_lanes"

	ReconnectAttempts   = "reconnect_attempts_total"
	ReconnectSuppressed = "reconnect_suppressed_total"
	// BreakerTransitions carries a "to" label.
	BreakerTransitions = "breaker_transitions_total"
	ActiveSessions     = "active_sessions"
	ConnectedSessions  = "connected_sessions"
	// AuthEvents carries a "result" label.
	AuthEvents = "auth_events_total"

	Folders = "folders"
)

// Sink receives engine measurements. Labels are given as alternating
// key/value pairs and must use the same keys for every call on one name.
type Sink interface {
	IncrementCounter(name string, labels ...string)
	ObserveGauge(name string, value float64, labels ...string)
	ObserveHistogram(name string, value float64, labels ...string)
}

// Noop discards everything.
type Noop struct{}

func (Noop) IncrementCounter(string, ...string) {}
func (Noop) ObserveGauge(string, float64, ...string) {}
func (Noop) ObserveHistogram(string, float64, ...string) {}

// Fanout forwards every measurement to each sink.
type Fanout []Sink

// IncrementCounter implements Sink.
func (f Fanout) IncrementCounter(name string, labels ...string) {
	for _, s := range f {
		s.IncrementCounter(name, labels...)
	}
}

// ObserveGauge implements Sink.
func (f Fanout) ObserveGauge(name string, value float64, labels ...string) {
	for _, s := range f {
		s.ObserveGauge(name, value, labels...)
	}
}

// ObserveHistogram implements Sink.
func (f Fanout) ObserveHistogram(name string, value float64, labels ...string) {
	for _, s := range f {
		s.ObserveHistogram(name, value, labels...)
	}
}

// splitLabels separates alternating key/value pairs. A trailing key without
// a value is paired with an empty string.
func splitLabels(labels []string) (keys, values []string) {
	for i := 0; i < len(labels); i += 2 {
		keys = append(keys, labels[i])
		if i+1 < len(labels) {
			values = append(values, labels[i+1])
		} else {
			values = append(values, "")
		}
	}
	return keys, values
}
