package metrics

import (
	"maps"
	"strings"
	"sync"
)

// Memory keeps measurements in process. It backs the status endpoint and
// tests.
type Memory struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]int
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]int),
	}
}

func seriesKey(name string, labels []string) string {
	if len(labels) == 0 {
		return name
	}
	keys, values := splitLabels(labels)
	parts := make([]string, len(keys))
	for i := range keys {
		parts[i] = keys[i] + "=" + values[i]
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}

// IncrementCounter implements Sink.
func (m *Memory) IncrementCounter(name string, labels ...string) {
	m.mu.Lock()
	m.counters[seriesKey(name, labels)]++
	m.mu.Unlock()
}

// ObserveGauge implements Sink.
func (m *Memory) ObserveGauge(name string, value float64, labels ...string) {
	m.mu.Lock()
	m.gauges[seriesKey(name, labels)] = value
	m.mu.Unlock()
}

// ObserveHistogram implements Sink. Only the observation count is kept.
func (m *Memory) ObserveHistogram(name string, _ float64, labels ...string) {
	m.mu.Lock()
	m.histograms[seriesKey(name, labels)]++
	m.mu.Unlock()
}

// Counter returns the value of one counter series.
func (m *Memory) Counter(name string, labels ...string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[seriesKey(name, labels)]
}

// Gauge returns the last value of one gauge series.
func (m *Memory) Gauge(name string, labels ...string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[seriesKey(name, labels)]
}

// Observations returns how many values a histogram series received.
func (m *Memory) Observations(name string, labels ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.histograms[seriesKey(name, labels)]
}

// Snapshot is a serializable copy of all series.
type Snapshot struct {
	Counters map[string]float64 `json:"counters"`
	Gauges   map[string]float64 `json:"gauges"`
}

// Snapshot returns a point-in-time copy.
func (m *Memory) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Counters: maps.Clone(m.counters),
		Gauges:   maps.Clone(m.gauges),
	}
}
