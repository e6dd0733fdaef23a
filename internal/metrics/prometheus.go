package metrics

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smartfolders"

type descriptor struct {
	help   string
	labels []string
}

// known holds help text and label names for the engine's series. Names not
// listed here are registered on first use with the label keys of that call.
var known = map[string]descriptor{
	MessagesForwarded:   {help: "Messages relayed to a destination"},
	MessagesDuplicate:   {help: "Messages suppressed because their fingerprint was already relayed"},
	MessagesDropped:     {help: "Messages dropped without delivery", labels: []string{"reason"}},
	ForwardErrors:       {help: "Failed send attempts by error class", labels: []string{"class"}},
	ForwardDuration:     {help: "Send latency in seconds"},
	QueueDepth:          {help: "Messages waiting in relay lanes"},
	ActiveLanes:         {help: "Relay lanes currently running"},
	ReconnectAttempts:   {help: "Reconnect attempts issued"},
	ReconnectSuppressed: {help: "Reconnect attempts skipped while the circuit breaker was open"},
	BreakerTransitions:  {help: "Circuit breaker transitions by target state", labels: []string{"to"}},
	ActiveSessions:      {help: "Authenticated user sessions"},
	ConnectedSessions:   {help: "User sessions with a live connection"},
	AuthEvents:          {help: "Authentication outcomes", labels: []string{"result"}},
	Folders:             {help: "Configured folders"},
}

// Prometheus exports measurements through a dedicated registry.
type Prometheus struct {
	registry *prometheus.Registry
	factory  promauto.Factory
	logger   *slog.Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheus creates a sink with Go runtime and process collectors
// registered alongside the engine series.
func NewPrometheus(logger *slog.Logger) *Prometheus {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Prometheus{
		registry:   reg,
		factory:    promauto.With(reg),
		logger:     logger,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry returns the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns the HTTP handler serving the registry.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func describe(name string, keys []string) descriptor {
	if d, ok := known[name]; ok {
		return d
	}
	return descriptor{help: name, labels: keys}
}

// IncrementCounter implements Sink.
func (p *Prometheus) IncrementCounter(name string, labels ...string) {
	keys, values := splitLabels(labels)
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		d := describe(name, keys)
		vec = p.factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      d.help,
		}, d.labels)
		p.counters[name] = vec
	}
	p.mu.Unlock()

	c, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		p.logger.Warn("metrics: bad counter labels", "name", name, "error", err)
		return
	}
	c.Inc()
}

// ObserveGauge implements Sink.
func (p *Prometheus) ObserveGauge(name string, value float64, labels ...string) {
	keys, values := splitLabels(labels)
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		d := describe(name, keys)
		vec = p.factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      d.help,
		}, d.labels)
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	g, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		p.logger.Warn("metrics: bad gauge labels", "name", name, "error", err)
		return
	}
	g.Set(value)
}

// ObserveHistogram implements Sink.
func (p *Prometheus) ObserveHistogram(name string, value float64, labels ...string) {
	keys, values := splitLabels(labels)
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		d := describe(name, keys)
		vec = p.factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      d.help,
			Buckets:   prometheus.DefBuckets,
		}, d.labels)
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	h, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		p.logger.Warn("metrics: bad histogram labels", "name", name, "error", err)
		return
	}
	h.Observe(value)
}
