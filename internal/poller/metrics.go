package poller

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "devscene_poller_"

// Metrics exports polling counters. A nil *Metrics records nothing.
type Metrics struct {
	fetches  *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	pushes   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	sources  prometheus.Gauge
}

// NewMetrics creates the poller metrics and registers them with reg.
// Metrics already registered by another engine are shared.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "fetches_total",
			Help: "Completed fetches by result (ok, fetch_failure, malformed_response).",
		}, []string{"device", "api", "result"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "skipped_ticks_total",
			Help: "Ticks skipped because a fetch for the same source was still in flight.",
		}, []string{"device", "api"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "push_messages_total",
			Help: "Inbound push messages by result.",
		}, []string{"device", "api", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricPrefix + "fetch_duration_seconds",
			Help:    "Fetch latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"device", "api"}),
		sources: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "active_sources",
			Help: "ApiSources currently scheduled or subscribed.",
		}),
	}
	if reg != nil {
		m.fetches = register(reg, m.fetches)
		m.skipped = register(reg, m.skipped)
		m.pushes = register(reg, m.pushes)
		m.duration = register(reg, m.duration)
		m.sources = register(reg, m.sources)
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) observeFetch(device, api string, kind ErrorKind, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = string(kind)
	}
	m.fetches.WithLabelValues(device, api, result).Inc()
	m.duration.WithLabelValues(device, api).Observe(d.Seconds())
}

func (m *Metrics) observePush(device, api string, kind ErrorKind, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = string(kind)
	}
	m.pushes.WithLabelValues(device, api, result).Inc()
}

func (m *Metrics) observeSkip(device, api string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(device, api).Inc()
}

func (m *Metrics) sourceStarted() {
	if m != nil {
		m.sources.Inc()
	}
}

func (m *Metrics) sourceStopped() {
	if m != nil {
		m.sources.Dec()
	}
}
