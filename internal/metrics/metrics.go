// Package metrics holds the Prometheus collectors of the daemon.
//
// All methods are nil-safe so components can run without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warden"

type Metrics struct {
	reg *prometheus.Registry

	dispatched *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inflight   prometheus.Gauge
	lag        prometheus.Histogram

	phase     *prometheus.GaugeVec
	entries   prometheus.Gauge
	cancelled prometheus.Counter

	writerRecords *prometheus.CounterVec
	writerDropped *prometheus.CounterVec

	plugins *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry (plus Go runtime and
// process collectors).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "units_total",
			Help: "Dispatched units by trigger kind and result (ok, failed, skipped).",
		}, []string{"kind", "result"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "duration_seconds",
			Help:    "Run time of dispatched units.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"kind"}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "inflight",
			Help: "Units currently running.",
		}),
		lag: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "fire_lag_seconds",
			Help:    "Delay between an entry's due time and its dispatch.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		phase: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "phase",
			Help: "1 for the current lifecycle phase, 0 otherwise.",
		}, []string{"phase"}),
		entries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "entries",
			Help: "Registered schedule entries.",
		}),
		cancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "cancellations_total",
			Help: "Identities added to the cancellation registry.",
		}),
		writerRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "records_total",
			Help: "Records written per sink and result.",
		}, []string{"sink", "result"}),
		writerDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "dropped_total",
			Help: "Records dropped before reaching sinks.",
		}, []string{"reason"}),
		plugins: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "plugins", Name: "loaded",
			Help: "Plugins by load state.",
		}, []string{"state"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveDispatch(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(kind, result).Inc()
	if result != "skipped" {
		m.duration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

func (m *Metrics) AddInflight(delta float64) {
	if m == nil {
		return
	}
	m.inflight.Add(delta)
}

func (m *Metrics) ObserveLag(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.lag.Observe(d.Seconds())
}

// SetPhase marks current as the active phase among all.
func (m *Metrics) SetPhase(current string, all []string) {
	if m == nil {
		return
	}
	for _, p := range all {
		v := 0.0
		if p == current {
			v = 1
		}
		m.phase.WithLabelValues(p).Set(v)
	}
}

func (m *Metrics) SetEntries(n int) {
	if m == nil {
		return
	}
	m.entries.Set(float64(n))
}

func (m *Metrics) IncCancelled() {
	if m == nil {
		return
	}
	m.cancelled.Inc()
}

func (m *Metrics) WriterRecord(sink string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.writerRecords.WithLabelValues(sink, result).Inc()
}

func (m *Metrics) WriterDropped(reason string) {
	if m == nil {
		return
	}
	m.writerDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetPlugins(state string, n int) {
	if m == nil {
		return
	}
	m.plugins.WithLabelValues(state).Set(float64(n))
}
