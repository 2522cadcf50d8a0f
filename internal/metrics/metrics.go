package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors exported by the canonical service and the hub.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	syncOutcomes *prometheus.CounterVec
	syncMarks    *prometheus.CounterVec
	marks        *prometheus.CounterVec
	probes       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Subsystem: "offline_sync",
			Name:      "sessions_total",
			Help:      "Offline sessions processed by the reconciler, by outcome.",
		}, []string{"outcome"}),
		syncMarks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Subsystem: "offline_sync",
			Name:      "marks_total",
			Help:      "Embedded attendance marks seen by the reconciler, by result.",
		}, []string{"result"}),
		marks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "marks_total",
			Help:      "Attendance mark attempts, by transport and result code.",
		}, []string{"transport", "result"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "transport_probes_total",
			Help:      "Transport reachability probes, by transport and reachability.",
		}, []string{"transport", "reachable"}),
	}
	m.registry.MustRegister(
		m.syncOutcomes, m.syncMarks, m.marks, m.probes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SyncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.syncOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SyncMarks(inserted, skipped int) {
	if m == nil {
		return
	}
	m.syncMarks.WithLabelValues("inserted").Add(float64(inserted))
	m.syncMarks.WithLabelValues("skipped").Add(float64(skipped))
}

func (m *Metrics) Mark(transport, result string) {
	if m == nil {
		return
	}
	m.marks.WithLabelValues(transport, result).Inc()
}

func (m *Metrics) Probe(transport string, reachable bool) {
	if m == nil {
		return
	}
	label := "false"
	if reachable {
		label = "true"
	}
	m.probes.WithLabelValues(transport, label).Inc()
}
