package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "credit_bot"

// Metrics - счетчики бота. Nil-значение допустимо: все методы ничего не делают.
type Metrics struct {
	registry *prometheus.Registry

	StatusTransitions *prometheus.CounterVec
	InviteActivations *prometheus.CounterVec
	ReferralClicks    *prometheus.CounterVec
	DiagnosisRuns     *prometheus.CounterVec
	DiagnosisDuration prometheus.Histogram
	UpdatesHandled    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		StatusTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "applications",
				Name:      "status_transitions_total",
				Help:      "Application status transitions",
			},
			[]string{"from", "to"},
		),
		InviteActivations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "invites",
				Name:      "activations_total",
				Help:      "Invite code activation attempts",
			},
			[]string{"result"},
		),
		ReferralClicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "referral",
				Name:      "clicks_total",
				Help:      "Tracked referral link clicks",
			},
			[]string{"result"},
		),
		DiagnosisRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "diagnosis",
				Name:      "runs_total",
				Help:      "Credit history diagnosis runs",
			},
			[]string{"result"},
		),
		DiagnosisDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "diagnosis",
				Name:      "duration_seconds",
				Help:      "Duration of credit history diagnosis",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
			},
		),
		UpdatesHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "telegram",
				Name:      "updates_total",
				Help:      "Handled telegram updates",
			},
			[]string{"kind"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.StatusTransitions,
		m.InviteActivations,
		m.ReferralClicks,
		m.DiagnosisRuns,
		m.DiagnosisDuration,
		m.UpdatesHandled,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveActivation(ok bool) {
	if m == nil {
		return
	}
	m.InviteActivations.WithLabelValues(result(ok, "activated", "rejected")).Inc()
}

func (m *Metrics) ObserveClick(ok bool) {
	if m == nil {
		return
	}
	m.ReferralClicks.WithLabelValues(result(ok, "tracked", "ignored")).Inc()
}

func (m *Metrics) ObserveDiagnosis(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.DiagnosisRuns.WithLabelValues(result(ok, "completed", "failed")).Inc()
	m.DiagnosisDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveUpdate(kind string) {
	if m == nil {
		return
	}
	m.UpdatesHandled.WithLabelValues(kind).Inc()
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
