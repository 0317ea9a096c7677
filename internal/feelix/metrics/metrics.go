// Package metrics defines the bot's Prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "feelix"

// Turn outcomes.
const (
	TurnReplied     = "replied"
	TurnDenied      = "denied"
	TurnMenu        = "menu"
	TurnCommand     = "command"
	TurnOnboarding  = "onboarding"
	TurnFeedback    = "feedback"
	TurnFailed      = "failed"
	TurnUnavailable = "unavailable"
)

// Metrics holds every instrument. The zero value is not usable; build one
// with New.
type Metrics struct {
	Turns          *prometheus.CounterVec
	ModelCalls     *prometheus.CounterVec
	ModelLatency   *prometheus.HistogramVec
	Summarizations *prometheus.CounterVec
	Lockouts       prometheus.Counter
	Nudges         *prometheus.CounterVec
	SurveyAnswers  *prometheus.CounterVec
	Updates        *prometheus.CounterVec
}

// New creates the instruments and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Inbound text messages by outcome.",
		}, []string{"outcome"}),
		ModelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Chat model calls by kind and result.",
		}, []string{"kind", "result"}),
		ModelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Chat model call latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"kind"}),
		Summarizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summarizations_total",
			Help:      "Ledger summarizations; degraded means the failure text was used.",
		}, []string{"result"}),
		Lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lockouts_opened_total",
			Help:      "Daily-budget lockouts opened.",
		}),
		Nudges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nudges_total",
			Help:      "Re-engagement messages by result.",
		}, []string{"result"}),
		SurveyAnswers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "survey_answers_total",
			Help:      "Survey answers by question.",
		}, []string{"question"}),
		Updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_updates_total",
			Help:      "Inbound updates by transport and kind.",
		}, []string{"transport", "kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.Turns, m.ModelCalls, m.ModelLatency, m.Summarizations,
			m.Lockouts, m.Nudges, m.SurveyAnswers, m.Updates)
	}
	return m
}

// ObserveModelCall records one model call.
func (m *Metrics) ObserveModelCall(kind string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ModelCalls.WithLabelValues(kind, result).Inc()
	m.ModelLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// UsersGauge registers a gauge reporting the number of known users.
func UsersGauge(reg prometheus.Registerer, count func() float64) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "users",
		Help:      "Users with an entitlement record.",
	}, count))
}
