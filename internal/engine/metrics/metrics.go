package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the evaluation engine.
type Metrics struct {
	// Decision outcomes by policy and leading reason code
	DecisionOutcome *prometheus.CounterVec

	// Idempotent replays served from the store
	Replays *prometheus.CounterVec

	// Ledger reservations refused at the cap
	LedgerRefusals *prometheus.CounterVec

	// Overall evaluation latency including ledger and signing
	EvaluateLatency prometheus.Histogram
}

// New creates a Metrics instance with all engine metrics registered.
func New() *Metrics {
	return &Metrics{
		DecisionOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aport_engine_decisions_total",
			Help: "Total decisions by policy and leading reason code",
		}, []string{"policy", "code"}),

		Replays: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aport_engine_replays_total",
			Help: "Decisions served from the idempotency store",
		}, []string{"policy"}),

		LedgerRefusals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aport_engine_ledger_refusals_total",
			Help: "Ledger reservations refused at the cap, by dimension",
		}, []string{"policy", "dimension"}),

		EvaluateLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "aport_engine_evaluate_duration_seconds",
			Help:    "Duration of full evaluation including ledger and signing",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// IncrementOutcome records a decision outcome.
func (m *Metrics) IncrementOutcome(policy, code string) {
	if m != nil {
		m.DecisionOutcome.WithLabelValues(policy, code).Inc()
	}
}

// IncrementReplay records an idempotent replay.
func (m *Metrics) IncrementReplay(policy string) {
	if m != nil {
		m.Replays.WithLabelValues(policy).Inc()
	}
}

// IncrementLedgerRefusal records a reservation refused at the cap.
func (m *Metrics) IncrementLedgerRefusal(policy, dimension string) {
	if m != nil {
		m.LedgerRefusals.WithLabelValues(policy, dimension).Inc()
	}
}

// ObserveEvaluateLatency records the total evaluation duration.
func (m *Metrics) ObserveEvaluateLatency(d time.Duration) {
	if m != nil {
		m.EvaluateLatency.Observe(d.Seconds())
	}
}
