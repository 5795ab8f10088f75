package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type PactMetrics struct {
	replays        *prometheus.CounterVec
	roundsVerified prometheus.Histogram
	judgments      *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	disputes       *prometheus.CounterVec
	packChecks     *prometheus.CounterVec
}

var (
	pactOnce     sync.Once
	pactRegistry *PactMetrics
)

// Pact returns the process-wide protocol metrics, registering them with the
// default prometheus registry on first use.
func Pact() *PactMetrics {
	pactOnce.Do(func() {
		pactRegistry = &PactMetrics{
			replays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pact",
				Name:      "replays_total",
				Help:      "Transcript replays by outcome.",
			}, []string{"outcome"}),
			roundsVerified: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "pact",
				Name:      "replay_rounds_verified",
				Help:      "Rounds verified per replay.",
				Buckets:   prometheus.LinearBuckets(0, 2, 10),
			}),
			judgments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pact",
				Name:      "judgments_total",
				Help:      "Default blame logic judgments by determination.",
			}, []string{"determination"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pact",
				Name:      "settlement_transitions_total",
				Help:      "Settlement state transitions by mode and target state.",
			}, []string{"mode", "state"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pact",
				Name:      "settlement_rejections_total",
				Help:      "Rejected settlement operations by mode and reason.",
			}, []string{"mode", "reason"}),
			disputes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pact",
				Name:      "disputes_total",
				Help:      "Dispute lifecycle events by action and outcome.",
			}, []string{"action", "outcome"}),
			packChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pact",
				Name:      "pack_checks_total",
				Help:      "Evidence pack integrity checks by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			pactRegistry.replays,
			pactRegistry.roundsVerified,
			pactRegistry.judgments,
			pactRegistry.transitions,
			pactRegistry.rejections,
			pactRegistry.disputes,
			pactRegistry.packChecks,
		)
	})
	return pactRegistry
}

// ObserveReplay records a replay. outcome is "ok", "warning" or "broken".
func (m *PactMetrics) ObserveReplay(outcome string, roundsVerified int) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(label(outcome)).Inc()
	m.roundsVerified.Observe(float64(roundsVerified))
}

func (m *PactMetrics) ObserveJudgment(determination string) {
	if m == nil {
		return
	}
	m.judgments.WithLabelValues(label(determination)).Inc()
}

func (m *PactMetrics) ObserveTransition(mode, state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(mode), label(state)).Inc()
}

func (m *PactMetrics) ObserveRejection(mode, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(label(mode), label(reason)).Inc()
}

func (m *PactMetrics) ObserveDispute(action, outcome string) {
	if m == nil {
		return
	}
	m.disputes.WithLabelValues(label(action), label(outcome)).Inc()
}

func (m *PactMetrics) ObservePackCheck(result string) {
	if m == nil {
		return
	}
	m.packChecks.WithLabelValues(label(result)).Inc()
}

// Transitions exposes the transition counter for assertions.
func (m *PactMetrics) Transitions() *prometheus.CounterVec { return m.transitions }

// Rejections exposes the rejection counter for assertions.
func (m *PactMetrics) Rejections() *prometheus.CounterVec { return m.rejections }

// Disputes exposes the dispute counter for assertions.
func (m *PactMetrics) Disputes() *prometheus.CounterVec { return m.disputes }

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return strings.ToLower(v)
}
