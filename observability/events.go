package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"pact/core/events"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured protocol events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pact",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of settlement and dispute events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// Emitted exposes the event counter for tests.
func (m *eventMetrics) Emitted() *prometheus.CounterVec { return m.emitted }

// CountingEmitter counts every event it sees before passing it on to Next.
type CountingEmitter struct {
	Next events.Emitter
}

func (c CountingEmitter) Emit(e events.Event) {
	if e == nil {
		return
	}
	Events().RecordEvent(e.EventType())
	if c.Next != nil {
		c.Next.Emit(e)
	}
}
