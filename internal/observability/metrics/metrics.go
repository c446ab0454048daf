// Package metrics aggregates Prometheus instrumentation for the booking
// agent and adapts it to the observer hooks the other packages expose.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/clinivia/agendabot/internal/cache"
	"github.com/clinivia/agendabot/internal/conversation"
	"github.com/clinivia/agendabot/internal/resilience"
)

// Metrics exposes counters for webhooks, conversation flow and downstream
// resilience. A nil *Metrics is a valid no-op receiver.
type Metrics struct {
	webhookTotal       *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	bookingsTotal      prometheus.Counter
	droppedTotal       *prometheus.CounterVec
	deliveryTotal      *prometheus.CounterVec
	connectionTotal    *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	cacheTotal         *prometheus.CounterVec
}

// New registers all collectors on reg (DefaultRegisterer when nil).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agendabot",
			Subsystem: "webhook",
			Name:      "inbound_total",
			Help:      "Inbound gateway webhooks by event type and intake status",
		}, []string{"event_type", "status"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agendabot",
			Subsystem: "conversation",
			Name:      "transitions_total",
			Help:      "Conversation stage transitions",
		}, []string{"from", "to"}),
		bookingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agendabot",
			Subsystem: "conversation",
			Name:      "bookings_total",
			Help:      "Bookings completed through the conversation flow",
		}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agendabot",
			Subsystem: "conversation",
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped before the state machine",
		}, []string{"reason"}),
		deliveryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agendabot",
			Subsystem: "messaging",
			Name:      "delivery_status_total",
			Help:      "Delivery-status webhook events by reported status",
		}, []string{"status"}),
		connectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agendabot",
			Subsystem: "messaging",
			Name:      "connection_events_total",
			Help:      "Gateway connectivity change events",
		}, []string{"status"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agendabot",
			Subsystem: "resilience",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions per downstream key",
		}, []string{"key", "to"}),
		cacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agendabot",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Result cache lookups by outcome",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.webhookTotal, m.transitionsTotal, m.bookingsTotal, m.droppedTotal,
		m.deliveryTotal, m.connectionTotal, m.breakerTransitions, m.cacheTotal,
	)
	return m
}

// ObserveWebhook counts one inbound webhook by type and intake outcome.
func (m *Metrics) ObserveWebhook(eventType, status string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(eventType, status).Inc()
}

// TransitionRecorded implements conversation.Metrics.
func (m *Metrics) TransitionRecorded(from, to conversation.Stage) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// BookingCompleted implements conversation.Metrics.
func (m *Metrics) BookingCompleted() {
	if m == nil {
		return
	}
	m.bookingsTotal.Inc()
}

// EventDropped implements conversation.Metrics.
func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(reason).Inc()
}

// MessageStatus implements conversation.StatusObserver.
func (m *Metrics) MessageStatus(_, status string) {
	if m == nil {
		return
	}
	m.deliveryTotal.WithLabelValues(status).Inc()
}

// ConnectionChanged implements conversation.StatusObserver.
func (m *Metrics) ConnectionChanged(status string) {
	if m == nil {
		return
	}
	m.connectionTotal.WithLabelValues(status).Inc()
}

// BreakerStateChange is a resilience.StateChangeFunc.
func (m *Metrics) BreakerStateChange(key string, _, to resilience.State) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(key, to.String()).Inc()
}

// CacheObserver returns a cache.ObserverFunc counting hits and misses.
func (m *Metrics) CacheObserver() cache.ObserverFunc {
	return func(_ string, hit bool) {
		if m == nil {
			return
		}
		outcome := "miss"
		if hit {
			outcome = "hit"
		}
		m.cacheTotal.WithLabelValues(outcome).Inc()
	}
}

var (
	_ conversation.Metrics        = (*Metrics)(nil)
	_ conversation.StatusObserver = (*Metrics)(nil)
)
