package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sniper"

// Poll results.
const (
	PollOK          = "ok"
	PollError       = "error"
	PollDenied      = "denied"
	PollRateLimited = "rate_limited"
	PollAuth        = "auth"
)

// Notification delivery results.
const (
	NotifySent    = "sent"
	NotifyFailed  = "failed"
	NotifyDropped = "dropped"
)

// Metrics holds the engine's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	polls         *prometheus.CounterVec
	stateChanges  *prometheus.CounterVec
	orderAttempts *prometheus.CounterVec
	gateDenials   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	activeTargets prometheus.Gauge
	notifyPending prometheus.Gauge
}

// New creates and registers all collectors, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Availability poll cycles by result.",
		}, []string{"result"}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_changes_total",
			Help:      "Availability state changes by new state.",
		}, []string{"state"}),
		orderAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_attempts_total",
			Help:      "Completed order attempts by outcome.",
		}, []string{"outcome"}),
		gateDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_denials_total",
			Help:      "Outbound calls refused by the rate gate, by endpoint class.",
		}, []string{"class"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications by kind and delivery result.",
		}, []string{"kind", "result"}),
		activeTargets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_targets",
			Help:      "Watch targets currently scheduled for polling.",
		}),
		notifyPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notify_pending",
			Help:      "Notifications waiting for delivery.",
		}),
	}

	m.registry.MustRegister(
		m.polls,
		m.stateChanges,
		m.orderAttempts,
		m.gateDenials,
		m.notifications,
		m.activeTargets,
		m.notifyPending,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Poll counts one poll cycle.
func (m *Metrics) Poll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

// StateChange counts a target moving to state.
func (m *Metrics) StateChange(state string) {
	if m == nil {
		return
	}
	m.stateChanges.WithLabelValues(state).Inc()
}

// OrderAttempt counts a completed attempt.
func (m *Metrics) OrderAttempt(outcome string) {
	if m == nil {
		return
	}
	m.orderAttempts.WithLabelValues(outcome).Inc()
}

// GateDenied counts a refused call.
func (m *Metrics) GateDenied(class string) {
	if m == nil {
		return
	}
	m.gateDenials.WithLabelValues(class).Inc()
}

// Notification counts a notification delivery result.
func (m *Metrics) Notification(kind, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, result).Inc()
}

// SetActiveTargets records the number of scheduled targets.
func (m *Metrics) SetActiveTargets(n int) {
	if m == nil {
		return
	}
	m.activeTargets.Set(float64(n))
}

// SetNotifyPending records the notification queue depth.
func (m *Metrics) SetNotifyPending(n int) {
	if m == nil {
		return
	}
	m.notifyPending.Set(float64(n))
}
