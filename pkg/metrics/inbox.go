package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// InboxMetrics records live subscription and notification action activity.
type InboxMetrics struct {
	subscriptions  prometheus.Gauge
	connections    prometheus.Gauge
	snapshots      *prometheus.CounterVec
	rejected       prometheus.Counter
	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
}

// NewInboxMetrics registers the inbox metrics on the provided registerer.
// A nil registerer yields a no-op recorder.
func NewInboxMetrics(reg prometheus.Registerer) *InboxMetrics {
	if reg == nil {
		return &InboxMetrics{}
	}
	subscriptions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "inbox_live_subscriptions",
		Help: "Live inbox subscriptions currently open.",
	})
	connections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "inbox_stream_connections",
		Help: "Websocket inbox streams currently connected.",
	})
	snapshots := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_snapshots_total",
		Help: "Snapshots delivered to inbox mirrors by result.",
	}, []string{"result"})
	rejected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inbox_rejected_documents_total",
		Help: "Notification documents dropped for failing validation.",
	})
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_actions_total",
		Help: "Notification actions by outcome.",
	}, []string{"action", "outcome"})
	actionDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inbox_action_duration_seconds",
		Help:    "Duration of notification actions in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})
	reg.MustRegister(subscriptions, connections, snapshots, rejected, actions, actionDuration)
	return &InboxMetrics{
		subscriptions:  subscriptions,
		connections:    connections,
		snapshots:      snapshots,
		rejected:       rejected,
		actions:        actions,
		actionDuration: actionDuration,
	}
}

func (m *InboxMetrics) SubscriptionOpened() {
	if m == nil || m.subscriptions == nil {
		return
	}
	m.subscriptions.Inc()
}

func (m *InboxMetrics) SubscriptionClosed() {
	if m == nil || m.subscriptions == nil {
		return
	}
	m.subscriptions.Dec()
}

func (m *InboxMetrics) StreamConnected() {
	if m == nil || m.connections == nil {
		return
	}
	m.connections.Inc()
}

func (m *InboxMetrics) StreamDisconnected() {
	if m == nil || m.connections == nil {
		return
	}
	m.connections.Dec()
}

// ObserveSnapshot counts a delivered snapshot; err marks a subscription failure.
func (m *InboxMetrics) ObserveSnapshot(err error) {
	if m == nil || m.snapshots == nil {
		return
	}
	result := OutcomeOK
	if err != nil {
		result = OutcomeError
	}
	m.snapshots.WithLabelValues(result).Inc()
}

func (m *InboxMetrics) AddRejected(n int) {
	if m == nil || m.rejected == nil || n <= 0 {
		return
	}
	m.rejected.Add(float64(n))
}

// ObserveAction records the outcome and duration of a notification action.
func (m *InboxMetrics) ObserveAction(action, outcome string, duration time.Duration) {
	if m == nil || m.actions == nil {
		return
	}
	m.actions.WithLabelValues(normalizeLabel(action), normalizeLabel(outcome)).Inc()
	m.actionDuration.WithLabelValues(normalizeLabel(action)).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
