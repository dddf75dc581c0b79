// Package metrics exports blacklist activity to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors of one process. It implements
// blacklist.Observer, replica.Observer and the transport observers.
type Metrics struct {
	rules         *prometheus.GaugeVec
	modifications *prometheus.CounterVec
	expirations   *prometheus.CounterVec
	resyncs       *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	subscribers   *prometheus.GaugeVec
	requests      *prometheus.CounterVec
}

// New registers the collectors with reg. Each Metrics needs its own
// registry; registering twice with one registry panics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		rules: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blacklist_rules",
			Help: "Number of rules currently held by each blacklist",
		}, []string{"blacklist"}),
		modifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blacklist_modifications_total",
			Help: "Externally visible mutations by blacklist",
		}, []string{"blacklist"}),
		expirations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blacklist_expired_rules_total",
			Help: "Rules removed by TTL expiry by blacklist",
		}, []string{"blacklist"}),
		resyncs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blacklist_replica_resyncs_total",
			Help: "Snapshots installed by replicas",
		}, []string{"blacklist"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blacklist_replica_dropped_changes_total",
			Help: "Changes dropped by replicas while resyncing",
		}, []string{"blacklist"}),
		subscribers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blacklist_notify_subscribers",
			Help: "Connected change-notification subscribers by blacklist",
		}, []string{"blacklist"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blacklist_requests_total",
			Help: "Request/response calls by action and result",
		}, []string{"action", "result"}),
	}
}

// Modified records a mutation and the resulting rule count.
func (m *Metrics) Modified(name string, rules int) {
	m.modifications.WithLabelValues(name).Inc()
	m.rules.WithLabelValues(name).Set(float64(rules))
}

// Expired records rules removed by expiry.
func (m *Metrics) Expired(name string, n int) {
	m.expirations.WithLabelValues(name).Add(float64(n))
}

// Resynced records an installed snapshot.
func (m *Metrics) Resynced(name string) { m.resyncs.WithLabelValues(name).Inc() }

// Dropped records a change dropped during a resync.
func (m *Metrics) Dropped(name string) { m.dropped.WithLabelValues(name).Inc() }

// SubscriberAdded and SubscriberRemoved track notification subscribers.
func (m *Metrics) SubscriberAdded(name string)   { m.subscribers.WithLabelValues(name).Inc() }
func (m *Metrics) SubscriberRemoved(name string) { m.subscribers.WithLabelValues(name).Dec() }

// Request records one request/response call.
func (m *Metrics) Request(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.requests.WithLabelValues(action, result).Inc()
}
