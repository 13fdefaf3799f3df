// Package metrics holds the prometheus collectors of the sync engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reconciliation paths.
const (
	PathResponse = "response"
	PathEvent    = "event"
	PathInserted = "inserted"
)

// Metrics groups the engine collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	inserted       prometheus.Counter
	duplicates     prometheus.Counter
	updateMisses   prometheus.Counter
	reconciled     *prometheus.CounterVec
	sendFailures   prometheus.Counter
	channelRetries *prometheus.CounterVec
	staleDropped   *prometheus.CounterVec
	channelState   *prometheus.GaugeVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync", Name: "messages_inserted_total",
			Help: "Messages inserted into the active room cache.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync", Name: "duplicate_events_total",
			Help: "Inbound inserts absorbed because the id was already cached.",
		}),
		updateMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync", Name: "reconciliation_misses_total",
			Help: "Updates or reactions referencing a message not in the cache.",
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync", Name: "reconciliations_total",
			Help: "Authoritative copies of local sends, by the path that handled them.",
		}, []string{"path"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync", Name: "send_failures_total",
			Help: "Message writes rejected by the backing store.",
		}),
		channelRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync", Name: "channel_retries_total",
			Help: "Automatic channel resubscriptions after error or timeout.",
		}, []string{"kind"}),
		staleDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync", Name: "stale_callbacks_total",
			Help: "Callbacks dropped because their channel generation was torn down.",
		}, []string{"kind"}),
		channelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatsync", Name: "channel_subscribed",
			Help: "1 while the channel of the given kind is subscribed.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.inserted, m.duplicates, m.updateMisses, m.reconciled,
		m.sendFailures, m.channelRetries, m.staleDropped, m.channelState,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageInserted() {
	if m != nil {
		m.inserted.Inc()
	}
}

func (m *Metrics) DuplicateDropped() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) ReconciliationMiss() {
	if m != nil {
		m.updateMisses.Inc()
	}
}

func (m *Metrics) Reconciled(path string) {
	if m != nil {
		m.reconciled.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) SendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) ChannelRetry(kind string) {
	if m != nil {
		m.channelRetries.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) StaleCallback(kind string) {
	if m != nil {
		m.staleDropped.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ChannelSubscribed(kind string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.channelState.WithLabelValues(kind).Set(v)
}
