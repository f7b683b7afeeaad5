// Package metrics holds the relay prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery and push outcome labels.
const (
	ResultDelivered = "delivered"
	ResultNoKey     = "no_key"
	ResultFailed    = "failed"
	ResultSent      = "sent"
	ResultPruned    = "pruned"
	ResultDropped   = "dropped"
)

// Metrics is the set of relay collectors. Each relay owns its registry so
// several relays can live in one test process.
type Metrics struct {
	registry *prometheus.Registry

	MessagesSent   prometheus.Counter
	Deliveries     *prometheus.CounterVec
	OpenChannels   prometheus.Gauge
	PushHints      *prometheus.CounterVec
	PushQueueDrops prometheus.Counter
	HTTPRequests   *prometheus.CounterVec
	HistoryFetches prometheus.Counter
	AuthRejections prometheus.Counter
	FanoutDuration prometheus.Summary
}

// New builds and registers the relay collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "baatcheet_messages_sent_total",
				Help: "Number of messages persisted by the relay",
			},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "baatcheet_deliveries_total",
				Help: "Number of per-channel message:new emissions",
			},
			[]string{"result"},
		),
		OpenChannels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "baatcheet_open_channels",
				Help: "Number of authenticated open channels",
			},
		),
		PushHints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "baatcheet_push_hints_total",
				Help: "Number of push hints by outcome",
			},
			[]string{"result"},
		),
		PushQueueDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "baatcheet_push_queue_dropped_total",
				Help: "Number of offline notifications dropped on a full queue",
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "baatcheet_http_requests_total",
				Help: "Number of HTTP API requests by route and status",
			},
			[]string{"route", "code"},
		),
		HistoryFetches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "baatcheet_history_fetches_total",
				Help: "Number of history pages served",
			},
		),
		AuthRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "baatcheet_auth_rejections_total",
				Help: "Number of rejected bearer tokens",
			},
		),
		FanoutDuration: prometheus.NewSummary(
			prometheus.SummaryOpts{
				Name: "baatcheet_fanout_duration_seconds",
				Help: "Time spent fanning a message out to open channels",
			},
		),
	}

	m.registry.MustRegister(
		m.MessagesSent,
		m.Deliveries,
		m.OpenChannels,
		m.PushHints,
		m.PushQueueDrops,
		m.HTTPRequests,
		m.HistoryFetches,
		m.AuthRejections,
		m.FanoutDuration,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
