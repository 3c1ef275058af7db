// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lexbridge"

var (
	SessionsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_live",
		Help:      "Number of sessions currently registered.",
	})

	SessionOpens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_opens_total",
		Help:      "Protocol sockets opened.",
	})

	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Reconnection attempts scheduled after a retryable disconnect.",
	})

	TerminalDisconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "terminal_disconnects_total",
		Help:      "Disconnects that erased credentials, by reason.",
	}, []string{"reason"})

	InboundMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_messages_total",
		Help:      "Inbound messages persisted, by content type.",
	}, []string{"content_type"})

	InboundDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_dropped_total",
		Help:      "Inbound events dropped, by reason.",
	}, []string{"reason"})

	OutboundSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbound_sends_total",
		Help:      "Outbound send attempts, by result code.",
	}, []string{"result"})

	ScheduledPromoted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduled_promoted_total",
		Help:      "Scheduled messages handed to the dispatcher by the sweep.",
	})

	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "realtime_deliveries_total",
		Help:      "Realtime event deliveries, by sink and result.",
	}, []string{"sink", "result"})
)

// Registry holds every collector above plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SessionsLive,
		SessionOpens,
		Reconnects,
		TerminalDisconnects,
		InboundMessages,
		InboundDropped,
		OutboundSends,
		ScheduledPromoted,
		Deliveries,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
