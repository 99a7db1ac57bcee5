package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(progressEventsTotal, relayClients, relayForwardedTotal, relayDroppedTotal)
}

var progressEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "progress_events_published_total",
		Help: "Progress events published to the bus, labeled by type.",
	},
	[]string{"type"},
)

var relayClients = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "relay_clients",
		Help: "Currently attached SSE client connections.",
	},
)

var relayForwardedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "relay_events_forwarded_total",
		Help: "Events forwarded downstream after re-sequencing.",
	},
)

var relayDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_events_dropped_total",
		Help: "Events dropped by the relay, labeled by reason.",
	},
	[]string{"reason"}, // 'duplicate', 'slow_client'
)

func IncProgressEvent(typ string)   { progressEventsTotal.WithLabelValues(norm(typ)).Inc() }
func IncRelayClients()              { relayClients.Inc() }
func DecRelayClients()              { relayClients.Dec() }
func IncRelayForwarded()            { relayForwardedTotal.Inc() }
func IncRelayDropped(reason string) { relayDroppedTotal.WithLabelValues(norm(reason)).Inc() }
