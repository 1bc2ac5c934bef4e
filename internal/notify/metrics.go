package notify

import "github.com/prometheus/client_golang/prometheus"

var eventsDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "quantd_events_dropped_total",
		Help: "Status events dropped because a subscriber fell behind.",
	},
)

func init() {
	prometheus.MustRegister(eventsDroppedTotal)
}
