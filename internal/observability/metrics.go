package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	packetsRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "charonctl",
			Subsystem: "vici",
			Name:      "packets_read_total",
			Help:      "Inbound packets by kind.",
		},
		[]string{"kind"},
	)
	exchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "charonctl",
			Subsystem: "vici",
			Name:      "exchanges_total",
			Help:      "Completed exchanges by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	exchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "charonctl",
			Subsystem: "vici",
			Name:      "exchange_duration_seconds",
			Help:      "Exchange round-trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "outcome"},
	)
	eventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "charonctl",
			Subsystem: "vici",
			Name:      "events_delivered_total",
			Help:      "Events delivered to a subscription queue.",
		},
		[]string{"event"},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "charonctl",
			Subsystem: "vici",
			Name:      "events_dropped_total",
			Help:      "Events dropped from a full subscription queue.",
		},
		[]string{"event"},
	)
	eventsDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "charonctl",
			Subsystem: "vici",
			Name:      "events_discarded_total",
			Help:      "Events discarded for lack of a subscriber.",
		},
		[]string{"event"},
	)
)

// Register installs the collectors on the default registry. Safe to call from
// multiple entry points.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			packetsRead,
			exchanges,
			exchangeDuration,
			eventsDelivered,
			eventsDropped,
			eventsDiscarded,
		)
	})
}

func ObservePacket(kind string) {
	packetsRead.WithLabelValues(kind).Inc()
}

func ObserveExchange(kind, outcome string, d time.Duration) {
	exchanges.WithLabelValues(kind, outcome).Inc()
	exchangeDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

func ObserveEventDelivered(event string) {
	eventsDelivered.WithLabelValues(event).Inc()
}

func ObserveEventDropped(event string) {
	eventsDropped.WithLabelValues(event).Inc()
}

func ObserveEventDiscarded(event string) {
	eventsDiscarded.WithLabelValues(event).Inc()
}
