package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatcher"

var (
	RidesCreated     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Total number of rides created"})
	DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_attempts_total", Help: "Dispatch attempts by outcome"}, []string{"outcome"})
	DispatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Time spent searching for and pinging a driver", Buckets: prometheus.DefBuckets})
	DispatchRings    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_ring", Help: "Ring at which a driver was found", Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21, 30}})
	PingTimeouts     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ping_timeouts_total", Help: "Pings that expired without an answer"})
	RideTransitions  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Committed ride status transitions"}, []string{"from", "to"})
	LockContention   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "lock_contention_total", Help: "Bounded lock acquisitions that timed out"}, []string{"entity", "op"})
	StaleTimerFires  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "stale_timer_fires_total", Help: "Timer callbacks that found their precondition gone"}, []string{"kind"})
	EventsDropped    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ride_events_dropped_total", Help: "Ride events dropped because the bus was full"})
	EventSinkErrors  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "ride_event_sink_errors_total", Help: "Ride event sink failures"}, []string{"sink"})
	LocationUpdates  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location updates consumed from the stream"}, []string{"result"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// TrackDriversOnline exports count as the drivers_online gauge, evaluated at
// scrape time. Call it once per process.
func TrackDriversOnline(count func() int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "drivers_online",
		Help:      "Number of drivers online and free to take a ride",
	}, func() float64 { return float64(count()) })
}
