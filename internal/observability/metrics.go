package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "matches_total", Help: "Total number of driver matches"})
	MatchMisses      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "match_misses_total", Help: "Match attempts with no available driver"})
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "Match latency seconds"})
	DriversAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_available", Help: "Number of available drivers"})

	QueueDepth    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "pending_requests", Help: "Requests waiting for pool evaluation"})
	Evaluations   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "queue_evaluations_total", Help: "Queue evaluations that consumed a batch"})
	PoolDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "pool_decisions_total", Help: "Pool-vs-solo decisions for clusters larger than one"},
		[]string{"decision"},
	)

	ActiveRides    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "active_rides", Help: "Rides currently tracked"})
	DegradedRides  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "degraded_dispatch_total", Help: "Dispatches recorded with a placeholder route"})
	RouteRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "route_refreshes_total", Help: "Route refresh outcomes"},
		[]string{"outcome"},
	)
	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "provider_errors_total", Help: "Directions and traffic provider failures"},
		[]string{"provider", "reason"},
	)
	TrafficEdges = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "traffic_edges_total", Help: "Edge weight lookups during traffic refresh"},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
