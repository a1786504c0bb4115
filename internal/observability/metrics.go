package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "matches_total", Help: "Total number of matches"})
	MatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_matching", Name: "match_latency_seconds", Help: "Match latency seconds"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_matching", Name: "drivers_online", Help: "Number of online drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_matching",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// Dispatch outcome/lifecycle metrics (spec.md §4.3).
	OffersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "offers_created_total", Help: "Total driver offers created"})
	OffersDeclinedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "offers_declined_total", Help: "Total driver offers declined"})
	OffersTimedOutTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "offers_timed_out_total", Help: "Total driver offers that timed out"})
	RidesExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "rides_exhausted_total", Help: "Total rides that exhausted match attempts or had no drivers"})

	// Proximity index metrics (spec.md §4.1).
	ProximityQueryLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_matching", Name: "proximity_query_latency_seconds", Help: "FindNearby latency seconds"})
	ProximityQueryResultCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_matching", Name: "proximity_query_result_count", Help: "Number of candidates a FindNearby query returned",
		Buckets: []float64{0, 1, 2, 5, 10, 20},
	})

	// Surge engine metrics (spec.md §4.2).
	SurgeRecomputeTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "surge_recompute_total", Help: "Total surge cell recomputations"})
	SurgeMultiplierCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ride_matching", Name: "surge_multiplier_current", Help: "Most recently computed surge multiplier by cell"},
		[]string{"region", "cell"},
	)
)
