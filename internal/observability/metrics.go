package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchRounds  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "tow_dispatch", Name: "dispatch_rounds_total", Help: "Total dispatch rounds issued"})
	OffersIssued    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "tow_dispatch", Name: "offers_issued_total", Help: "Total offers sent to drivers"})
	OffersExpired   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "tow_dispatch", Name: "offers_expired_total", Help: "Total offers dropped by the expiry sweep"})
	OffersDeclined  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "tow_dispatch", Name: "offers_declined_total", Help: "Total offers declined by drivers"})
	OffersRetracted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "tow_dispatch", Name: "offers_retracted_total", Help: "Total offers actively retracted"})
	AcceptsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "tow_dispatch", Name: "accepts_total", Help: "Total committed acceptances"})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "tow_dispatch", Name: "accept_conflicts_total", Help: "Total acceptances rejected because another driver won"})
	UnmatchedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "tow_dispatch", Name: "unmatched_total", Help: "Total requests that exhausted all dispatch rounds"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "tow_dispatch", Name: "drivers_online", Help: "Number of available drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "tow_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tow_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
