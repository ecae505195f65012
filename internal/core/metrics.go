package core

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "compiled",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result",
		},
		[]string{"result"},
	)
	cacheStale = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "compiled",
			Name:      "cache_stale_total",
			Help:      "Cache entries discarded by reason",
		},
		[]string{"reason"},
	)
	cacheWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "compiled",
			Name:      "cache_writes_total",
			Help:      "Cache writes by status",
		},
		[]string{"status"},
	)
	backendCompiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "compiled",
			Name:      "backend_compiles_total",
			Help:      "Backend compile invocations by device and status",
		},
		[]string{"device", "status"},
	)
	compileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "compiled",
			Name:      "compile_duration_seconds",
			Help:      "End-to-end compile request duration",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"device", "source"},
	)
	guardWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "compiled",
			Name:      "cacheguard_waiters",
			Help:      "Requests blocked on a per-key cache lock",
		},
	)
)

func init() {
	prometheus.MustRegister(cacheLookups, cacheStale, cacheWrites, backendCompiles, compileDuration, guardWaiters)
}
