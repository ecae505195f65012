package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"compiled/internal/core"
)

// Compile requests run for seconds or minutes on real backends; the buckets
// span 5ms to about 5 minutes.
var compileBuckets = prometheus.ExponentialBuckets(0.005, 4, 9)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "compiled",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status code.",
		},
		[]string{"route", "method", "code"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "compiled",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   compileBuckets,
		},
		[]string{"route", "method"},
	)

	compileInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "compiled",
		Subsystem: "http",
		Name:      "compiles_inflight",
		Help:      "Compile and import requests currently being served.",
	})

	compileResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "compiled",
			Subsystem: "http",
			Name:      "compile_results_total",
			Help:      "Successful compile and import responses by device and by where the artifact came from (cache, compiled, uncached, imported).",
		},
		[]string{"op", "device", "source"},
	)

	artifactBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "compiled",
			Subsystem: "http",
			Name:      "artifact_bytes",
			Help:      "Size of artifacts received by /import and returned by /compile with export.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"direction"},
	)

	errorResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "compiled",
			Subsystem: "http",
			Name:      "error_responses_total",
			Help:      "JSON error responses by status code.",
		},
		[]string{"code"},
	)
)

func init() {
	prometheus.MustRegister(httpRequests, httpDuration, compileInflight, compileResults, artifactBytes, errorResponses)
}

// MetricsMiddleware records request counts and latency. The route label is
// read after the handler ran, once chi has matched the pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routeLabel(r)
		httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		httpDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// routeLabel returns the matched chi pattern. Unmatched requests share one
// label so that probing random paths cannot grow the series count.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// observeResult counts a successful compile or import response.
func observeResult(op string, cm *core.CompiledModel) {
	source := "compiled"
	switch {
	case op == "import":
		source = "imported"
	case cm.LoadedFromCache:
		source = "cache"
	case cm.Key.IsZero():
		source = "uncached"
	}
	compileResults.WithLabelValues(op, cm.Device, source).Inc()
}
