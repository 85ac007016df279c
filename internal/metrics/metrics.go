package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	upstreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_retries_total",
			Help: "Total number of retried upstream requests",
		},
		[]string{"upstream", "reason"},
	)

	aggregateLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregate_cache_lookups_total",
			Help: "Aggregate view lookups by result",
		},
		[]string{"kind", "result"},
	)

	relationSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_relation_syncs_total",
			Help: "CRM relation sync outcomes",
		},
		[]string{"status"},
	)

	matchesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matches_written_total",
			Help: "Matches created or updated by matching runs",
		},
		[]string{"action"},
	)
)

// Middleware records request counts and latency per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordRetry(upstream, reason string) {
	upstreamRetries.WithLabelValues(upstream, reason).Inc()
}

func RecordAggregateLookup(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	aggregateLookups.WithLabelValues(kind, result).Inc()
}

func RecordRelationSync(status string) {
	relationSyncs.WithLabelValues(status).Inc()
}

func RecordMatchWrite(action string) {
	matchesWritten.WithLabelValues(action).Inc()
}
