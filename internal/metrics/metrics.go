// Package metrics exposes Prometheus counters and histograms for the
// HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploadcoord_http_requests_total",
			Help: "Total HTTP requests handled by the upload coordinator",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uploadcoord_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	ChunksReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uploadcoord_chunks_received_total",
			Help: "Total chunks successfully written to the chunk store",
		},
	)

	UploadsCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uploadcoord_uploads_completed_total",
			Help: "Total uploads successfully assembled and finalized",
		},
	)
)

// Middleware returns gin middleware recording request count and
// latency, keyed by the route's registered pattern (so path params
// like :id never inflate label cardinality).
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
