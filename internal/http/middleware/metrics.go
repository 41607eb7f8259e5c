// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file exposes Prometheus instrumentation for HTTP traffic. Labels stay
// bounded:
//
//   - method: HTTP verb
//   - path:   the registered Gin route (e.g. /api/v1/incidents/:id/cancel);
//     "unmatched" when no route matched
//   - status: numeric status code
//   - caller: dongle, mechanic, user or anonymous, from the identity headers
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// unmatchedPath labels requests that matched no route.
const unmatchedPath = "unmatched"

// Caller classes for the caller label.
const (
	callerDongle    = "dongle"
	callerMechanic  = "mechanic"
	callerUser      = "user"
	callerAnonymous = "anonymous"
)

// headerMechanicID mirrors handlers.HeaderMechanicID.
const headerMechanicID = "X-Mechanic-ID"

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autofix",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, status and caller class.",
		},
		[]string{"method", "path", "status", "caller"},
	)

	// Status is left out to keep the histogram small.
	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "autofix",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "autofix",
			Name:      "http_requests_inflight",
			Help:      "HTTP requests currently being served.",
		},
	)

	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "autofix",
			Name:      "http_response_size_bytes",
			Help:      "HTTP response sizes.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8), // 256B..4MiB
		},
		[]string{"method", "path"},
	)

	// httpReplays counts responses served from the idempotency store.
	httpReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autofix",
			Name:      "http_idempotent_replays_total",
			Help:      "Responses replayed for a repeated Idempotency-Key.",
		},
		[]string{"path"},
	)

	// httpRateLimited counts 429s by bucket class (dongle, user, ip).
	httpRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autofix",
			Name:      "http_rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		},
		[]string{"class"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize, httpReplays, httpRateLimited)
}

// callerClass buckets the request by who sent it. Dongles win over users so
// device traffic stays visible when a gateway also stamps X-User-ID.
func callerClass(c *gin.Context) string {
	switch {
	case c.GetHeader(HeaderDongleID) != "":
		return callerDongle
	case c.GetHeader(headerMechanicID) != "":
		return callerMechanic
	}
	if v, ok := c.Get(userIDKey); ok {
		if s, _ := v.(string); s != "" {
			return callerUser
		}
	}
	return callerAnonymous
}

// Metrics returns a Gin middleware that instruments requests with Prometheus.
// Place it after Identity so the caller label sees the user ID.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = unmatchedPath
		}
		method := c.Request.Method

		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status()), callerClass(c)).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		// Size is -1 when nothing was written.
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, path).Observe(float64(size))
		}
		if IsReplay(c) {
			httpReplays.WithLabelValues(path).Inc()
		}
	}
}
