// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file exposes Prometheus instrumentation for HTTP traffic. Labels are
// kept bounded:
//
//   - method: HTTP method verb
//   - path:   the registered Gin route (e.g. /api/v1/views/:slug), or
//     "unmatched" when no route matched
//   - status: numeric status code as a string
//   - cache:  the response's caching class (public, no-store, none)
//
// Live streams (SSE and WebSocket upgrades) run for minutes, so their
// durations go to a separate histogram instead of skewing request latency.
package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// unmatchedPath labels requests that matched no route.
const unmatchedPath = "unmatched"

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of non-streaming HTTP requests in seconds.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "path"},
	)

	httpStreams = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_stream_duration_seconds",
			Help:    "Lifetime of live update streams in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1s..~4.5h
		},
		[]string{"path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests.",
		},
	)

	// Read payloads are tiny; batch reads of 100 slugs stay under 8KiB.
	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Size of HTTP responses in bytes.",
			Buckets: []float64{64, 128, 256, 512, 1 << 10, 2 << 10, 4 << 10, 8 << 10, 16 << 10},
		},
		[]string{"method", "path"},
	)

	httpCacheClass = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_responses_by_cache_total",
			Help: "Responses by route and Cache-Control class.",
		},
		[]string{"path", "cache"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpStreams, httpInflight, httpRespSize, httpCacheClass)
}

// Metrics returns a Gin middleware that instruments requests with Prometheus.
//
//	r := gin.New()
//	r.Use(middleware.Metrics())
//	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		stream := websocket.IsWebSocketUpgrade(c.Request)
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		dur := time.Since(start).Seconds()
		path := c.FullPath()
		if path == "" {
			path = unmatchedPath
		}
		method := c.Request.Method
		stream = stream || strings.HasPrefix(c.Writer.Header().Get("Content-Type"), "text/event-stream")

		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		if stream {
			httpStreams.WithLabelValues(path).Observe(dur)
			return
		}
		httpLat.WithLabelValues(method, path).Observe(dur)
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, path).Observe(float64(size))
		}
		httpCacheClass.WithLabelValues(path, cacheClass(c.Writer.Header().Get("Cache-Control"))).Inc()
	}
}

// cacheClass folds a Cache-Control value into public, no-store, or none.
func cacheClass(v string) string {
	v = strings.ToLower(v)
	switch {
	case strings.Contains(v, "no-store"):
		return "no-store"
	case strings.Contains(v, "public"):
		return "public"
	default:
		return "none"
	}
}
