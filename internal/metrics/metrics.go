// Package metrics holds the Prometheus collectors for sync runs, CalDAV traffic and the ops API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calhub_sync_runs_total",
		Help: "Total number of sync attempts finished, by outcome.",
	}, []string{"status"})

	syncEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calhub_sync_events_total",
		Help: "Per-event CalDAV operations performed by sync runs.",
	}, []string{"action", "result"})

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "calhub_sync_duration_seconds",
		Help:    "Histogram of sync run durations.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	caldavRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calhub_caldav_requests_total",
		Help: "Total number of CalDAV HTTP requests, by method and status code.",
	}, []string{"method", "code"})

	caldavRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calhub_caldav_retries_total",
		Help: "Total number of CalDAV request retries, by reason.",
	}, []string{"reason"})

	feedFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calhub_feed_fetches_total",
		Help: "Total number of ICS feed fetches, by result.",
	}, []string{"result"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calhub_http_request_duration_seconds",
		Help:    "Histogram of latencies for ops API requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// ObserveSyncRun records a finished sync run.
func ObserveSyncRun(status string, duration time.Duration) {
	syncRunsTotal.WithLabelValues(status).Inc()
	syncDuration.Observe(duration.Seconds())
}

// ObserveSyncEvent records one per-event CalDAV operation.
func ObserveSyncEvent(action string, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	syncEventsTotal.WithLabelValues(action, result).Inc()
}

// ObserveCalDAVRequest records a CalDAV response. code is 0 for transport errors.
func ObserveCalDAVRequest(method string, code int) {
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	caldavRequestsTotal.WithLabelValues(method, label).Inc()
}

// ObserveCalDAVRetry records a retried CalDAV request.
func ObserveCalDAVRetry(reason string) {
	caldavRetriesTotal.WithLabelValues(reason).Inc()
}

// ObserveFeedFetch records an ICS feed fetch outcome: "ok", "not_modified" or "error".
func ObserveFeedFetch(result string) {
	feedFetchesTotal.WithLabelValues(result).Inc()
}

// Middleware records ops API request latencies.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
