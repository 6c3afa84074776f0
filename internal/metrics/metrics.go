package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timelock",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "timelock",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	accessDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timelock",
		Name:      "access_decisions_total",
		Help:      "Access mediator outcomes by flow.",
	}, []string{"flow", "outcome"})

	ledgerCalls = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "timelock",
		Name:      "ledger_call_duration_seconds",
		Help:      "Expiry ledger call latency by operation and outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op", "outcome"})

	partialUploads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timelock",
		Name:      "partial_upload_failures_total",
		Help:      "Uploads registered on the ledger whose blob write failed.",
	})

	tokensMinted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timelock",
		Name:      "view_tokens_minted_total",
		Help:      "View tokens issued.",
	})
)

// InitMetrics registers all collectors with the default registry. Safe to
// call more than once.
func InitMetrics() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			accessDecisions,
			ledgerCalls,
			partialUploads,
			tokensMinted,
		)
	})
}

// Register attaches the Prometheus metrics endpoint to the router.
func Register(router *gin.Engine, path string) {
	if path == "" {
		return
	}
	router.GET(path, gin.WrapH(promhttp.Handler()))
}

// Middleware records request counts and latency per matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// ObserveAccess counts one mediator decision.
func ObserveAccess(flow, outcome string) {
	accessDecisions.WithLabelValues(flow, outcome).Inc()
}

// ObserveLedgerCall records the latency of one ledger operation.
func ObserveLedgerCall(op, outcome string, elapsed time.Duration) {
	ledgerCalls.WithLabelValues(op, outcome).Observe(elapsed.Seconds())
}

// IncPartialUpload counts an upload left registered without a blob.
func IncPartialUpload() {
	partialUploads.Inc()
}

// IncTokensMinted counts an issued view token.
func IncTokensMinted() {
	tokensMinted.Inc()
}
