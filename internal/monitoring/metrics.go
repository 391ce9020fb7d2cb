package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Classification outcomes.
const (
	OutcomeClassified = "classified"
	OutcomeFailed     = "classification_failed"
	OutcomeSkipped    = "already_classified"
)

var (
	MessagesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatguard_messages_ingested_total",
			Help: "Messages accepted by the ingestion service.",
		},
	)

	Classifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatguard_classifications_total",
			Help: "Pipeline runs by outcome.",
		},
		[]string{"outcome"},
	)

	ClassificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatguard_classification_duration_seconds",
			Help:    "Time spent in the classifier, failures included.",
			Buckets: prometheus.DefBuckets,
		},
	)

	FlagsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatguard_flags_created_total",
			Help: "Pending moderation flags created.",
		},
	)

	ModerationActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatguard_moderation_actions_total",
			Help: "Moderator actions applied.",
		},
		[]string{"action"},
	)

	ScheduleFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatguard_schedule_failures_total",
			Help: "Classification jobs that could not be scheduled.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatguard_http_requests_total",
			Help: "HTTP requests by route and status.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "chatguard_http_request_duration_seconds",
			Help: "HTTP request latency by route.",
		},
		[]string{"method", "path"},
	)
)

// Middleware records request count and latency per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
