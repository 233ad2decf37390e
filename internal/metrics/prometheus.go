package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	workflowRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketflow_workflow_runs_total",
			Help: "Total number of workflow runs by outcome",
		},
		[]string{"outcome"},
	)

	workflowDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ticketflow_workflow_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	nodeVisitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketflow_node_visits_total",
			Help: "Total number of state machine node visits",
		},
		[]string{"node", "success"},
	)

	qualityRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketflow_quality_retries_total",
			Help: "Total number of responses sent back for improvement",
		},
	)

	qualityScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ticketflow_quality_score",
			Help:    "Distribution of quality evaluation scores",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 65, 70, 75, 80, 90, 100},
		},
	)

	compressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketflow_compressions_total",
			Help: "Total number of context compressions by mode",
		},
		[]string{"mode"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
)

// RecordWorkflowRun records a finished run
func RecordWorkflowRun(outcome string, duration time.Duration) {
	workflowRunsTotal.WithLabelValues(outcome).Inc()
	workflowDuration.Observe(duration.Seconds())
}

// RecordNodeVisit records one node execution
func RecordNodeVisit(node string, success bool) {
	nodeVisitsTotal.WithLabelValues(node, strconv.FormatBool(success)).Inc()
}

// RecordQualityScore records an evaluation score
func RecordQualityScore(score float64) {
	qualityScore.Observe(score)
}

// RecordQualityRetry records a retry decided by the quality gate
func RecordQualityRetry() {
	qualityRetriesTotal.Inc()
}

// RecordCompression records a compression run ("llm", "fallback", "minimal")
func RecordCompression(mode string) {
	compressionsTotal.WithLabelValues(mode).Inc()
}

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, route string, status int) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}
