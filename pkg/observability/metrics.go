// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the taskrun service.
package observability

import "github.com/prometheus/client_golang/prometheus"

// LLMBuckets defines histogram buckets suited for completion latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// ExecutionBuckets covers generated programs, from quick scripts to runs
// that hit the default timeout.
var ExecutionBuckets = []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300}

var (
	// HTTPRequestsTotal counts HTTP requests by method, route, and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrun_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration records HTTP request duration in seconds.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskrun_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"method", "route"},
	)

	// ActiveRuns tracks tasks currently between completion and exit.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskrun_active_runs",
			Help: "Runs in flight",
		},
	)

	// CompletionRequestsTotal counts calls to the completion service. Status
	// is "ok" or the error type.
	CompletionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrun_completion_requests_total",
			Help: "Completion requests",
		},
		[]string{"model", "status"},
	)

	// CompletionLatency records completion latency in seconds, retries included.
	CompletionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskrun_completion_duration_seconds",
			Help:    "Completion latency",
			Buckets: LLMBuckets,
		},
		[]string{"model"},
	)

	// CompletionTokensTotal counts tokens reported by the completion service.
	CompletionTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrun_completion_tokens_total",
			Help: "Token count",
		},
		[]string{"model", "direction"},
	)

	// ExecutionsTotal counts executions of generated code by backend and outcome.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrun_executions_total",
			Help: "Code executions",
		},
		[]string{"backend", "status"},
	)

	// ExecutionDuration records wall-clock execution time in seconds.
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskrun_execution_duration_seconds",
			Help:    "Execution duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"backend"},
	)

	// ForbiddenCodeTotal counts generated programs rejected by the deny-list.
	ForbiddenCodeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrun_forbidden_code_total",
			Help: "Generated programs rejected by the safety filter",
		},
		[]string{"rule"},
	)

	// DependencyInstallsTotal counts dependency provisioning attempts.
	DependencyInstallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrun_dependency_installs_total",
			Help: "Dependency installs",
		},
		[]string{"status"},
	)

	// FileReadsTotal counts file reads by outcome.
	FileReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrun_file_reads_total",
			Help: "File reads",
		},
		[]string{"status"},
	)

	// ScratchFilesTotal counts scratch files created for programs.
	ScratchFilesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrun_scratch_files_total",
			Help: "Scratch files written",
		},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrun_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveRuns,
		CompletionRequestsTotal,
		CompletionLatency,
		CompletionTokensTotal,
		ExecutionsTotal,
		ExecutionDuration,
		ForbiddenCodeTotal,
		DependencyInstallsTotal,
		FileReadsTotal,
		ScratchFilesTotal,
		RateLimitRejectedTotal,
	)
}
