package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// knownRoutes bounds the route label to the service's own endpoints.
var knownRoutes = map[string]bool{
	"/read":    true,
	"/run":     true,
	"/runs":    true,
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// MetricsMiddleware wraps an HTTP handler to record request metrics.
//
// It captures:
//   - taskrun_http_requests_total (counter): method, route, and status class
//   - taskrun_http_request_duration_seconds (histogram): method and route
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := RouteLabel(r.URL.Path)
		statusStr := strconv.Itoa(sw.status/100) + "xx"

		HTTPRequestsTotal.WithLabelValues(r.Method, route, statusStr).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RouteLabel maps a request path onto a low-cardinality route label.
func RouteLabel(path string) string {
	if knownRoutes[path] {
		return path
	}
	switch {
	case strings.HasPrefix(path, "/runs/"):
		return "/runs/{id}"
	case path == "/mcp" || strings.HasPrefix(path, "/mcp/"):
		return "/mcp"
	default:
		return "other"
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

// WriteHeader captures the status code and delegates to the underlying writer.
func (w *statusWriter) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

// Write delegates to the underlying writer and marks the status as written.
func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

// Flush delegates to the underlying writer if it implements http.Flusher.
// The MCP streamable transport flushes event streams through this.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, enabling http.ResponseController
// and similar utilities to access the original writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
