// Package transport defines the handler contracts between the HTTP and MCP
// surfaces and the engine, plus the middleware that wraps task runs.
//
// TaskRunner is the primary contract: it takes a task and returns the run's
// output. FileReader serves guarded reads, and RunReader exposes run history
// when a store is configured.
//
// # Middleware
//
// Middleware wraps a TaskRunner. Recovery turns panics into server errors,
// RequestID makes sure every run carries a request ID (seeded from the
// X-Request-ID header by the HTTP adapter), and Logging writes one slog
// entry per run.
//
// # Errors
//
// HTTPStatusFromError maps api error types to statuses. WriteAPIError
// writes the JSON error body shared by every route.
package transport
