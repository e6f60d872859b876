package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/debug"
	"github.com/rhuss/taskrun/pkg/history"
	"github.com/rhuss/taskrun/pkg/transport"
)

// RunIDHeader carries the run ID on /run responses.
const RunIDHeader = "X-Run-ID"

// Adapter serves the task API over HTTP.
type Adapter struct {
	runner   transport.TaskRunner
	files    transport.FileReader
	runs     transport.RunReader        // nil: history routes report it disabled
	ready    transport.ReadinessChecker // nil: always ready
	inflight *transport.InFlightRegistry
	mux      *http.ServeMux
	config   Config
}

// Config holds adapter settings.
type Config struct {
	MaxBodySize int64
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{MaxBodySize: 1 << 20}
}

// AdapterOption configures optional adapter dependencies.
type AdapterOption func(*Adapter)

// WithRunReader enables the history routes.
func WithRunReader(r transport.RunReader) AdapterOption {
	return func(a *Adapter) { a.runs = r }
}

// WithReadiness sets the check behind /readyz.
func WithReadiness(c transport.ReadinessChecker) AdapterOption {
	return func(a *Adapter) { a.ready = c }
}

// WithInFlight shares the registry the runner registers runs in, so
// DELETE /runs/{id} can cancel them.
func WithInFlight(r *transport.InFlightRegistry) AdapterOption {
	return func(a *Adapter) { a.inflight = r }
}

// NewAdapter creates an adapter. Middleware wraps runner in the order given.
func NewAdapter(runner transport.TaskRunner, files transport.FileReader, cfg Config, middlewares []transport.Middleware, opts ...AdapterOption) *Adapter {
	if len(middlewares) > 0 {
		runner = transport.Chain(middlewares...)(runner)
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}

	a := &Adapter{
		runner: runner,
		files:  files,
		mux:    http.NewServeMux(),
		config: cfg,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.inflight == nil {
		a.inflight = transport.NewInFlightRegistry()
	}

	a.mux.HandleFunc("GET /read", a.handleRead)
	a.mux.HandleFunc("POST /run", a.handleRun)
	a.mux.HandleFunc("GET /runs", a.handleListRuns)
	a.mux.HandleFunc("GET /runs/{id}", a.handleGetRun)
	a.mux.HandleFunc("DELETE /runs/{id}", a.handleCancelRun)
	a.mux.HandleFunc("GET /healthz", a.handleHealth)
	a.mux.HandleFunc("GET /readyz", a.handleReady)

	return a
}

// Handler returns the adapter's routes wrapped in request ID propagation.
func (a *Adapter) Handler() http.Handler {
	return httpRequestIDMiddleware(a.mux)
}

// InFlight returns the registry used for cancellation.
func (a *Adapter) InFlight() *transport.InFlightRegistry {
	return a.inflight
}

// httpRequestIDMiddleware seeds the context from X-Request-ID, or a fresh
// ID, and echoes it on the response.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = transport.NewRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(transport.ContextWithRequestID(r.Context(), id)))
	})
}

// handleRead handles GET /read?path=.
func (a *Adapter) handleRead(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("path") {
		transport.WriteAPIError(w, api.NewInvalidRequestError("path", "query parameter 'path' is required"))
		return
	}
	path := q.Get("path")
	debug.Log("http", "read", "path", path, "request_id", transport.RequestIDFromContext(r.Context()))

	content, err := a.files.ReadFile(r.Context(), path)
	if err != nil {
		transport.WriteAPIError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, content)
}

// runRequest is the optional JSON body of POST /run.
type runRequest struct {
	Task *string `json:"task"`
}

// handleRun handles POST /run. The task comes from the query string; a
// JSON body {"task": ...} is accepted when the query has none.
func (a *Adapter) handleRun(w http.ResponseWriter, r *http.Request) {
	task, apiErr := a.taskFromRequest(w, r)
	if apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}

	res, err := a.runner.RunTask(r.Context(), task)
	if err != nil {
		transport.WriteAPIError(w, err)
		return
	}

	w.Header().Set(RunIDHeader, res.RunID)
	writeJSON(w, http.StatusOK, api.RunResponse{Message: api.SuccessMessage, Output: res.Output})
}

func (a *Adapter) taskFromRequest(w http.ResponseWriter, r *http.Request) (string, *api.APIError) {
	if q := r.URL.Query(); q.Has("task") {
		return q.Get("task"), nil
	}

	if r.ContentLength == 0 {
		return "", api.NewInvalidRequestError("task", "query parameter 'task' is required")
	}
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt != "application/json" {
		return "", api.NewInvalidRequestError("task", "query parameter 'task' is required")
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)
	var body runRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return "", api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize))
		}
		return "", api.NewInvalidRequestError("body", "invalid JSON: "+err.Error())
	}
	if body.Task == nil {
		return "", api.NewInvalidRequestError("task", "field 'task' is required")
	}
	return *body.Task, nil
}

// handleGetRun handles GET /runs/{id}.
func (a *Adapter) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if a.runs == nil {
		transport.WriteAPIError(w, errHistoryUnavailable)
		return
	}
	rec, err := a.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		transport.WriteAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleListRuns handles GET /runs.
func (a *Adapter) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if a.runs == nil {
		transport.WriteAPIError(w, errHistoryUnavailable)
		return
	}
	opts, apiErr := parseListOptions(r)
	if apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}
	list, err := a.runs.ListRuns(r.Context(), opts)
	if err != nil {
		transport.WriteAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleCancelRun handles DELETE /runs/{id}. Only runs still in flight
// can be cancelled.
func (a *Adapter) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !api.ValidateRunID(id) {
		transport.WriteAPIError(w, api.NewInvalidRequestError("id", "malformed run id: "+id))
		return
	}
	if !a.inflight.Cancel(id, history.GetTenant(r.Context())) {
		transport.WriteAPIError(w, api.NewNotFoundError("run "+id+" is not in flight"))
		return
	}
	debug.Log("http", "run cancelled", "run_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *Adapter) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Adapter) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready.Ready(r.Context()); err != nil {
			transport.WriteErrorResponse(w, api.NewServerError("not ready: "+err.Error()), http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

var errHistoryUnavailable = api.NewInvalidRequestError("", "run history is not enabled on this server")

// parseListOptions reads limit, after, status and order from the query.
func parseListOptions(r *http.Request) (history.ListOptions, *api.APIError) {
	q := r.URL.Query()
	opts := history.ListOptions{
		After: q.Get("after"),
		Order: q.Get("order"),
	}

	switch opts.Order {
	case "":
		opts.Order = "desc"
	case "asc", "desc":
	default:
		return opts, api.NewInvalidRequestError("order", "order must be 'asc' or 'desc'")
	}

	if opts.After != "" && !api.ValidateRunID(opts.After) {
		return opts, api.NewInvalidRequestError("after", "malformed run id: "+opts.After)
	}

	if s := q.Get("status"); s != "" {
		switch st := api.RunStatus(s); st {
		case api.RunStatusSucceeded, api.RunStatusFailed, api.RunStatusRejected:
			opts.Status = st
		default:
			return opts, api.NewInvalidRequestError("status", "status must be one of succeeded, failed, rejected")
		}
	}

	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			return opts, api.NewInvalidRequestError("limit", "limit must be a positive integer")
		}
		opts.Limit = limit
	}

	return opts, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
