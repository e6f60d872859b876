package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/auth"
	"github.com/rhuss/taskrun/pkg/history"
	"github.com/rhuss/taskrun/pkg/observability"
	"github.com/rhuss/taskrun/pkg/transport"
)

// Completer turns a task into a program.
type Completer interface {
	Complete(ctx context.Context, task string) (*api.CompletionResult, error)
}

// Executor runs a generated program.
type Executor interface {
	Run(ctx context.Context, runID string, res *api.CompletionResult) (*api.ExecutionOutcome, error)
	Backend() string
}

// Engine implements the task pipeline.
type Engine struct {
	completer Completer
	executor  Executor
	files     transport.FileReader
	store     history.Store
	cfg       Config
}

var (
	_ transport.TaskRunner       = (*Engine)(nil)
	_ transport.FileReader       = (*Engine)(nil)
	_ transport.RunReader        = (*Engine)(nil)
	_ transport.ReadinessChecker = (*Engine)(nil)
)

// New creates an Engine. store may be nil.
func New(c Completer, ex Executor, files transport.FileReader, store history.Store, cfg Config) (*Engine, error) {
	if c == nil {
		return nil, errors.New("engine: completer must not be nil")
	}
	if ex == nil {
		return nil, errors.New("engine: executor must not be nil")
	}
	if files == nil {
		return nil, errors.New("engine: file reader must not be nil")
	}
	return &Engine{completer: c, executor: ex, files: files, store: store, cfg: cfg}, nil
}

// RunTask generates a program for task, executes it and returns its
// output. Every run that gets past input validation is recorded in
// history, whether it succeeds or not.
func (e *Engine) RunTask(ctx context.Context, task string) (*transport.RunResult, error) {
	if e.cfg.MaxTaskLength > 0 && utf8.RuneCountInString(task) > e.cfg.MaxTaskLength {
		return nil, api.NewInvalidRequestError("task", fmt.Sprintf("task exceeds %d characters", e.cfg.MaxTaskLength))
	}

	runID := api.NewRunID()
	logger := slog.With("run_id", runID, "request_id", transport.RequestIDFromContext(ctx))
	start := time.Now()

	if e.cfg.InFlight != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		e.cfg.InFlight.Register(runID, history.GetTenant(ctx), cancel)
		defer e.cfg.InFlight.Remove(runID)
	}

	observability.ActiveRuns.Inc()
	defer observability.ActiveRuns.Dec()

	logger.Info("run started", "backend", e.executor.Backend())

	rec := &api.RunRecord{
		ID:        runID,
		Object:    "run",
		Task:      task,
		Backend:   e.executor.Backend(),
		Subject:   subject(ctx),
		CreatedAt: start.Unix(),
	}

	output, err := e.run(ctx, logger, runID, task, rec)

	rec.DurationMs = time.Since(start).Milliseconds()
	rec.Status = api.StatusForError(err)
	if err != nil {
		apiErr := api.AsAPIError(err)
		rec.ErrorType = apiErr.Type
		rec.ErrorMessage = apiErr.Message
	} else {
		rec.Output = output
	}
	e.record(ctx, logger, rec)

	if err != nil {
		return nil, err
	}
	logger.Info("run finished", "duration_ms", rec.DurationMs, "output_len", len(output))
	return &transport.RunResult{RunID: runID, Output: output}, nil
}

func (e *Engine) run(ctx context.Context, logger *slog.Logger, runID, task string, rec *api.RunRecord) (string, error) {
	res, err := e.completer.Complete(ctx, task)
	if err != nil {
		return "", err
	}
	if !e.cfg.OmitCode {
		rec.Code = res.Code
	}
	rec.Dependencies = res.Modules()
	logger.Debug("program generated", "code_len", len(res.Code), "dependencies", rec.Dependencies)

	outcome, err := e.executor.Run(ctx, runID, res)
	if outcome != nil {
		rec.ExitCode = outcome.ExitCode
	}
	if err != nil {
		return "", err
	}
	return outcome.Stdout, nil
}

// record saves rec. Failures are logged and otherwise ignored.
func (e *Engine) record(ctx context.Context, logger *slog.Logger, rec *api.RunRecord) {
	if e.store == nil {
		return
	}
	// The request may be gone by now; the record should still land.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.SaveRun(saveCtx, rec); err != nil {
		logger.Warn("recording run failed", "error", err)
	}
}

// ReadFile returns the contents of a file below the allowed root.
func (e *Engine) ReadFile(ctx context.Context, path string) (string, error) {
	return e.files.ReadFile(ctx, path)
}

// GetRun returns a recorded run.
func (e *Engine) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	if e.store == nil {
		return nil, errHistoryDisabled
	}
	if !api.ValidateRunID(id) {
		return nil, api.NewInvalidRequestError("id", "malformed run id: "+id)
	}
	rec, err := e.store.GetRun(ctx, id)
	if errors.Is(err, history.ErrNotFound) {
		return nil, api.NewNotFoundError("run " + id + " not found")
	}
	if err != nil {
		return nil, api.NewServerError("reading run history: " + err.Error())
	}
	return rec, nil
}

// ListRuns returns a page of recorded runs.
func (e *Engine) ListRuns(ctx context.Context, opts history.ListOptions) (*api.RunList, error) {
	if e.store == nil {
		return nil, errHistoryDisabled
	}
	list, err := e.store.ListRuns(ctx, opts)
	if errors.Is(err, history.ErrUnknownCursor) {
		return nil, api.NewInvalidRequestError("after", "unknown cursor: "+opts.After)
	}
	if err != nil {
		return nil, api.NewServerError("reading run history: " + err.Error())
	}
	return list, nil
}

// Ready checks the history store, when there is one.
func (e *Engine) Ready(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	return e.store.HealthCheck(ctx)
}

// HistoryEnabled reports whether runs are recorded.
func (e *Engine) HistoryEnabled() bool {
	return e.store != nil
}

var errHistoryDisabled = api.NewInvalidRequestError("", "run history is not enabled on this server")

func subject(ctx context.Context) string {
	if id := auth.IdentityFromContext(ctx); id != nil {
		return id.Subject
	}
	return ""
}
