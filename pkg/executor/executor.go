package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/debug"
	"github.com/rhuss/taskrun/pkg/observability"
	"github.com/rhuss/taskrun/pkg/safety"
)

// DefaultTimeout bounds a program when no timeout is configured.
const DefaultTimeout = 120 * time.Second

// Config holds Executor settings.
type Config struct {
	// ScratchDir holds per-run scratch files. Defaults to
	// $TMPDIR/taskrun.
	ScratchDir string

	// Timeout is the wall-clock limit per program. Negative disables it.
	// Zero selects DefaultTimeout.
	Timeout time.Duration
}

// Executor screens, stages and runs generated programs.
type Executor struct {
	filter *safety.Filter
	policy *DependencyPolicy
	runner Runner
	cfg    Config
}

// New creates an Executor and its scratch directory. policy may be nil,
// which disables provisioning.
func New(filter *safety.Filter, policy *DependencyPolicy, runner Runner, cfg Config) (*Executor, error) {
	if filter == nil {
		return nil, errors.New("executor: safety filter is required")
	}
	if runner == nil {
		return nil, errors.New("executor: runner is required")
	}
	if policy == nil {
		policy = NewDependencyPolicy(false, nil, nil)
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(os.TempDir(), "taskrun")
	}
	switch {
	case cfg.Timeout == 0:
		cfg.Timeout = DefaultTimeout
	case cfg.Timeout < 0:
		cfg.Timeout = 0
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o700); err != nil {
		return nil, fmt.Errorf("executor: creating scratch directory: %w", err)
	}
	return &Executor{filter: filter, policy: policy, runner: runner, cfg: cfg}, nil
}

// Backend returns the runner name.
func (e *Executor) Backend() string {
	return e.runner.Name()
}

// ScratchDir returns the directory scratch files are written to.
func (e *Executor) ScratchDir() string {
	return e.cfg.ScratchDir
}

// Run executes res.Code for run runID.
//
// The safety filter runs before anything touches disk; a match fails with
// a forbidden error. A non-zero exit or a timeout fails with an execution
// error carrying stderr. On success the outcome's Stdout has trailing
// whitespace removed.
func (e *Executor) Run(ctx context.Context, runID string, res *api.CompletionResult) (*api.ExecutionOutcome, error) {
	backend := e.runner.Name()
	logger := slog.With("run_id", runID, "backend", backend)

	if res == nil || strings.TrimSpace(res.Code) == "" {
		observability.ExecutionsTotal.WithLabelValues(backend, "invalid").Inc()
		return nil, api.NewSchemaViolationError("completion returned no code")
	}

	if rule, found := e.filter.Match(res.Code); found {
		observability.ExecutionsTotal.WithLabelValues(backend, "forbidden").Inc()
		logger.Warn("generated code rejected", "rule", rule.Name)
		return nil, api.NewForbiddenError("Deletion operations are not allowed")
	}

	deps, err := e.policy.Plan(res.Modules())
	if err != nil {
		observability.ExecutionsTotal.WithLabelValues(backend, "dependency_error").Inc()
		logger.Warn("dependency rejected", "error", err)
		return nil, err
	}

	path, err := writeScratch(e.cfg.ScratchDir, runID, res.Code)
	if err != nil {
		observability.ExecutionsTotal.WithLabelValues(backend, "error").Inc()
		return nil, api.NewServerError(err.Error())
	}
	defer removeScratch(path)

	debug.Trace("executor", "program", "run_id", runID, "code", res.Code)

	job := &Job{
		RunID:        runID,
		ScriptPath:   path,
		Code:         res.Code,
		Dependencies: deps,
		Timeout:      e.cfg.Timeout,
	}

	outcome, err := e.runner.Run(ctx, job)
	if err != nil {
		status := "error"
		if api.IsType(err, api.ErrorTypeDependencyInstall) {
			status = "dependency_error"
		}
		observability.ExecutionsTotal.WithLabelValues(backend, status).Inc()
		logger.Error("execution failed", "error", err)
		return nil, err
	}
	observability.ExecutionDuration.WithLabelValues(backend).Observe(outcome.Duration.Seconds())

	switch {
	case outcome.TimedOut:
		observability.ExecutionsTotal.WithLabelValues(backend, "timeout").Inc()
		logger.Warn("execution timed out", "timeout", e.cfg.Timeout)
		stderr := strings.TrimSpace(outcome.Stderr)
		if !strings.Contains(stderr, "execution timed out") {
			stderr = appendLine(stderr, fmt.Sprintf("execution timed out after %s", e.cfg.Timeout))
		}
		return outcome, api.NewExecutionError(stderr)
	case outcome.ExitCode != 0:
		observability.ExecutionsTotal.WithLabelValues(backend, "exit_error").Inc()
		logger.Info("program exited with error", "exit_code", outcome.ExitCode, "duration_ms", outcome.Duration.Milliseconds())
		return outcome, api.NewExecutionError(strings.TrimSpace(outcome.Stderr))
	}

	outcome.Stdout = strings.TrimRightFunc(outcome.Stdout, unicode.IsSpace)
	observability.ExecutionsTotal.WithLabelValues(backend, "ok").Inc()
	logger.Info("program finished", "duration_ms", outcome.Duration.Milliseconds(), "stdout_len", len(outcome.Stdout))
	return outcome, nil
}
