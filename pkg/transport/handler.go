package transport

import (
	"context"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/history"
)

// RunResult is the outcome of a successful task run.
type RunResult struct {
	RunID  string
	Output string
}

// TaskRunner turns a natural-language task into executed code and returns
// the program's output. It is the primary handler contract; middleware
// wraps it.
type TaskRunner interface {
	RunTask(ctx context.Context, task string) (*RunResult, error)
}

// TaskRunnerFunc adapts an ordinary function to a TaskRunner.
type TaskRunnerFunc func(ctx context.Context, task string) (*RunResult, error)

// RunTask calls f(ctx, task).
func (f TaskRunnerFunc) RunTask(ctx context.Context, task string) (*RunResult, error) {
	return f(ctx, task)
}

// FileReader reads files below the allowed root.
type FileReader interface {
	ReadFile(ctx context.Context, path string) (string, error)
}

// RunReader exposes run history.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*api.RunRecord, error)
	ListRuns(ctx context.Context, opts history.ListOptions) (*api.RunList, error)
}

// ReadinessChecker reports whether backing services are usable.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}
