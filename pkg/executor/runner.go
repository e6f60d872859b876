package executor

import (
	"context"
	"time"

	"github.com/rhuss/taskrun/pkg/api"
)

// Job is one program handed to a Runner.
type Job struct {
	RunID string

	// ScriptPath is the scratch file holding Code.
	ScriptPath string
	Code       string

	// Dependencies lists packages that must be importable before the
	// program starts. Already filtered by the DependencyPolicy.
	Dependencies []string

	// Timeout bounds the program's wall-clock time. Zero means no limit.
	Timeout time.Duration
}

// Runner executes a Job and reports its outcome. A non-zero exit is not an
// error: it is returned in the outcome. Errors are reserved for failures to
// provision or to run at all.
type Runner interface {
	Name() string
	Run(ctx context.Context, job *Job) (*api.ExecutionOutcome, error)
}
