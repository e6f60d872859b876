package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/debug"
)

// LocalConfig configures a LocalRunner.
type LocalConfig struct {
	// Interpreter is the argv the script path is appended to.
	// Defaults to uv run.
	Interpreter []string

	// WorkDir is the program's working directory. Defaults to the
	// directory holding the scratch file.
	WorkDir string

	// Env is appended to the service's own environment.
	Env []string

	// KillGrace is how long to wait for output pipes to close after the
	// process group was killed. Defaults to two seconds.
	KillGrace time.Duration
}

// LocalRunner runs programs as subprocesses of the service.
type LocalRunner struct {
	cfg       LocalConfig
	installer *Installer
}

// NewLocalRunner creates a LocalRunner. installer may be nil when
// provisioning is disabled.
func NewLocalRunner(cfg LocalConfig, installer *Installer) *LocalRunner {
	if len(cfg.Interpreter) == 0 {
		cfg.Interpreter = []string{"uv", "run"}
	}
	if cfg.KillGrace == 0 {
		cfg.KillGrace = 2 * time.Second
	}
	return &LocalRunner{cfg: cfg, installer: installer}
}

// Name implements Runner.
func (r *LocalRunner) Name() string { return "local" }

// Run implements Runner.
func (r *LocalRunner) Run(ctx context.Context, job *Job) (*api.ExecutionOutcome, error) {
	if len(job.Dependencies) > 0 {
		if r.installer == nil {
			return nil, api.NewDependencyInstallError(strings.Join(job.Dependencies, ","),
				"dependency provisioning is not configured for the local runner")
		}
		if err := r.installer.Install(ctx, job.Dependencies); err != nil {
			return nil, err
		}
	}

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	args := make([]string, 0, len(r.cfg.Interpreter))
	args = append(args, r.cfg.Interpreter[1:]...)
	args = append(args, job.ScriptPath)

	cmd := exec.CommandContext(runCtx, r.cfg.Interpreter[0], args...)
	cmd.Dir = r.cfg.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(job.ScriptPath)
	}
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	if r.installer != nil {
		cmd.Env = append(cmd.Env, "PYTHONPATH="+r.installer.TargetDir())
	}
	cmd.WaitDelay = r.cfg.KillGrace
	configureProcessGroup(cmd)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	debug.Log("executor", "spawning", "run_id", job.RunID, "argv", cmd.Args, "dir", cmd.Dir)

	start := time.Now()
	runErr := cmd.Run()
	outcome := &api.ExecutionOutcome{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr == nil {
		return outcome, nil
	}

	// Deadline first: a killed process also reports an ExitError.
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		outcome.ExitCode = -1
		outcome.TimedOut = true
		outcome.Stderr = appendLine(outcome.Stderr, fmt.Sprintf("execution timed out after %s", job.Timeout))
		return outcome, nil
	}
	if ctx.Err() != nil {
		return nil, api.NewExecutionError("execution cancelled: " + ctx.Err().Error())
	}

	// The program exited cleanly but left a child holding its output open.
	if errors.Is(runErr, exec.ErrWaitDelay) {
		return outcome, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		outcome.ExitCode = exitErr.ExitCode()
		return outcome, nil
	}
	return nil, api.NewServerError(fmt.Sprintf("failed to start %s: %s", r.cfg.Interpreter[0], runErr.Error()))
}

func appendLine(s, line string) string {
	if line == "" {
		return s
	}
	if s == "" || strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}
