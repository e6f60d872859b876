package executor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/taskrun/pkg/api"
)

// shJob writes script into a temp dir and returns a Job for it. The tests
// run shell scripts through LocalRunner so no Python toolchain is needed.
func shJob(t *testing.T, script string, timeout time.Duration) *Job {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	path, err := writeScratch(t.TempDir(), "run_test", script)
	if err != nil {
		t.Fatalf("writeScratch: %v", err)
	}
	return &Job{RunID: "run_test", ScriptPath: path, Code: script, Timeout: timeout}
}

func shRunner(installer *Installer) *LocalRunner {
	return NewLocalRunner(LocalConfig{Interpreter: []string{"sh"}}, installer)
}

func TestLocalRunner_CapturesOutput(t *testing.T) {
	job := shJob(t, "echo out; echo err >&2", time.Minute)

	outcome, err := shRunner(nil).Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.ExitCode != 0 {
		t.Errorf("exit = %d, want 0", outcome.ExitCode)
	}
	if outcome.Stdout != "out\n" {
		t.Errorf("stdout = %q", outcome.Stdout)
	}
	if outcome.Stderr != "err\n" {
		t.Errorf("stderr = %q", outcome.Stderr)
	}
	if outcome.TimedOut {
		t.Error("unexpected timeout")
	}
}

func TestLocalRunner_NonZeroExit(t *testing.T) {
	job := shJob(t, "echo 'Traceback: boom' >&2; exit 3", time.Minute)

	outcome, err := shRunner(nil).Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.ExitCode != 3 {
		t.Errorf("exit = %d, want 3", outcome.ExitCode)
	}
	if !strings.Contains(outcome.Stderr, "Traceback: boom") {
		t.Errorf("stderr = %q", outcome.Stderr)
	}
}

func TestLocalRunner_WorkDirDefaultsToScriptDir(t *testing.T) {
	job := shJob(t, "pwd", time.Minute)

	outcome, err := shRunner(nil).Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want, _ := filepath.EvalSymlinks(filepath.Dir(job.ScriptPath))
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(outcome.Stdout))
	if got != want {
		t.Errorf("pwd = %q, want %q", got, want)
	}
}

func TestLocalRunner_Timeout(t *testing.T) {
	job := shJob(t, "echo started; sleep 30", 300*time.Millisecond)

	start := time.Now()
	outcome, err := shRunner(nil).Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("run took %s, timeout not enforced", elapsed)
	}
	if !outcome.TimedOut || outcome.ExitCode != -1 {
		t.Errorf("outcome = %+v, want timed out with exit -1", outcome)
	}
	if !strings.Contains(outcome.Stderr, "execution timed out after 300ms") {
		t.Errorf("stderr = %q", outcome.Stderr)
	}
}

func TestLocalRunner_TimeoutKillsProcessGroup(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("process groups are unix only")
	}
	marker := filepath.Join(t.TempDir(), "survived")
	// The background child would touch the marker after the timeout if it
	// outlived its parent.
	job := shJob(t, "(sleep 1; touch "+marker+") & wait", 200*time.Millisecond)

	outcome, err := shRunner(nil).Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.TimedOut {
		t.Fatalf("outcome = %+v, want timed out", outcome)
	}

	time.Sleep(1500 * time.Millisecond)
	if _, err := os.Stat(marker); err == nil {
		t.Error("child process survived the timeout")
	}
}

func TestLocalRunner_CallerCancel(t *testing.T) {
	job := shJob(t, "sleep 30", 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	_, err := shRunner(nil).Run(ctx, job)
	if !api.IsType(err, api.ErrorTypeExecution) {
		t.Fatalf("err = %v, want execution error", err)
	}
	if !strings.Contains(err.Error(), "cancelled") {
		t.Errorf("err = %q", err)
	}
}

func TestLocalRunner_MissingInterpreter(t *testing.T) {
	job := shJob(t, "echo hi", time.Minute)
	r := NewLocalRunner(LocalConfig{Interpreter: []string{"definitely-not-a-real-interpreter"}}, nil)

	_, err := r.Run(context.Background(), job)
	if !api.IsType(err, api.ErrorTypeServerError) {
		t.Fatalf("err = %v, want server error", err)
	}
}

func TestLocalRunner_DependenciesWithoutInstaller(t *testing.T) {
	job := shJob(t, "echo hi", time.Minute)
	job.Dependencies = []string{"requests"}

	_, err := shRunner(nil).Run(context.Background(), job)
	if !api.IsType(err, api.ErrorTypeDependencyInstall) {
		t.Fatalf("err = %v, want dependency install error", err)
	}
}

func TestLocalRunner_PythonPathPointsAtInstallTarget(t *testing.T) {
	inst, logPath := recordingInstaller(t)
	job := shJob(t, `echo "$PYTHONPATH"`, time.Minute)
	job.Dependencies = []string{"requests"}

	outcome, err := shRunner(inst).Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(outcome.Stdout) != inst.TargetDir() {
		t.Errorf("PYTHONPATH = %q, want %q", outcome.Stdout, inst.TargetDir())
	}
	if lines := readLines(t, logPath); len(lines) != 1 {
		t.Errorf("installer calls = %d, want 1", len(lines))
	}
}

func TestLocalRunner_InstallFailureStopsRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	inst, err := NewInstaller(InstallerConfig{
		Command:   []string{"false"},
		TargetDir: filepath.Join(t.TempDir(), "lib"),
	})
	if err != nil {
		t.Fatalf("NewInstaller: %v", err)
	}
	defer inst.Close()

	marker := filepath.Join(t.TempDir(), "ran")
	job := shJob(t, "touch "+marker, time.Minute)
	job.Dependencies = []string{"requests"}

	_, err = shRunner(inst).Run(context.Background(), job)
	if !api.IsType(err, api.ErrorTypeDependencyInstall) {
		t.Fatalf("err = %v, want dependency install error", err)
	}
	if _, statErr := os.Stat(marker); statErr == nil {
		t.Error("program ran despite failed install")
	}
}

func TestAppendLine(t *testing.T) {
	tests := []struct{ s, line, want string }{
		{"", "x", "x"},
		{"a\n", "x", "a\nx"},
		{"a", "x", "a\nx"},
		{"a", "", "a"},
	}
	for _, tt := range tests {
		if got := appendLine(tt.s, tt.line); got != tt.want {
			t.Errorf("appendLine(%q, %q) = %q, want %q", tt.s, tt.line, got, tt.want)
		}
	}
}
