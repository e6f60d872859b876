package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/debug"
)

const (
	containerScriptPath = "/work/task.py"
	containerLibDir     = "/work/lib"
)

// ContainerAPI is the part of the Docker client the ContainerRunner uses.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

var _ ContainerAPI = (*client.Client)(nil)

// NewDockerClient connects to the Docker daemon described by the
// environment (DOCKER_HOST and friends).
func NewDockerClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// ContainerConfig configures a ContainerRunner.
type ContainerConfig struct {
	// Image must provide python and pip. Defaults to python:3.12-slim.
	Image string

	// DataRoot is bind-mounted read-write at the same path inside the
	// container and used as the working directory.
	DataRoot string

	// Network enables networking for the program. Installs always have
	// network access.
	Network bool

	MemoryMB  int64
	CPUs      float64
	PidsLimit int64

	// IndexURL overrides the package index for installs.
	IndexURL string
}

// ContainerRunner runs every program in a fresh container.
type ContainerRunner struct {
	api ContainerAPI
	cfg ContainerConfig
}

// NewContainerRunner creates a ContainerRunner.
func NewContainerRunner(cli ContainerAPI, cfg ContainerConfig) *ContainerRunner {
	if cfg.Image == "" {
		cfg.Image = "python:3.12-slim"
	}
	if cfg.PidsLimit == 0 {
		cfg.PidsLimit = 256
	}
	if cfg.DataRoot != "" {
		cfg.DataRoot = filepath.Clean(cfg.DataRoot)
	}
	return &ContainerRunner{api: cli, cfg: cfg}
}

// Name implements Runner.
func (r *ContainerRunner) Name() string { return "container" }

// Run implements Runner.
func (r *ContainerRunner) Run(ctx context.Context, job *Job) (*api.ExecutionOutcome, error) {
	libDir, err := os.MkdirTemp(filepath.Dir(job.ScriptPath), "lib-")
	if err != nil {
		return nil, api.NewServerError("failed to create library directory: " + err.Error())
	}
	defer os.RemoveAll(libDir)

	if len(job.Dependencies) > 0 {
		if err := r.install(ctx, job, libDir); err != nil {
			return nil, err
		}
	}

	cfg := &container.Config{
		Image:           r.cfg.Image,
		Cmd:             []string{"python", containerScriptPath},
		Env:             []string{"PYTHONPATH=" + containerLibDir, "PYTHONUNBUFFERED=1"},
		WorkingDir:      r.cfg.DataRoot,
		NetworkDisabled: !r.cfg.Network,
		Labels:          map[string]string{"taskrun.run-id": job.RunID},
	}
	hostCfg := r.hostConfig(
		job.ScriptPath+":"+containerScriptPath+":ro",
		libDir+":"+containerLibDir+":ro",
	)
	if r.cfg.DataRoot != "" {
		hostCfg.Binds = append(hostCfg.Binds, r.cfg.DataRoot+":"+r.cfg.DataRoot)
	}
	if !r.cfg.Network {
		hostCfg.NetworkMode = "none"
	}

	return r.runContainer(ctx, containerName(job.RunID, "run"), cfg, hostCfg, job.Timeout)
}

// install runs pip in a throwaway container that writes into libDir.
func (r *ContainerRunner) install(ctx context.Context, job *Job, libDir string) error {
	cmd := []string{"pip", "install", "--no-cache-dir", "--disable-pip-version-check", "--target", containerLibDir}
	if r.cfg.IndexURL != "" {
		cmd = append(cmd, "--index-url", r.cfg.IndexURL)
	}
	cmd = append(cmd, job.Dependencies...)

	cfg := &container.Config{
		Image:  r.cfg.Image,
		Cmd:    cmd,
		Labels: map[string]string{"taskrun.run-id": job.RunID},
	}
	hostCfg := r.hostConfig(libDir + ":" + containerLibDir)

	outcome, err := r.runContainer(ctx, containerName(job.RunID, "install"), cfg, hostCfg, 5*time.Minute)
	if err != nil {
		return err
	}
	if outcome.ExitCode != 0 {
		return api.NewDependencyInstallError(strings.Join(job.Dependencies, ","),
			"dependency installation failed: "+strings.TrimSpace(outcome.Stderr+"\n"+outcome.Stdout))
	}
	return nil
}

func (r *ContainerRunner) hostConfig(binds ...string) *container.HostConfig {
	hc := &container.HostConfig{Binds: binds}
	if r.cfg.MemoryMB > 0 {
		hc.Resources.Memory = r.cfg.MemoryMB * 1024 * 1024
	}
	if r.cfg.CPUs > 0 {
		hc.Resources.NanoCPUs = int64(r.cfg.CPUs * 1e9)
	}
	if r.cfg.PidsLimit > 0 {
		limit := r.cfg.PidsLimit
		hc.Resources.PidsLimit = &limit
	}
	return hc
}

// runContainer creates, starts and waits for one container, then collects
// its demultiplexed logs. The container is always force-removed.
func (r *ContainerRunner) runContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, timeout time.Duration) (*api.ExecutionOutcome, error) {
	resp, err := r.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("create container: %s", err.Error()))
	}
	defer func() {
		if err := r.api.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			debug.Log("executor", "container remove failed", "id", resp.ID, "error", err)
		}
	}()

	start := time.Now()
	if err := r.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, api.NewServerError(fmt.Sprintf("start container: %s", err.Error()))
	}
	debug.Log("executor", "container started", "name", name, "id", resp.ID, "image", cfg.Image)

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	outcome := &api.ExecutionOutcome{}
	statusCh, errCh := r.api.ContainerWait(waitCtx, resp.ID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		outcome.ExitCode = int(status.StatusCode)
		if status.Error != nil && status.Error.Message != "" {
			outcome.Stderr = status.Error.Message
		}
	case err := <-errCh:
		r.api.ContainerKill(context.Background(), resp.ID, "SIGKILL")
		switch {
		case ctx.Err() != nil:
			return nil, api.NewExecutionError("execution cancelled: " + ctx.Err().Error())
		case errors.Is(waitCtx.Err(), context.DeadlineExceeded):
			outcome.ExitCode = -1
			outcome.TimedOut = true
		default:
			return nil, api.NewServerError(fmt.Sprintf("wait container: %s", err.Error()))
		}
	}
	outcome.Duration = time.Since(start)

	stdout, stderr, err := r.collectLogs(resp.ID)
	if err != nil {
		debug.Log("executor", "container logs unavailable", "id", resp.ID, "error", err)
	}
	outcome.Stdout = stdout
	outcome.Stderr = appendLine(stderr, outcome.Stderr)
	if outcome.TimedOut {
		outcome.Stderr = appendLine(outcome.Stderr, fmt.Sprintf("execution timed out after %s", timeout))
	}
	return outcome, nil
}

func (r *ContainerRunner) collectLogs(id string) (string, string, error) {
	rc, err := r.api.ContainerLogs(context.Background(), id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return stdout.String(), stderr.String(), err
	}
	return stdout.String(), stderr.String(), nil
}

// containerName derives a Docker-safe name from the run ID.
func containerName(runID, phase string) string {
	return "taskrun-" + strings.ReplaceAll(runID, "_", "-") + "-" + phase
}
