package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/debug"
)

// Sandbox response statuses.
const (
	SandboxStatusSuccess      = "success"
	SandboxStatusError        = "error"
	SandboxStatusTimeout      = "timeout"
	SandboxStatusInstallError = "install_error"
)

// ErrSandboxAtCapacity is returned when the sandbox server answers 429.
var ErrSandboxAtCapacity = errors.New("sandbox at capacity")

// SandboxRequest is the request body for POST /execute on the sandbox server.
type SandboxRequest struct {
	RunID          string   `json:"run_id,omitempty"`
	Code           string   `json:"code"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	Requirements   []string `json:"requirements,omitempty"`
}

// SandboxResponse is the response from POST /execute on the sandbox server.
type SandboxResponse struct {
	Status          string `json:"status"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

// SandboxAcquirer abstracts sandbox acquisition. Implementations exist for
// a static URL and for Kubernetes SandboxClaims.
type SandboxAcquirer interface {
	// Acquire returns a sandbox URL to use for execution.
	// The release function must be called after execution to clean up.
	Acquire(ctx context.Context) (sandboxURL string, release func(), err error)
}

// StaticAcquirer always hands out the same sandbox URL.
type StaticAcquirer struct {
	URL string
}

// Acquire implements SandboxAcquirer.
func (a *StaticAcquirer) Acquire(_ context.Context) (string, func(), error) {
	return strings.TrimRight(a.URL, "/"), func() {}, nil
}

// SandboxClient calls the sandbox server's REST API to execute code.
type SandboxClient struct {
	httpClient *http.Client
}

// NewSandboxClient creates a sandbox HTTP client. The HTTP timeout is a
// backstop; the sandbox enforces the execution timeout itself.
func NewSandboxClient(timeout time.Duration) *SandboxClient {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &SandboxClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Execute sends a code execution request to the sandbox server and returns the result.
func (c *SandboxClient) Execute(ctx context.Context, sandboxURL string, req *SandboxRequest) (*SandboxResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, sandboxURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrSandboxAtCapacity
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sandbox returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var sandboxResp SandboxResponse
	if err := json.Unmarshal(respBody, &sandboxResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &sandboxResp, nil
}

// SandboxRunner executes programs on a remote sandbox server.
type SandboxRunner struct {
	acquirer SandboxAcquirer
	client   *SandboxClient
}

// NewSandboxRunner creates a SandboxRunner.
func NewSandboxRunner(acquirer SandboxAcquirer, client *SandboxClient) *SandboxRunner {
	if client == nil {
		client = NewSandboxClient(0)
	}
	return &SandboxRunner{acquirer: acquirer, client: client}
}

// Name implements Runner.
func (r *SandboxRunner) Name() string { return "sandbox" }

// Run implements Runner.
func (r *SandboxRunner) Run(ctx context.Context, job *Job) (*api.ExecutionOutcome, error) {
	url, release, err := r.acquirer.Acquire(ctx)
	if err != nil {
		return nil, api.NewServerError("sandbox unavailable: " + err.Error())
	}
	defer release()

	req := &SandboxRequest{
		RunID:        job.RunID,
		Code:         job.Code,
		Requirements: job.Dependencies,
	}
	if job.Timeout > 0 {
		req.TimeoutSeconds = int(math.Ceil(job.Timeout.Seconds()))
	}

	debug.Log("executor", "sandbox execute", "run_id", job.RunID, "url", url)

	resp, err := r.client.Execute(ctx, url, req)
	if err != nil {
		if errors.Is(err, ErrSandboxAtCapacity) {
			return nil, api.NewTooManyRequestsError("sandbox is at capacity, retry later")
		}
		if ctx.Err() != nil {
			return nil, api.NewExecutionError("execution cancelled: " + ctx.Err().Error())
		}
		return nil, api.NewServerError(err.Error())
	}

	outcome := &api.ExecutionOutcome{
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Duration: time.Duration(resp.ExecutionTimeMs) * time.Millisecond,
	}
	switch resp.Status {
	case SandboxStatusInstallError:
		return nil, api.NewDependencyInstallError(strings.Join(job.Dependencies, ","), resp.Stderr)
	case SandboxStatusTimeout:
		outcome.TimedOut = true
		if outcome.ExitCode == 0 {
			outcome.ExitCode = -1
		}
	case SandboxStatusError:
		if outcome.ExitCode == 0 {
			outcome.ExitCode = -1
		}
	}
	return outcome, nil
}
