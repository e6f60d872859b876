package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/taskrun/pkg/api"
)

func sandboxServer(t *testing.T, status int, resp SandboxResponse, got *SandboxRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/execute" {
			http.NotFound(w, r)
			return
		}
		if got != nil {
			if err := json.NewDecoder(r.Body).Decode(got); err != nil {
				t.Errorf("decoding request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type countingAcquirer struct {
	url      string
	err      error
	acquired int
	released int
}

func (a *countingAcquirer) Acquire(context.Context) (string, func(), error) {
	if a.err != nil {
		return "", nil, a.err
	}
	a.acquired++
	return a.url, func() { a.released++ }, nil
}

func TestSandboxRunner_Success(t *testing.T) {
	var req SandboxRequest
	srv := sandboxServer(t, http.StatusOK, SandboxResponse{
		Status: SandboxStatusSuccess, Stdout: "42\n", ExecutionTimeMs: 15,
	}, &req)
	acq := &countingAcquirer{url: srv.URL}
	r := NewSandboxRunner(acq, NewSandboxClient(5*time.Second))

	job := &Job{RunID: "run_s1", Code: "print(42)", Dependencies: []string{"rich"}, Timeout: 1500 * time.Millisecond}
	outcome, err := r.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Stdout != "42\n" || outcome.ExitCode != 0 || outcome.Duration != 15*time.Millisecond {
		t.Errorf("outcome = %+v", outcome)
	}
	if req.Code != "print(42)" || req.RunID != "run_s1" || req.TimeoutSeconds != 2 {
		t.Errorf("request = %+v", req)
	}
	if len(req.Requirements) != 1 || req.Requirements[0] != "rich" {
		t.Errorf("requirements = %v", req.Requirements)
	}
	if acq.acquired != 1 || acq.released != 1 {
		t.Errorf("acquired=%d released=%d", acq.acquired, acq.released)
	}
}

func TestSandboxRunner_StatusMapping(t *testing.T) {
	tests := []struct {
		name         string
		resp         SandboxResponse
		wantErr      api.ErrorType
		wantExit     int
		wantTimedOut bool
	}{
		{
			name:     "error with exit code",
			resp:     SandboxResponse{Status: SandboxStatusError, ExitCode: 2, Stderr: "boom"},
			wantExit: 2,
		},
		{
			name:     "error without exit code",
			resp:     SandboxResponse{Status: SandboxStatusError, Stderr: "boom"},
			wantExit: -1,
		},
		{
			name:         "timeout",
			resp:         SandboxResponse{Status: SandboxStatusTimeout, ExitCode: -1},
			wantExit:     -1,
			wantTimedOut: true,
		},
		{
			name:    "install error",
			resp:    SandboxResponse{Status: SandboxStatusInstallError, Stderr: "no such package"},
			wantErr: api.ErrorTypeDependencyInstall,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := sandboxServer(t, http.StatusOK, tt.resp, nil)
			r := NewSandboxRunner(&StaticAcquirer{URL: srv.URL + "/"}, nil)

			outcome, err := r.Run(context.Background(), &Job{RunID: "run_s", Code: "x"})
			if tt.wantErr != "" {
				if !api.IsType(err, tt.wantErr) {
					t.Fatalf("err = %v, want %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if outcome.ExitCode != tt.wantExit || outcome.TimedOut != tt.wantTimedOut {
				t.Errorf("outcome = %+v", outcome)
			}
		})
	}
}

func TestSandboxRunner_AtCapacity(t *testing.T) {
	srv := sandboxServer(t, http.StatusTooManyRequests, SandboxResponse{}, nil)
	r := NewSandboxRunner(&StaticAcquirer{URL: srv.URL}, nil)

	_, err := r.Run(context.Background(), &Job{Code: "x"})
	if !api.IsType(err, api.ErrorTypeTooManyRequests) {
		t.Fatalf("err = %v, want too many requests", err)
	}
}

func TestSandboxRunner_ServerError(t *testing.T) {
	srv := sandboxServer(t, http.StatusInternalServerError, SandboxResponse{}, nil)
	r := NewSandboxRunner(&StaticAcquirer{URL: srv.URL}, nil)

	_, err := r.Run(context.Background(), &Job{Code: "x"})
	if !api.IsType(err, api.ErrorTypeServerError) {
		t.Fatalf("err = %v, want server error", err)
	}
	if !strings.Contains(err.Error(), "HTTP 500") {
		t.Errorf("message = %q", err)
	}
}

func TestSandboxRunner_AcquireFailure(t *testing.T) {
	r := NewSandboxRunner(&countingAcquirer{err: errors.New("no sandboxes")}, nil)

	_, err := r.Run(context.Background(), &Job{Code: "x"})
	if !api.IsType(err, api.ErrorTypeServerError) || !strings.Contains(err.Error(), "no sandboxes") {
		t.Fatalf("err = %v", err)
	}
}

func TestSandboxClient_Execute(t *testing.T) {
	srv := sandboxServer(t, http.StatusOK, SandboxResponse{Status: SandboxStatusSuccess, Stdout: "hi"}, nil)

	resp, err := NewSandboxClient(0).Execute(context.Background(), srv.URL, &SandboxRequest{Code: "print('hi')"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Stdout != "hi" {
		t.Errorf("stdout = %q", resp.Stdout)
	}

	_, err = NewSandboxClient(0).Execute(context.Background(), "http://127.0.0.1:1", &SandboxRequest{})
	if err == nil {
		t.Error("expected transport error")
	}
}
