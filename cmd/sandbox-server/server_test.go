package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/executor"
)

type stubRunner struct {
	outcome *api.ExecutionOutcome
	err     error
	gotJob  *executor.Job
	code    string

	// block, when set, holds Run until it is closed.
	block   chan struct{}
	entered chan struct{}
}

func (r *stubRunner) Name() string { return "stub" }

func (r *stubRunner) Run(_ context.Context, job *executor.Job) (*api.ExecutionOutcome, error) {
	r.gotJob = job
	if data, err := os.ReadFile(job.ScriptPath); err == nil {
		r.code = string(data)
	}
	if r.block != nil {
		r.entered <- struct{}{}
		<-r.block
	}
	return r.outcome, r.err
}

func postExecute(t *testing.T, h http.Handler, req executor.SandboxRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body)))
	return rec
}

func TestExecuteStatuses(t *testing.T) {
	tests := []struct {
		name       string
		outcome    *api.ExecutionOutcome
		err        error
		wantStatus string
		wantExit   int
	}{
		{"success", &api.ExecutionOutcome{Stdout: "hi\n"}, nil, executor.SandboxStatusSuccess, 0},
		{"nonzero exit", &api.ExecutionOutcome{ExitCode: 2, Stderr: "bad"}, nil, executor.SandboxStatusError, 2},
		{"timeout", &api.ExecutionOutcome{ExitCode: -1, TimedOut: true}, nil, executor.SandboxStatusTimeout, -1},
		{"install failure", nil, api.NewDependencyInstallError("nope", "no matching distribution"), executor.SandboxStatusInstallError, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &stubRunner{outcome: tt.outcome, err: tt.err}
			srv := newSandboxServer(runner, 1)

			rec := postExecute(t, srv.routes(), executor.SandboxRequest{Code: "print('hi')", Requirements: []string{"nope"}})
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
			}
			var resp executor.SandboxResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if resp.ExitCode != tt.wantExit {
				t.Errorf("exit code = %d, want %d", resp.ExitCode, tt.wantExit)
			}
		})
	}
}

func TestExecutePassesJob(t *testing.T) {
	runner := &stubRunner{outcome: &api.ExecutionOutcome{}}
	srv := newSandboxServer(runner, 1)

	postExecute(t, srv.routes(), executor.SandboxRequest{
		RunID:          "run_abc",
		Code:           "print(1)",
		TimeoutSeconds: 7,
		Requirements:   []string{"requests"},
	})

	job := runner.gotJob
	if job == nil {
		t.Fatal("runner not called")
	}
	if job.RunID != "run_abc" || job.Timeout != 7*time.Second {
		t.Errorf("job = %+v", job)
	}
	if len(job.Dependencies) != 1 || job.Dependencies[0] != "requests" {
		t.Errorf("dependencies = %v", job.Dependencies)
	}
	if runner.code != "print(1)" {
		t.Errorf("script content = %q", runner.code)
	}
	if _, err := os.Stat(job.ScriptPath); !os.IsNotExist(err) {
		t.Errorf("script %s not removed", job.ScriptPath)
	}
}

func TestExecuteDefaults(t *testing.T) {
	runner := &stubRunner{outcome: &api.ExecutionOutcome{}}
	srv := newSandboxServer(runner, 1)

	postExecute(t, srv.routes(), executor.SandboxRequest{Code: "x"})

	if runner.gotJob.Timeout != defaultTimeoutSeconds*time.Second {
		t.Errorf("timeout = %v", runner.gotJob.Timeout)
	}
	if runner.gotJob.RunID == "" {
		t.Error("expected a generated run id")
	}
}

func TestExecuteBadRequests(t *testing.T) {
	srv := newSandboxServer(&stubRunner{outcome: &api.ExecutionOutcome{}}, 1)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing code", `{"timeout_seconds": 3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/execute", bytes.NewBufferString(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestExecuteRunnerFailure(t *testing.T) {
	srv := newSandboxServer(&stubRunner{err: api.NewServerError("failed to start python3")}, 1)

	rec := postExecute(t, srv.routes(), executor.SandboxRequest{Code: "x"})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestExecuteAtCapacity(t *testing.T) {
	runner := &stubRunner{
		outcome: &api.ExecutionOutcome{},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	srv := newSandboxServer(runner, 1)
	h := srv.routes()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		postExecute(t, h, executor.SandboxRequest{Code: "slow"})
	}()
	<-runner.entered

	rec := postExecute(t, h, executor.SandboxRequest{Code: "fast"})
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}

	close(runner.block)
	wg.Wait()
}

func TestSandboxRunnerAgainstServer(t *testing.T) {
	srv := newSandboxServer(&stubRunner{outcome: &api.ExecutionOutcome{Stdout: "42\n"}}, 2)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	r := executor.NewSandboxRunner(&executor.StaticAcquirer{URL: ts.URL}, nil)
	outcome, err := r.Run(context.Background(), &executor.Job{RunID: "run_1", Code: "print(42)", Timeout: time.Second})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Stdout != "42\n" || outcome.ExitCode != 0 {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestHealth(t *testing.T) {
	srv := newSandboxServer(&stubRunner{}, 4)

	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "healthy" || resp.Capacity != 4 || resp.Backend != "stub" {
		t.Errorf("health = %+v", resp)
	}
}
