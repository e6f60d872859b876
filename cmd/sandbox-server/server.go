package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/debug"
	"github.com/rhuss/taskrun/pkg/executor"
)

// defaultTimeoutSeconds applies when a request carries no timeout.
const defaultTimeoutSeconds = 120

type sandboxServer struct {
	runner        executor.Runner
	maxConcurrent int32
	currentLoad   atomic.Int32
	startTime     time.Time
}

func newSandboxServer(runner executor.Runner, maxConcurrent int) *sandboxServer {
	return &sandboxServer{
		runner:        runner,
		maxConcurrent: int32(maxConcurrent),
		startTime:     time.Now(),
	}
}

func (s *sandboxServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *sandboxServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	current := s.currentLoad.Add(1)
	defer s.currentLoad.Add(-1)

	if current > s.maxConcurrent {
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("at capacity (%d/%d concurrent executions)", current, s.maxConcurrent))
		return
	}

	var req executor.SandboxRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = defaultTimeoutSeconds
	}
	if req.RunID == "" {
		req.RunID = api.NewRunID()
	}

	logger := slog.With("run_id", req.RunID)
	logger.Info("execute request",
		"code", debug.Truncate(req.Code, 120),
		"timeout", req.TimeoutSeconds,
		"requirements", len(req.Requirements),
	)

	tmpDir, err := os.MkdirTemp("", "sandbox-exec-*")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create temp dir: "+err.Error())
		return
	}
	defer os.RemoveAll(tmpDir)

	scriptPath := filepath.Join(tmpDir, "script.py")
	if err := os.WriteFile(scriptPath, []byte(req.Code), 0o600); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to write code: "+err.Error())
		return
	}

	outcome, err := s.runner.Run(r.Context(), &executor.Job{
		RunID:        req.RunID,
		ScriptPath:   scriptPath,
		Code:         req.Code,
		Dependencies: req.Requirements,
		Timeout:      time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		apiErr := api.AsAPIError(err)
		if apiErr.Type == api.ErrorTypeDependencyInstall {
			logger.Warn("install failed", "error", apiErr.Message)
			writeJSON(w, http.StatusOK, executor.SandboxResponse{
				Status:   executor.SandboxStatusInstallError,
				Stderr:   apiErr.Message,
				ExitCode: -1,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, apiErr.Message)
		return
	}

	resp := executor.SandboxResponse{
		Status:          executor.SandboxStatusSuccess,
		Stdout:          outcome.Stdout,
		Stderr:          outcome.Stderr,
		ExitCode:        outcome.ExitCode,
		ExecutionTimeMs: outcome.Duration.Milliseconds(),
	}
	switch {
	case outcome.TimedOut:
		resp.Status = executor.SandboxStatusTimeout
	case outcome.ExitCode != 0:
		resp.Status = executor.SandboxStatusError
	}

	logger.Info("execute complete",
		"status", resp.Status,
		"exit_code", resp.ExitCode,
		"duration_ms", resp.ExecutionTimeMs,
		"stdout_len", len(resp.Stdout),
	)
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status      string `json:"status"`
	Backend     string `json:"backend"`
	Capacity    int    `json:"capacity"`
	CurrentLoad int    `json:"current_load"`
	UptimeSecs  int64  `json:"uptime_seconds"`
}

func (s *sandboxServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		Backend:     s.runner.Name(),
		Capacity:    int(s.maxConcurrent),
		CurrentLoad: int(s.currentLoad.Load()),
		UptimeSecs:  int64(time.Since(s.startTime).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
