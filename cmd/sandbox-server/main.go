// Command sandbox-server runs inside a sandbox pod or container and
// executes programs for the taskrun sandbox backend.
//
// Configuration:
//
//	SANDBOX_PORT           - Listen port (default: 8080)
//	SANDBOX_MAX_CONCURRENT - Max concurrent executions (default: 3)
//	SANDBOX_INTERPRETER    - Interpreter argv, space separated (default: python3)
//	SANDBOX_PYTHON_INDEX   - Package index URL for installs (default: pypi)
//	SANDBOX_LIB_DIR        - Install target shared by all runs (default: $TMPDIR/sandbox-libs)
//	SANDBOX_CACHE_TTL      - How long an installed package is trusted (default: 1h)
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/taskrun/pkg/debug"
	"github.com/rhuss/taskrun/pkg/executor"
)

func main() {
	if err := run(); err != nil {
		slog.Error("sandbox server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	debug.Init(debug.Options{})

	port := envOr("SANDBOX_PORT", "8080")
	maxConcurrent := envOrInt("SANDBOX_MAX_CONCURRENT", 3)
	interpreter := strings.Fields(envOr("SANDBOX_INTERPRETER", "python3"))
	libDir := envOr("SANDBOX_LIB_DIR", filepath.Join(os.TempDir(), "sandbox-libs"))
	cacheTTL, err := time.ParseDuration(envOr("SANDBOX_CACHE_TTL", "1h"))
	if err != nil {
		return err
	}

	installer, err := executor.NewInstaller(executor.InstallerConfig{
		TargetDir: libDir,
		IndexURL:  os.Getenv("SANDBOX_PYTHON_INDEX"),
		CacheTTL:  cacheTTL,
	})
	if err != nil {
		return err
	}
	defer installer.Close()

	runner := executor.NewLocalRunner(executor.LocalConfig{
		Interpreter: interpreter,
		Env:         []string{"PYTHONUNBUFFERED=1"},
	}, installer)

	srv := newSandboxServer(runner, maxConcurrent)

	mux := http.NewServeMux()
	mux.Handle("/", srv.routes())
	mux.Handle("GET /metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 15 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("sandbox server starting", "port", port, "interpreter", interpreter, "max_concurrent", maxConcurrent)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
