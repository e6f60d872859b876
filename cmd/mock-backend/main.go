// Command mock-backend runs a deterministic chat-completion server for
// local development and end-to-end tests. It answers task_runner requests
// with canned programs chosen from keywords in the task.
//
// Configuration:
//
//	MOCK_PORT - Listen port (default: 9090)
//	MOCK_KEY  - Required bearer token (default: any non-empty token)
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}

	b := &backend{key: os.Getenv("MOCK_KEY")}

	srv := &http.Server{Addr: ":" + port, Handler: b.routes()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock backend starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mock backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
