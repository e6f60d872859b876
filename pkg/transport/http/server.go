package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/taskrun/pkg/observability"
	"github.com/rhuss/taskrun/pkg/transport"
)

// Server wraps an http.Server with the adapter and the HTTP-level
// middleware, and owns startup and graceful shutdown.
type Server struct {
	httpServer *http.Server
	adapter    *Adapter
	config     ServerConfig
	logger     *slog.Logger

	adapterOpts []AdapterOption
	mounts      []mount
	auth        func(http.Handler) http.Handler
}

type mount struct {
	pattern string
	handler http.Handler
}

// ServerConfig holds the server settings.
type ServerConfig struct {
	Addr            string
	MaxBodySize     int64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	MetricsPath     string // empty disables /metrics
}

// DefaultServerConfig returns the defaults: port 8000, 1 MiB bodies and
// any CORS origin.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8000",
		MaxBodySize:     1 << 20,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    300 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		AllowedOrigins:  []string{"*"},
		MetricsPath:     "/metrics",
	}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.config.Addr = addr }
}

func WithMaxBodySize(n int64) ServerOption {
	return func(s *Server) { s.config.MaxBodySize = n }
}

// WithTimeouts sets the read and write timeouts. The write timeout bounds
// a whole /run request, completion and execution included.
func WithTimeouts(read, write time.Duration) ServerOption {
	return func(s *Server) {
		s.config.ReadTimeout = read
		s.config.WriteTimeout = write
	}
}

func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.config.ShutdownTimeout = d }
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithAllowedOrigins sets the CORS origins. An empty list disables CORS
// headers.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.config.AllowedOrigins = origins }
}

// WithMetricsPath serves the Prometheus registry at path. Empty disables it.
func WithMetricsPath(path string) ServerOption {
	return func(s *Server) { s.config.MetricsPath = path }
}

// WithAuth installs authentication middleware in front of every route.
func WithAuth(mw func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) { s.auth = mw }
}

// WithHandler mounts h at pattern next to the API routes.
func WithHandler(pattern string, h http.Handler) ServerOption {
	return func(s *Server) { s.mounts = append(s.mounts, mount{pattern, h}) }
}

// WithAdapterOptions passes options through to the adapter.
func WithAdapterOptions(opts ...AdapterOption) ServerOption {
	return func(s *Server) { s.adapterOpts = append(s.adapterOpts, opts...) }
}

// NewServer creates a server for runner and files. Recovery, request ID
// and logging middleware wrap the runner.
func NewServer(runner transport.TaskRunner, files transport.FileReader, opts ...ServerOption) *Server {
	s := &Server{
		config: DefaultServerConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.adapter = NewAdapter(runner, files, Config{MaxBodySize: s.config.MaxBodySize}, []transport.Middleware{
		transport.Recovery(),
		transport.RequestID(),
		transport.Logging(s.logger),
	}, s.adapterOpts...)

	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	return s
}

// Handler returns the full handler: CORS, metrics and auth around the
// API routes and mounted handlers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", s.adapter.Handler())
	if s.config.MetricsPath != "" {
		mux.Handle("GET "+s.config.MetricsPath, promhttp.Handler())
	}
	for _, m := range s.mounts {
		mux.Handle(m.pattern, m.handler)
	}

	var h http.Handler = mux
	if s.auth != nil {
		h = s.auth(h)
	}
	h = observability.MetricsMiddleware(h)
	if len(s.config.AllowedOrigins) > 0 {
		h = corsMiddleware(s.config.AllowedOrigins, h)
	}
	return h
}

// Adapter returns the API adapter.
func (s *Server) Adapter() *Adapter { return s.adapter }

// ListenAndServe listens on the configured address and serves until ctx
// is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", slog.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests and waits for running tasks until
// ctx expires. Tasks still running then are cancelled, which kills their
// programs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gracefully")
	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		if n := s.adapter.InFlight().CancelAll(); n > 0 {
			s.logger.Warn("cancelled runs still in flight at shutdown", slog.Int("runs", n))
		}
		s.httpServer.Close()
		s.logger.Error("shutdown error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("server stopped")
	return nil
}
