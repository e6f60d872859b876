// Command server runs the taskrun service.
//
// Configuration is read from a YAML file (-config, TASKRUN_CONFIG,
// ./config.yaml or /etc/taskrun/config.yaml) and the environment. A .env
// file in the working directory is loaded first when present. The
// completion API key (AIPROXY_TOKEN or TASKRUN_API_KEY) is required.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rhuss/taskrun/pkg/auth"
	"github.com/rhuss/taskrun/pkg/auth/apikey"
	"github.com/rhuss/taskrun/pkg/auth/jwt"
	"github.com/rhuss/taskrun/pkg/auth/noop"
	"github.com/rhuss/taskrun/pkg/completion"
	"github.com/rhuss/taskrun/pkg/config"
	"github.com/rhuss/taskrun/pkg/debug"
	"github.com/rhuss/taskrun/pkg/engine"
	"github.com/rhuss/taskrun/pkg/executor"
	"github.com/rhuss/taskrun/pkg/executor/kubernetes"
	"github.com/rhuss/taskrun/pkg/history"
	"github.com/rhuss/taskrun/pkg/history/memory"
	"github.com/rhuss/taskrun/pkg/history/postgres"
	"github.com/rhuss/taskrun/pkg/mcpserver"
	"github.com/rhuss/taskrun/pkg/pathguard"
	"github.com/rhuss/taskrun/pkg/safety"
	"github.com/rhuss/taskrun/pkg/transport"
	transporthttp "github.com/rhuss/taskrun/pkg/transport/http"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := debug.Init(debug.Options{
		Categories: cfg.Logging.Debug,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	guard, err := pathguard.New(cfg.Files.AllowedRoot)
	if err != nil {
		return fmt.Errorf("creating path guard: %w", err)
	}

	comp, err := completion.New(completion.Config{
		URL:          cfg.Completion.URL,
		APIKey:       cfg.Completion.APIKey,
		Model:        cfg.Completion.Model,
		Timeout:      cfg.Completion.Timeout,
		MaxRetries:   cfg.Completion.MaxRetries,
		RetryBackoff: cfg.Completion.RetryBackoff,
		AllowedRoot:  guard.Root(),
	})
	if err != nil {
		return fmt.Errorf("creating completion client: %w", err)
	}
	defer comp.Close()

	filter, err := safety.New(cfg.Executor.DenyPatterns...)
	if err != nil {
		return fmt.Errorf("compiling deny patterns: %w", err)
	}

	prov := cfg.Executor.Provisioning
	policy := executor.NewDependencyPolicy(prov.Enabled, prov.AllowedPackages, prov.BuiltinModules)

	runner, cleanup, err := buildRunner(cfg, guard.Root())
	if err != nil {
		return err
	}
	defer cleanup()

	ex, err := executor.New(filter, policy, runner, executor.Config{
		ScratchDir: cfg.Executor.ScratchDir,
		Timeout:    cfg.Executor.Timeout,
	})
	if err != nil {
		return err
	}

	store, err := buildStore(ctx, cfg.History)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	inflight := transport.NewInFlightRegistry()
	eng, err := engine.New(comp, ex, guard, store, engine.Config{
		MaxTaskLength: cfg.Server.MaxTaskLength,
		OmitCode:      cfg.History.OmitCode,
		InFlight:      inflight,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	opts := []transporthttp.ServerOption{
		transporthttp.WithAddr(cfg.Server.Addr()),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodySize),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithLogger(logger),
		transporthttp.WithAllowedOrigins(cfg.Server.CORSAllowedOrigins),
		transporthttp.WithAdapterOptions(
			transporthttp.WithRunReader(eng),
			transporthttp.WithReadiness(eng),
			transporthttp.WithInFlight(inflight),
		),
	}
	if cfg.Observability.Metrics.Enabled {
		opts = append(opts, transporthttp.WithMetricsPath(cfg.Observability.Metrics.Path))
	} else {
		opts = append(opts, transporthttp.WithMetricsPath(""))
	}

	authMW, err := buildAuth(cfg.Auth)
	if err != nil {
		return err
	}
	opts = append(opts, transporthttp.WithAuth(authMW))

	if cfg.MCP.Enabled {
		mcpSrv := mcpserver.New(eng, eng, logger)
		opts = append(opts, transporthttp.WithHandler(cfg.MCP.Path, mcpSrv.Handler()))
	}

	srv := transporthttp.NewServer(eng, eng, opts...)

	slog.Info("taskrun configured",
		"addr", cfg.Server.Addr(),
		"model", cfg.Completion.Model,
		"allowed_root", guard.Root(),
		"executor", ex.Backend(),
		"history", cfg.History.Type,
		"auth", cfg.Auth.Type,
	)
	return srv.ListenAndServe(ctx)
}

// buildRunner creates the execution backend. The returned cleanup releases
// whatever the backend holds and is never nil.
func buildRunner(cfg *config.Config, dataRoot string) (executor.Runner, func(), error) {
	ec := cfg.Executor
	prov := ec.Provisioning
	nothing := func() {}

	switch ec.Backend {
	case "container":
		cli, err := executor.NewDockerClient()
		if err != nil {
			return nil, nothing, fmt.Errorf("connecting to docker: %w", err)
		}
		r := executor.NewContainerRunner(cli, executor.ContainerConfig{
			Image:     ec.Container.Image,
			DataRoot:  dataRoot,
			Network:   ec.Container.Network,
			MemoryMB:  ec.Container.MemoryMB,
			CPUs:      ec.Container.CPUs,
			PidsLimit: ec.Container.PidsLimit,
			IndexURL:  prov.IndexURL,
		})
		return r, func() { cli.Close() }, nil

	case "sandbox":
		var acquirer executor.SandboxAcquirer
		if ec.Sandbox.URL != "" {
			acquirer = &executor.StaticAcquirer{URL: ec.Sandbox.URL}
		} else {
			claims, err := kubernetes.NewFromEnvironment(kubernetes.Config{
				Template:     ec.Sandbox.Template,
				Namespace:    ec.Sandbox.Namespace,
				ReadyTimeout: ec.Sandbox.ClaimTimeout,
				Port:         ec.Sandbox.Port,
			})
			if err != nil {
				return nil, nothing, err
			}
			acquirer = claims
		}
		// The HTTP timeout leaves the sandbox room to report its own timeout.
		httpTimeout := time.Duration(0)
		if ec.Timeout > 0 {
			httpTimeout = ec.Timeout + 30*time.Second
		}
		return executor.NewSandboxRunner(acquirer, executor.NewSandboxClient(httpTimeout)), nothing, nil

	default:
		var installer *executor.Installer
		cleanup := nothing
		if prov.Enabled {
			target := prov.TargetDir
			if target == "" {
				target = filepath.Join(os.TempDir(), "taskrun", "site-packages")
			}
			var err error
			installer, err = executor.NewInstaller(executor.InstallerConfig{
				Command:   prov.InstallCommand,
				TargetDir: target,
				IndexURL:  prov.IndexURL,
				CacheTTL:  prov.CacheTTL,
			})
			if err != nil {
				return nil, nothing, err
			}
			cleanup = installer.Close
		}
		// Programs start in the data root when it exists, else next to
		// their scratch file.
		workDir := ""
		if fi, err := os.Stat(dataRoot); err == nil && fi.IsDir() {
			workDir = dataRoot
		}
		return executor.NewLocalRunner(executor.LocalConfig{
			Interpreter: ec.Interpreter,
			WorkDir:     workDir,
		}, installer), cleanup, nil
	}
}

func buildStore(ctx context.Context, hc config.HistoryConfig) (history.Store, error) {
	switch hc.Type {
	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{
			DSN:             hc.Postgres.DSN,
			MaxConns:        hc.Postgres.MaxConns,
			MinConns:        hc.Postgres.MinConns,
			MaxConnLifetime: hc.Postgres.MaxConnLifetime,
			MigrateOnStart:  hc.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		return s, nil
	case "memory":
		return memory.New(hc.MaxSize), nil
	default:
		return nil, nil
	}
}

func buildAuth(ac config.AuthConfig) (func(next http.Handler) http.Handler, error) {
	var authenticator auth.Authenticator
	switch ac.Type {
	case "apikey":
		keys := make([]apikey.Key, 0, len(ac.APIKeys))
		for _, k := range ac.APIKeys {
			keys = append(keys, apikey.Key{
				Secret: k.Key,
				Identity: auth.Identity{
					Subject:     k.Subject,
					Tenant:      k.TenantID,
					ServiceTier: k.ServiceTier,
				},
			})
		}
		a := apikey.New(keys)
		if a.Len() == 0 {
			return nil, errors.New("auth: no usable API keys configured")
		}
		authenticator = a
	case "jwt":
		authenticator = jwt.New(jwt.Config{
			Issuer:      ac.JWT.Issuer,
			Audience:    ac.JWT.Audience,
			JWKSURL:     ac.JWT.JWKSURL,
			UserClaim:   ac.JWT.UserClaim,
			TenantClaim: ac.JWT.TenantClaim,
			TierClaim:   ac.JWT.TierClaim,
			ScopesClaim: ac.JWT.ScopesClaim,
			CacheTTL:    ac.JWT.CacheTTL,
		})
	default:
		authenticator = noop.Authenticator{}
	}

	var limiter auth.RateLimiter
	if rl := ac.RateLimit; rl.RequestsPerMinute > 0 || len(rl.Tiers) > 0 {
		limiter = auth.NewInProcessLimiter(rl.Tiers, rl.RequestsPerMinute)
	}
	return auth.Middleware(authenticator, limiter, auth.DefaultBypassEndpoints), nil
}
