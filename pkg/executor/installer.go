package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/debug"
	"github.com/rhuss/taskrun/pkg/observability"
)

// InstallerConfig configures an Installer.
type InstallerConfig struct {
	// Command is the installer argv prefix. Defaults to uv pip install.
	Command []string

	// TargetDir receives installed packages. Programs see it on PYTHONPATH.
	TargetDir string

	// IndexURL overrides the package index when set.
	IndexURL string

	// CacheTTL is how long an installed package is trusted to still be
	// present. Defaults to one hour.
	CacheTTL time.Duration

	// Timeout bounds a single install. Defaults to five minutes.
	Timeout time.Duration
}

// Installer installs packages into a shared target directory and
// remembers recent installs.
type Installer struct {
	cfg   InstallerConfig
	cache *ttlcache.Cache[string, time.Time]
	mu    sync.Mutex
}

// NewInstaller creates an Installer and its target directory.
func NewInstaller(cfg InstallerConfig) (*Installer, error) {
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"uv", "pip", "install"}
	}
	if cfg.TargetDir == "" {
		return nil, fmt.Errorf("installer: target directory is required")
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if err := os.MkdirAll(cfg.TargetDir, 0o755); err != nil {
		return nil, fmt.Errorf("installer: creating target directory: %w", err)
	}

	cache := ttlcache.New[string, time.Time](
		ttlcache.WithTTL[string, time.Time](cfg.CacheTTL),
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	)
	go cache.Start()

	return &Installer{cfg: cfg, cache: cache}, nil
}

// TargetDir returns the directory packages are installed into.
func (i *Installer) TargetDir() string {
	return i.cfg.TargetDir
}

// Install installs every package in pkgs that was not installed within
// the cache TTL. Installs are serialized because they share TargetDir.
func (i *Installer) Install(ctx context.Context, pkgs []string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	var missing []string
	for _, p := range pkgs {
		if i.cache.Has(NormalizePackageName(p)) {
			continue
		}
		missing = append(missing, p)
	}
	if len(missing) == 0 {
		observability.DependencyInstallsTotal.WithLabelValues("cached").Inc()
		debug.Log("executor", "dependencies already installed", "packages", pkgs)
		return nil
	}

	installCtx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	args := append([]string{}, i.cfg.Command[1:]...)
	args = append(args, "--target", i.cfg.TargetDir)
	if i.cfg.IndexURL != "" {
		args = append(args, "--index-url", i.cfg.IndexURL)
	}
	args = append(args, missing...)

	start := time.Now()
	cmd := exec.CommandContext(installCtx, i.cfg.Command[0], args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		observability.DependencyInstallsTotal.WithLabelValues("error").Inc()
		slog.Warn("dependency install failed", "packages", missing, "error", err)
		return api.NewDependencyInstallError(
			strings.Join(missing, ","),
			fmt.Sprintf("dependency installation failed: %s: %s", err.Error(), strings.TrimSpace(string(output))),
		)
	}

	now := time.Now()
	for _, p := range missing {
		i.cache.Set(NormalizePackageName(p), now, ttlcache.DefaultTTL)
	}
	observability.DependencyInstallsTotal.WithLabelValues("ok").Inc()
	slog.Info("dependencies installed", "packages", missing, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Close stops the cache expiration loop.
func (i *Installer) Close() {
	i.cache.Stop()
}
