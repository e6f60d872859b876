package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks required fields and known values. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Completion.APIKey) == "" {
		errs = append(errs, errors.New("completion.api_key is required (set AIPROXY_TOKEN or TASKRUN_API_KEY)"))
	}
	if c.Completion.URL == "" {
		errs = append(errs, errors.New("completion.url is required"))
	}
	if c.Completion.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("completion.max_retries must be >= 0, got %d", c.Completion.MaxRetries))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Server.MaxTaskLength < 0 {
		errs = append(errs, fmt.Errorf("server.max_task_length must be >= 0, got %d", c.Server.MaxTaskLength))
	}

	if strings.TrimSpace(c.Files.AllowedRoot) == "" {
		errs = append(errs, errors.New("files.allowed_root is required"))
	}

	switch c.Executor.Backend {
	case "local":
		if len(c.Executor.Interpreter) == 0 {
			errs = append(errs, errors.New("executor.interpreter must not be empty"))
		}
	case "container":
		if c.Executor.Container.Image == "" {
			errs = append(errs, errors.New("executor.container.image is required for the container backend"))
		}
	case "sandbox":
		if c.Executor.Sandbox.URL == "" && c.Executor.Sandbox.Template == "" {
			errs = append(errs, errors.New("executor.sandbox.url or executor.sandbox.template is required for the sandbox backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("executor.backend must be \"local\", \"container\", or \"sandbox\", got %q", c.Executor.Backend))
	}
	if p := c.Executor.Provisioning; p.Enabled && len(p.AllowedPackages) == 0 {
		errs = append(errs, errors.New("executor.provisioning.allowed_packages must list packages (or \"*\") when provisioning is enabled"))
	}

	switch c.History.Type {
	case "none", "memory":
	case "postgres":
		if c.History.Postgres.DSN == "" && c.History.Postgres.DSNFile == "" {
			errs = append(errs, errors.New("history.postgres.dsn or history.postgres.dsn_file is required when history.type is \"postgres\""))
		}
	default:
		errs = append(errs, fmt.Errorf("history.type must be \"none\", \"memory\", or \"postgres\", got %q", c.History.Type))
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		if len(c.Auth.APIKeys) == 0 {
			errs = append(errs, errors.New("auth.api_keys must not be empty when auth.type is \"apikey\""))
		}
		for i, k := range c.Auth.APIKeys {
			if k.Subject == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d].subject is required", i))
			}
		}
	case "jwt":
		if c.Auth.JWT.JWKSURL == "" {
			errs = append(errs, errors.New("auth.jwt.jwks_url is required when auth.type is \"jwt\""))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\", or \"jwt\", got %q", c.Auth.Type))
	}

	if c.MCP.Enabled && !strings.HasPrefix(c.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("mcp.path must start with /, got %q", c.MCP.Path))
	}
	if m := c.Observability.Metrics; m.Enabled && !strings.HasPrefix(m.Path, "/") {
		errs = append(errs, fmt.Errorf("observability.metrics.path must start with /, got %q", m.Path))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
