// Package config provides unified configuration for the taskrun service.
//
// Configuration is loaded in layers:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (TASKRUN_ prefix, plus AIPROXY_TOKEN)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import (
	"strconv"
	"time"
)

// Config holds all configuration for the service.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Completion    CompletionConfig    `yaml:"completion"`
	Files         FilesConfig         `yaml:"files"`
	Executor      ExecutorConfig      `yaml:"executor"`
	History       HistoryConfig       `yaml:"history"`
	Auth          AuthConfig          `yaml:"auth"`
	MCP           MCPConfig           `yaml:"mcp"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8000
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default: 30s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default: 300s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
	MaxBodySize     int64         `yaml:"max_body_size"`    // default: 1 MiB
	MaxTaskLength   int           `yaml:"max_task_length"`  // runes, 0 = unlimited

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"` // default: ["*"]
}

// Addr returns the listen address for Port.
func (s ServerConfig) Addr() string {
	return ":" + strconv.Itoa(s.Port)
}

// CompletionConfig holds the chat-completion service settings.
type CompletionConfig struct {
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"api_key"`
	APIKeyFile   string        `yaml:"api_key_file"`
	Model        string        `yaml:"model"`         // default: gpt-4o-mini
	Timeout      time.Duration `yaml:"timeout"`       // default: 120s
	MaxRetries   int           `yaml:"max_retries"`   // default: 0
	RetryBackoff time.Duration `yaml:"retry_backoff"` // default: 500ms
}

// FilesConfig holds the file read guard settings.
type FilesConfig struct {
	AllowedRoot string `yaml:"allowed_root"` // default: /data/
}

// ExecutorConfig holds settings for running generated programs.
type ExecutorConfig struct {
	Backend      string        `yaml:"backend"` // local, container or sandbox
	ScratchDir   string        `yaml:"scratch_dir"`
	Timeout      time.Duration `yaml:"timeout"`     // default: 120s, negative = none
	Interpreter  []string      `yaml:"interpreter"` // default: [uv, run]
	DenyPatterns []string      `yaml:"deny_patterns"`

	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Container    ContainerConfig    `yaml:"container"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
}

// ProvisioningConfig controls installing declared dependencies.
type ProvisioningConfig struct {
	Enabled         bool          `yaml:"enabled"`
	AllowedPackages []string      `yaml:"allowed_packages"` // "*" allows any
	BuiltinModules  []string      `yaml:"builtin_modules"`
	InstallCommand  []string      `yaml:"install_command"`
	TargetDir       string        `yaml:"target_dir"`
	IndexURL        string        `yaml:"index_url"`
	CacheTTL        time.Duration `yaml:"cache_ttl"` // default: 1h
}

// ContainerConfig holds settings for the container backend.
type ContainerConfig struct {
	Image     string  `yaml:"image"`
	Network   bool    `yaml:"network"`   // default: true
	MemoryMB  int64   `yaml:"memory_mb"` // default: 512
	CPUs      float64 `yaml:"cpus"`      // default: 1
	PidsLimit int64   `yaml:"pids_limit"`
}

// SandboxConfig holds settings for the remote sandbox backend. Either URL
// (a fixed sandbox server) or Template (Kubernetes SandboxClaims) is set.
type SandboxConfig struct {
	URL          string        `yaml:"url"`
	Template     string        `yaml:"template"`
	Namespace    string        `yaml:"namespace"`
	ClaimTimeout time.Duration `yaml:"claim_timeout"` // default: 30s
	Port         int           `yaml:"port"`
}

// HistoryConfig holds run history settings.
type HistoryConfig struct {
	Type     string         `yaml:"type"`      // none, memory or postgres; default: memory
	MaxSize  int            `yaml:"max_size"`  // memory store, default: 1000
	OmitCode bool           `yaml:"omit_code"` // leave generated code out of records
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	DSNFile         string        `yaml:"dsn_file"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Type      string          `yaml:"type"` // none, apikey or jwt; default: none
	APIKeys   []APIKeyConfig  `yaml:"api_keys"`
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key         string `yaml:"key" json:"key"`
	KeyFile     string `yaml:"key_file" json:"key_file"`
	Subject     string `yaml:"subject" json:"subject"`
	TenantID    string `yaml:"tenant_id" json:"tenant_id"`
	ServiceTier string `yaml:"service_tier" json:"service_tier"`
}

// JWTConfig holds JWT/OIDC settings.
type JWTConfig struct {
	Issuer      string        `yaml:"issuer"`
	Audience    string        `yaml:"audience"`
	JWKSURL     string        `yaml:"jwks_url"`
	UserClaim   string        `yaml:"user_claim"`
	TenantClaim string        `yaml:"tenant_claim"`
	TierClaim   string        `yaml:"tier_claim"`
	ScopesClaim string        `yaml:"scopes_claim"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// RateLimitConfig holds per-tier request limits. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int            `yaml:"requests_per_minute"`
	Tiers             map[string]int `yaml:"tiers"`
}

// MCPConfig holds the MCP endpoint settings.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: /mcp
}

// ObservabilityConfig holds monitoring settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: /metrics
}

// LoggingConfig holds log settings. TASKRUN_DEBUG, TASKRUN_LOG_LEVEL and
// TASKRUN_LOG_FORMAT take precedence when set.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // default: INFO
	Format string `yaml:"format"` // text or json; default: text
	Debug  string `yaml:"debug"`  // comma-separated debug categories
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:               8000,
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       300 * time.Second,
			ShutdownTimeout:    30 * time.Second,
			MaxBodySize:        1 << 20,
			CORSAllowedOrigins: []string{"*"},
		},
		Completion: CompletionConfig{
			URL:          "https://aiproxy.sanand.workers.dev/openai/v1/chat/completions",
			Model:        "gpt-4o-mini",
			Timeout:      120 * time.Second,
			RetryBackoff: 500 * time.Millisecond,
		},
		Files: FilesConfig{
			AllowedRoot: "/data/",
		},
		Executor: ExecutorConfig{
			Backend:     "local",
			Timeout:     120 * time.Second,
			Interpreter: []string{"uv", "run"},
			Provisioning: ProvisioningConfig{
				CacheTTL: time.Hour,
			},
			Container: ContainerConfig{
				Image:    "python:3.12-slim",
				Network:  true,
				MemoryMB: 512,
				CPUs:     1,
			},
			Sandbox: SandboxConfig{
				Namespace:    "default",
				ClaimTimeout: 30 * time.Second,
				Port:         8080,
			},
		},
		History: HistoryConfig{
			Type:    "memory",
			MaxSize: 1000,
			Postgres: PostgresConfig{
				MaxConns:        10,
				MinConns:        1,
				MaxConnLifetime: 5 * time.Minute,
			},
		},
		Auth: AuthConfig{
			Type: "none",
		},
		MCP: MCPConfig{
			Enabled: true,
			Path:    "/mcp",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}
