package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from defaults, the YAML file, the environment
// and _file secret references, then validates it.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if path := discoverConfigFile(configPath); path != "" {
		if err := loadYAMLFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// discoverConfigFile returns the first of: configPath, TASKRUN_CONFIG,
// ./config.yaml, /etc/taskrun/config.yaml. Empty means none was found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("TASKRUN_CONFIG"); envPath != "" {
		return envPath
	}
	for _, path := range []string{"config.yaml", "/etc/taskrun/config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadYAMLFile parses path into cfg. Absent fields keep their defaults;
// unknown fields are an error.
func loadYAMLFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnvOverrides maps environment variables onto cfg. AIPROXY_TOKEN is
// honoured as the credential; TASKRUN_API_KEY wins when both are set.
func applyEnvOverrides(cfg *Config) error {
	var errs []error

	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not an integer", name, v))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	str("AIPROXY_TOKEN", &cfg.Completion.APIKey)
	str("TASKRUN_API_KEY", &cfg.Completion.APIKey)
	integer("TASKRUN_PORT", &cfg.Server.Port)
	str("TASKRUN_COMPLETION_URL", &cfg.Completion.URL)
	str("TASKRUN_MODEL", &cfg.Completion.Model)
	str("TASKRUN_ALLOWED_ROOT", &cfg.Files.AllowedRoot)
	str("TASKRUN_EXECUTOR_BACKEND", &cfg.Executor.Backend)
	duration("TASKRUN_EXECUTION_TIMEOUT", &cfg.Executor.Timeout)
	str("TASKRUN_HISTORY", &cfg.History.Type)
	str("TASKRUN_POSTGRES_DSN", &cfg.History.Postgres.DSN)
	str("TASKRUN_AUTH_TYPE", &cfg.Auth.Type)
	str("TASKRUN_SANDBOX_URL", &cfg.Executor.Sandbox.URL)

	// TASKRUN_API_KEYS: JSON array of API key entries.
	if v := os.Getenv("TASKRUN_API_KEYS"); v != "" {
		var keys []APIKeyConfig
		if err := json.Unmarshal([]byte(v), &keys); err != nil {
			errs = append(errs, fmt.Errorf("TASKRUN_API_KEYS: %w", err))
		} else {
			cfg.Auth.APIKeys = keys
		}
	}

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("90s") and bare seconds ("90").
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%q is not a duration", v)
	}
	return d, nil
}

// resolveFileReferences fills a value field from its _file sibling when
// the value itself is empty.
func resolveFileReferences(cfg *Config) error {
	resolve := func(field, file string, dst *string) error {
		if file == "" || *dst != "" {
			return nil
		}
		val, err := readSecretFile(file)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		*dst = val
		return nil
	}

	if err := resolve("completion.api_key_file", cfg.Completion.APIKeyFile, &cfg.Completion.APIKey); err != nil {
		return err
	}
	if err := resolve("history.postgres.dsn_file", cfg.History.Postgres.DSNFile, &cfg.History.Postgres.DSN); err != nil {
		return err
	}
	for i := range cfg.Auth.APIKeys {
		k := &cfg.Auth.APIKeys[i]
		if err := resolve(fmt.Sprintf("auth.api_keys[%d].key_file", i), k.KeyFile, &k.Key); err != nil {
			return err
		}
	}
	return nil
}

// readSecretFile returns the file's content with surrounding whitespace
// trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
