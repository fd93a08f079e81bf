package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envPrefix is the prefix for environment overrides.
const envPrefix = "DRAWBRIDGE_"

var validate = validator.New()

// Load reads the YAML file at path, applies defaults, overlays a .env file
// next to the config (if present) and process environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// .env beside the config file, for deployments that keep credentials
	// out of the YAML. Missing file is fine.
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration back to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks the configuration and reports the first problem found.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("invalid config: field %s failed rule %q", e.Namespace(), e.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Watch.QuietPeriod <= 0 {
		return fmt.Errorf("invalid config: watch.quiet_period must be positive")
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("invalid config: telemetry: %w", err)
		}
	}
	return nil
}

// ExpandRoots resolves the configured root globs into concrete, existing
// directories. Duplicate matches collapse; no match for any pattern is an
// error so a typo does not silently watch nothing.
func (c *Config) ExpandRoots() ([]string, error) {
	seen := make(map[string]bool)
	var roots []string

	for _, pattern := range c.Watch.Roots {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad root pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("root pattern %q matched nothing", pattern)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || !info.IsDir() {
				continue
			}
			if !seen[m] {
				seen[m] = true
				roots = append(roots, m)
			}
		}
	}

	if len(roots) == 0 {
		return nil, fmt.Errorf("no existing directories matched watch.roots")
	}
	sort.Strings(roots)
	return roots, nil
}

// applyEnvOverrides overlays credential and endpoint settings from the
// process environment. Only settings that make sense to inject per
// deployment are overridable.
func applyEnvOverrides(cfg *Config) {
	overrides := map[string]*string{
		"ODOO_URL":        &cfg.Odoo.URL,
		"ODOO_DATABASE":   &cfg.Odoo.Database,
		"ODOO_USERNAME":   &cfg.Odoo.Username,
		"ODOO_PASSWORD":   &cfg.Odoo.Password,
		"REMOTE_HOST":     &cfg.Remote.Host,
		"REMOTE_USER":     &cfg.Remote.User,
		"REMOTE_PASSWORD": &cfg.Remote.Password,
		"SMTP_HOST":       &cfg.Email.Host,
		"SMTP_USERNAME":   &cfg.Email.Username,
		"SMTP_PASSWORD":   &cfg.Email.Password,
		"PORTAL_URL":      &cfg.Portal.URL,
		"STORE_PATH":      &cfg.Store.Path,
		"SECRETS_PATH":    &cfg.Secrets.Path,
	}
	for suffix, target := range overrides {
		if v, ok := os.LookupEnv(envPrefix + suffix); ok {
			*target = v
		}
	}

	if v, ok := os.LookupEnv(envPrefix + "WORKERS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Executor.Workers = n
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "QUIET_PERIOD"); ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Watch.QuietPeriod = d
		}
	}
}

// applyDefaults fills gaps a partial YAML file may leave after unmarshal.
func applyDefaults(cfg *Config) {
	def := Default()

	if len(cfg.Watch.CADExtensions) == 0 {
		cfg.Watch.CADExtensions = def.Watch.CADExtensions
	}
	if len(cfg.Watch.DocExtensions) == 0 {
		cfg.Watch.DocExtensions = def.Watch.DocExtensions
	}
	if cfg.Watch.QuietPeriod == 0 {
		cfg.Watch.QuietPeriod = def.Watch.QuietPeriod
	}
	if cfg.Watch.QueueSize == 0 {
		cfg.Watch.QueueSize = def.Watch.QueueSize
	}
	if cfg.Executor.Workers == 0 {
		cfg.Executor.Workers = def.Executor.Workers
	}
	if cfg.Executor.QueueSize == 0 {
		cfg.Executor.QueueSize = def.Executor.QueueSize
	}
	if cfg.Executor.Retry.MaxAttempts == 0 {
		cfg.Executor.Retry = def.Executor.Retry
	}
	if cfg.Odoo.Timeout == 0 {
		cfg.Odoo.Timeout = def.Odoo.Timeout
	}
	if cfg.Remote.Port == 0 {
		cfg.Remote.Port = def.Remote.Port
	}
	if len(cfg.Remote.Subfolders) == 0 {
		cfg.Remote.Subfolders = append([]string{}, DefaultSubfolders...)
	}
	if cfg.Remote.AsBuiltFolder == "" {
		cfg.Remote.AsBuiltFolder = def.Remote.AsBuiltFolder
	}
	if cfg.Remote.Timeout == 0 {
		cfg.Remote.Timeout = def.Remote.Timeout
	}
	if cfg.Email.Port == 0 {
		cfg.Email.Port = def.Email.Port
	}
	if cfg.Portal.Timeout == 0 {
		cfg.Portal.Timeout = def.Portal.Timeout
	}
	if cfg.Secrets.Path == "" {
		cfg.Secrets.Path = def.Secrets.Path
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = def.Telemetry
	}
}
