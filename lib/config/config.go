// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable read by Load.
const EnvConfigPath = "EXTHOST_CONFIG"

// Config is the host configuration.
type Config struct {
	Paths       PathsConfig       `yaml:"paths"`
	HTTP        HTTPConfig        `yaml:"http"`
	Connections ConnectionsConfig `yaml:"connections"`
	Extensions  ExtensionsConfig  `yaml:"extensions"`
	Datastore   DatastoreConfig   `yaml:"datastore"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// PathsConfig configures directory and file locations.
type PathsConfig struct {
	// Root is the base directory for everything below.
	Root string `yaml:"root"`

	// Extensions holds one entry per extension: a directory
	// <name>/ containing an executable <name>, or a single
	// executable file <name>.
	Extensions string `yaml:"extensions"`

	// Permissions holds <name>.txt policy documents.
	Permissions string `yaml:"permissions"`

	// Datastore is the SQLite database file.
	Datastore string `yaml:"datastore"`

	// Temp is the root for per-run scratch space: FIFO endpoints and
	// each extension's private temp directory.
	Temp string `yaml:"temp"`
}

// HTTPConfig configures the inbound connection router's listener.
type HTTPConfig struct {
	Bind string    `yaml:"bind"`
	Port int       `yaml:"port"`
	TLS  TLSConfig `yaml:"tls"`

	// PrintRequests logs every routed request at info level.
	PrintRequests bool `yaml:"print_requests"`
}

// TLSConfig enables HTTPS on the listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ConnectionsConfig tunes how the router waits for a registration to
// claim an inbound request.
type ConnectionsConfig struct {
	// RetryCount is the number of claim attempts per request.
	RetryCount int `yaml:"retry_count"`

	// RetryDelay is the longest wait between attempts; a new
	// registration wakes the router earlier.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// BusyWaiting selects 503 + Retry-After (true) or 404 (false)
	// when matching registrations exist but are all claimed.
	BusyWaiting bool `yaml:"busy_waiting"`

	// BusyRetryAfter is the Retry-After value in seconds.
	BusyRetryAfter int `yaml:"busy_retry_after"`
}

// ExtensionsConfig configures the supervisor.
type ExtensionsConfig struct {
	// Autostart lists extensions started at boot.
	Autostart []string `yaml:"autostart"`

	// StrictMode is the default for policies that do not set
	// strict_mode.
	StrictMode bool `yaml:"strict_mode"`

	// ForceSandbox isolates every extension regardless of policy.
	ForceSandbox bool `yaml:"force_sandbox"`

	// StopTimeout is how long a stopping extension has to exit on its
	// own before it is terminated.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// BreakpointHandler and NoExceptionLogging are passed through to
	// workers for their own runtime's use.
	BreakpointHandler  string `yaml:"breakpoint_handler"`
	NoExceptionLogging bool   `yaml:"no_exception_logging"`

	// Transport is "fifo" (named pipes in the temp directory) or
	// "stdio" (the worker's stdin and stdout).
	Transport string `yaml:"transport"`

	// SandboxProfile optionally names a YAML file replacing the
	// built-in worker sandbox profile.
	SandboxProfile string `yaml:"sandbox_profile"`
}

// DatastoreConfig configures the SQLite datastore.
type DatastoreConfig struct {
	PoolSize int           `yaml:"pool_size"`
	PageSize int           `yaml:"page_size"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig configures host and extension logging.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// PrintLog echoes extension log lines to stdout.
	PrintLog bool `yaml:"print_log"`

	// DeleteTempAtExit removes paths.temp on shutdown.
	DeleteTempAtExit bool `yaml:"delete_temp_at_exit"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	root := "${HOME}/.local/share/exthost"
	return &Config{
		Paths: PathsConfig{
			Root:        root,
			Extensions:  "${EXTHOST_ROOT}/extensions",
			Permissions: "${EXTHOST_ROOT}/permissions",
			Datastore:   "${EXTHOST_ROOT}/datastore.db",
			Temp:        "${TMPDIR:-/tmp}/exthost",
		},
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 9292,
			TLS:  TLSConfig{Enabled: false},
		},
		Connections: ConnectionsConfig{
			RetryCount:     50,
			RetryDelay:     100 * time.Millisecond,
			BusyWaiting:    true,
			BusyRetryAfter: 20,
		},
		Extensions: ExtensionsConfig{
			StopTimeout: 5 * time.Second,
			Transport:   "fifo",
		},
		Datastore: DatastoreConfig{
			PoolSize: 4,
			PageSize: 100,
			Timeout:  5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:            "info",
			PrintLog:         true,
			DeleteTempAtExit: true,
		},
	}
}

// Load reads the file named by EXTHOST_CONFIG, or returns the
// expanded defaults when it is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile overlays the YAML file at path onto Default and expands
// path variables.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["EXTHOST_ROOT"] = c.Paths.Root

	c.Paths.Extensions = expandVars(c.Paths.Extensions, vars)
	c.Paths.Permissions = expandVars(c.Paths.Permissions, vars)
	c.Paths.Datastore = expandVars(c.Paths.Datastore, vars)
	c.Paths.Temp = expandVars(c.Paths.Temp, vars)
	c.HTTP.TLS.CertFile = expandVars(c.HTTP.TLS.CertFile, vars)
	c.HTTP.TLS.KeyFile = expandVars(c.HTTP.TLS.KeyFile, vars)
	c.Extensions.SandboxProfile = expandVars(c.Extensions.SandboxProfile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}, consulting vars
// before the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error

	for field, value := range map[string]string{
		"paths.extensions":  c.Paths.Extensions,
		"paths.permissions": c.Paths.Permissions,
		"paths.datastore":   c.Paths.Datastore,
		"paths.temp":        c.Paths.Temp,
	} {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required", field))
		} else if !filepath.IsAbs(value) {
			errs = append(errs, fmt.Errorf("%s must be absolute: %s", field, value))
		}
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port out of range: %d", c.HTTP.Port))
	}
	if c.HTTP.TLS.Enabled && (c.HTTP.TLS.CertFile == "" || c.HTTP.TLS.KeyFile == "") {
		errs = append(errs, errors.New("http.tls requires cert_file and key_file"))
	}
	if c.Connections.RetryCount <= 0 {
		errs = append(errs, fmt.Errorf("connections.retry_count must be positive: %d", c.Connections.RetryCount))
	}
	if c.Connections.RetryDelay <= 0 {
		errs = append(errs, fmt.Errorf("connections.retry_delay must be positive: %s", c.Connections.RetryDelay))
	}
	if c.Connections.BusyRetryAfter < 0 {
		errs = append(errs, fmt.Errorf("connections.busy_retry_after must not be negative: %d", c.Connections.BusyRetryAfter))
	}
	if c.Extensions.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("extensions.stop_timeout must be positive: %s", c.Extensions.StopTimeout))
	}
	if c.Extensions.Transport != "fifo" && c.Extensions.Transport != "stdio" {
		errs = append(errs, fmt.Errorf("extensions.transport must be fifo or stdio: %q", c.Extensions.Transport))
	}
	if c.Datastore.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("datastore.page_size must be positive: %d", c.Datastore.PageSize))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// LogLevel parses Logging.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.Logging.Level))); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// Address returns the listener's host:port.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Bind, c.HTTP.Port)
}

// EnsurePaths creates the directories the host writes into.
func (c *Config) EnsurePaths() error {
	for _, dir := range []string{
		c.Paths.Extensions,
		c.Paths.Permissions,
		c.Paths.Temp,
		filepath.Dir(c.Paths.Datastore),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
