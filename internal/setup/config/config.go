package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var (
	ErrConfigFileNotFound    = errors.New("could not find config file in any config path")
	ErrConfigVersionMissing  = errors.New("config file is missing version field")
	ErrConfigVersionMismatch = errors.New("config file version mismatch")
	ErrInvalidConfig         = errors.New("invalid config")
)

// CurrentVersion is the current version of the config file.
const CurrentVersion = 1

// EnvPrefix is the prefix of environment variables that override file values.
// A double underscore separates nesting levels: STATFIX_POSTGRESQL__PASSWORD.
const EnvPrefix = "STATFIX_"

// configName is the file name (without extension) looked up in every search path.
const configName = "statfix"

// Config represents the entire application configuration.
type Config struct {
	// Version of the config file.
	Version    int        `koanf:"version"`
	Debug      Debug      `koanf:"debug"`
	Retry      Retry      `koanf:"retry"`
	PostgreSQL PostgreSQL `koanf:"postgresql"`
	Redis      Redis      `koanf:"redis"`
	Reconcile  Reconcile  `koanf:"reconcile"`
	Probe      Probe      `koanf:"probe"`
	Registry   Registry   `koanf:"registry"`
}

// Debug contains debug-related configuration.
type Debug struct {
	// Log level (debug, info, warn, error).
	LogLevel string `koanf:"log_level"`
	// Directory that holds per-run log sessions.
	LogDir string `koanf:"log_dir"`
	// Maximum log sessions to keep.
	MaxLogsToKeep int `koanf:"max_logs_to_keep"`
	// Maximum lines per log file.
	MaxLogLines int `koanf:"max_log_lines"`
	// Uptrace DSN for exporting traces. Empty disables export.
	UptraceDSN string `koanf:"uptrace_dsn"`
}

// Retry contains retry configuration for database transactions.
type Retry struct {
	// Maximum retry attempts.
	MaxRetries uint64 `koanf:"max_retries"`
	// Initial retry delay in milliseconds.
	Delay int `koanf:"delay"`
	// Maximum retry delay in milliseconds.
	MaxDelay int `koanf:"max_delay"`
	// Maximum total time spent retrying one operation in milliseconds.
	MaxElapsed int `koanf:"max_elapsed"`
}

// PostgreSQL contains database connection configuration.
type PostgreSQL struct {
	// Database hostname.
	Host string `koanf:"host"`
	// Database port.
	Port int `koanf:"port"`
	// Database username.
	User string `koanf:"user"`
	// Database password.
	Password string `koanf:"password"`
	// Database name.
	DBName string `koanf:"db_name"`
	// Disable TLS for the connection.
	Insecure bool `koanf:"insecure"`
	// Maximum open connections.
	MaxOpenConns int `koanf:"max_open_conns"`
	// Maximum idle connections.
	MaxIdleConns int `koanf:"max_idle_conns"`
	// Connection lifetime in minutes.
	MaxLifetime int `koanf:"max_lifetime"`
	// Idle timeout in minutes.
	MaxIdleTime int `koanf:"max_idle_time"`
}

// Redis contains Redis connection configuration.
// Leaving Host empty disables the run lock.
type Redis struct {
	// Redis hostname.
	Host string `koanf:"host"`
	// Redis port.
	Port int `koanf:"port"`
	// Redis username.
	Username string `koanf:"username"`
	// Redis password.
	Password string `koanf:"password"`
}

// Reconcile configures the duplicate-row reconciler.
type Reconcile struct {
	// Number of user ids fetched per page while enumerating keys.
	BatchSize int `koanf:"batch_size"`
	// Timeout of a single delete transaction in milliseconds.
	TxTimeout int `koanf:"tx_timeout_ms"`
	// Timeout of the bulk daily-duplicate transaction in milliseconds.
	DailyTimeout int `koanf:"daily_timeout_ms"`
	// Number of keys reconciled in parallel. 1 keeps the run sequential.
	Concurrency int `koanf:"concurrency"`
	// Name of the redis key guarding concurrent runs.
	LockName string `koanf:"lock_name"`
	// Lifetime of the run lock in milliseconds. It is extended while the run is alive.
	LockTTL int `koanf:"lock_ttl_ms"`
}

// Probe configures the rate-limit probe.
type Probe struct {
	// Target URL.
	URL string `koanf:"url"`
	// Number of concurrent callers.
	Workers int `koanf:"workers"`
	// Requests per caller.
	Requests int `koanf:"requests"`
	// Pause between requests of one caller in milliseconds.
	Interval int `koanf:"interval_ms"`
}

// Registry configures the extension registry client.
type Registry struct {
	// Base URL of the registry API.
	BaseURL string `koanf:"base_url"`
	// Request timeout in milliseconds.
	Timeout int `koanf:"timeout_ms"`
}

// TxTimeoutDuration returns the per-transaction timeout.
func (r Reconcile) TxTimeoutDuration() time.Duration {
	return time.Duration(r.TxTimeout) * time.Millisecond
}

// DailyTimeoutDuration returns the timeout of the bulk daily pass.
func (r Reconcile) DailyTimeoutDuration() time.Duration {
	return time.Duration(r.DailyTimeout) * time.Millisecond
}

// LockTTLDuration returns the run lock lifetime.
func (r Reconcile) LockTTLDuration() time.Duration {
	return time.Duration(r.LockTTL) * time.Millisecond
}

// SearchPaths lists the directories searched for the config file.
func SearchPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	return []string{
		".statfix",
		homeDir + "/.statfix/config",
		"/etc/statfix/config",
		"/app/config",
		"config",
		".",
	}, nil
}

// LoadConfig loads the configuration from the first matching search path.
// Returns the config along with the used config directory.
func LoadConfig() (*Config, string, error) {
	paths, err := SearchPaths()
	if err != nil {
		return nil, "", err
	}

	return LoadConfigFrom(paths)
}

// LoadConfigFrom loads the configuration from the given search paths and applies
// environment overrides on top of it.
func LoadConfigFrom(configPaths []string) (*Config, string, error) {
	k := koanf.New(".")

	var usedConfigPath string

	for _, path := range configPaths {
		configPath := fmt.Sprintf("%s/%s.toml", path, configName)
		if err := k.Load(file.Provider(configPath), toml.Parser()); err == nil {
			usedConfigPath = path
			break
		}
	}

	if usedConfigPath == "" {
		return nil, "", fmt.Errorf("%w: %s.toml", ErrConfigFileNotFound, configName)
	}

	// Credentials are usually injected through the environment
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, "", fmt.Errorf("error loading environment overrides: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, "", fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := checkConfigVersion(config.Version, CurrentVersion); err != nil {
		return nil, "", err
	}

	if err := config.Validate(); err != nil {
		return nil, "", err
	}

	return &config, usedConfigPath, nil
}

// Default returns a configuration holding only default values, pointing at a local store.
func Default() *Config {
	c := &Config{Version: CurrentVersion}
	c.PostgreSQL.Host = "localhost"
	_ = c.Validate()

	return c
}

// Validate fills defaults for unset values and rejects invalid ones.
func (c *Config) Validate() error {
	if c.Debug.LogLevel == "" {
		c.Debug.LogLevel = "info"
	}

	if c.Debug.LogDir == "" {
		c.Debug.LogDir = "logs"
	}

	if c.Debug.MaxLogsToKeep <= 0 {
		c.Debug.MaxLogsToKeep = 10
	}

	if c.Debug.MaxLogLines <= 0 {
		c.Debug.MaxLogLines = 10000
	}

	if c.Retry.Delay <= 0 {
		c.Retry.Delay = 500
	}

	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5000
	}

	if c.Retry.MaxElapsed <= 0 {
		c.Retry.MaxElapsed = 30000
	}

	if c.Retry.MaxDelay < c.Retry.Delay {
		return fmt.Errorf("%w: retry.max_delay (%d) is below retry.delay (%d)",
			ErrInvalidConfig, c.Retry.MaxDelay, c.Retry.Delay)
	}

	if c.PostgreSQL.Host == "" {
		return fmt.Errorf("%w: postgresql.host is required", ErrInvalidConfig)
	}

	if c.PostgreSQL.Port == 0 {
		c.PostgreSQL.Port = 5432
	}

	if c.PostgreSQL.MaxOpenConns <= 0 {
		c.PostgreSQL.MaxOpenConns = 10
	}

	if c.Redis.Host != "" && c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Reconcile.BatchSize <= 0 {
		c.Reconcile.BatchSize = 5000
	}

	if c.Reconcile.TxTimeout <= 0 {
		c.Reconcile.TxTimeout = 10000
	}

	if c.Reconcile.DailyTimeout <= 0 {
		c.Reconcile.DailyTimeout = 300000
	}

	if c.Reconcile.Concurrency <= 0 {
		c.Reconcile.Concurrency = 1
	}

	if c.Reconcile.LockName == "" {
		c.Reconcile.LockName = "statfix:reconcile"
	}

	if c.Reconcile.LockTTL <= 0 {
		c.Reconcile.LockTTL = 8000
	}

	if c.Probe.Workers <= 0 {
		c.Probe.Workers = 30
	}

	if c.Probe.Requests <= 0 {
		c.Probe.Requests = 10
	}

	if c.Probe.Interval <= 0 {
		c.Probe.Interval = 200
	}

	if c.Registry.BaseURL == "" {
		c.Registry.BaseURL = "https://open-vsx.org"
	}

	if c.Registry.Timeout <= 0 {
		c.Registry.Timeout = 15000
	}

	return nil
}

// envKey maps STATFIX_POSTGRESQL__DB_NAME to postgresql.db_name.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// checkConfigVersion checks if the config file version is correct.
func checkConfigVersion(current, expected int) error {
	if current == 0 {
		return fmt.Errorf("%w: %s.toml", ErrConfigVersionMissing, configName)
	}

	if current != expected {
		return fmt.Errorf("%w: %s.toml (got: %d, expected: %d)",
			ErrConfigVersionMismatch, configName, current, expected)
	}

	return nil
}
