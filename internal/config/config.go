package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "releaseflow.db"
	defaultStoreDriver   = "sqlite"
	defaultRedisChannel  = "releaseflow.events"
	defaultAuditPrefix   = "audit"
	defaultLockTTL       = 15 * time.Minute
	defaultInterval      = 30 * time.Second
	defaultScanTimeout   = 60 * time.Second
	defaultMaxFailures   = 3
	defaultAlertCooldown = 5 * time.Minute
	defaultMaxIssues     = 10
	defaultMaxFixes      = 20

	envConfigFile          = "RELEASEFLOW_CONFIG"
	envListenAddr          = "RELEASEFLOW_LISTEN_ADDR"
	envLogLevel            = "RELEASEFLOW_LOG_LEVEL"
	envStoreDriver         = "RELEASEFLOW_STORE_DRIVER"
	envDBPath              = "RELEASEFLOW_DB_PATH"
	envPostgresDSN         = "RELEASEFLOW_POSTGRES_DSN"
	envLockTTL             = "RELEASEFLOW_LOCK_TTL"
	envAllowLoadFromStaged = "RELEASEFLOW_ALLOW_LOAD_FROM_STAGED"
	envMonitorEnabled      = "RELEASEFLOW_MONITOR_ENABLED"
	envMonitorInterval     = "RELEASEFLOW_MONITOR_INTERVAL"
	envMonitorTimeout      = "RELEASEFLOW_MONITOR_TIMEOUT"
	envMonitorMaxFailures  = "RELEASEFLOW_MONITOR_MAX_FAILURES"
	envMonitorCooldown     = "RELEASEFLOW_MONITOR_ALERT_COOLDOWN"
	envMonitorMaxIssues    = "RELEASEFLOW_MONITOR_MAX_ISSUES"
	envMonitorMaxFixes     = "RELEASEFLOW_MONITOR_MAX_FIXES"
	envRenameDuplicates    = "RELEASEFLOW_RENAME_DUPLICATES"
	envRedisAddr           = "RELEASEFLOW_REDIS_ADDR"
	envRedisChannel        = "RELEASEFLOW_REDIS_CHANNEL"
	envAuditBucket         = "RELEASEFLOW_AUDIT_BUCKET"
	envAuditRegion         = "RELEASEFLOW_AUDIT_REGION"
	envAuditEndpoint       = "RELEASEFLOW_AUDIT_ENDPOINT"
	envAuditPathStyle      = "RELEASEFLOW_AUDIT_PATH_STYLE"
	envAuditPrefix         = "RELEASEFLOW_AUDIT_PREFIX"
)

// Config holds application configuration. Values come from defaults, then an
// optional YAML file named by RELEASEFLOW_CONFIG, then environment variables.
type Config struct {
	ListenAddr string        `yaml:"listen_addr"`
	LogLevel   slog.Level    `yaml:"-"`
	LockTTL    time.Duration `yaml:"lock_ttl"`

	Store   StoreConfig   `yaml:"store"`
	Engine  EngineConfig  `yaml:"engine"`
	Monitor MonitorConfig `yaml:"monitor"`
	Redis   RedisConfig   `yaml:"redis"`
	Audit   AuditConfig   `yaml:"audit"`
}

// StoreConfig selects the release store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DBPath      string `yaml:"db_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// EngineConfig tunes the transition engine.
type EngineConfig struct {
	AllowLoadFromStaged bool `yaml:"allow_load_from_staged"`
}

// MonitorConfig tunes the consistency monitor.
type MonitorConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxFailures      int           `yaml:"max_failures"`
	AlertCooldown    time.Duration `yaml:"alert_cooldown"`
	MaxIssuesPerType int           `yaml:"max_issues_per_type"`
	MaxFixesPerType  int           `yaml:"max_fixes_per_type"`
	RenameDuplicates bool          `yaml:"rename_duplicates"`
}

// RedisConfig enables the Redis notification sink when Addr is set.
type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// AuditConfig enables S3 export of audit entries when Bucket is set.
type AuditConfig struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	Prefix    string `yaml:"prefix"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr: defaultListenAddr,
		LogLevel:   slog.LevelInfo,
		LockTTL:    defaultLockTTL,
		Store: StoreConfig{
			Driver: defaultStoreDriver,
			DBPath: defaultDBPath,
		},
		Engine: EngineConfig{AllowLoadFromStaged: true},
		Monitor: MonitorConfig{
			Enabled:          true,
			Interval:         defaultInterval,
			Timeout:          defaultScanTimeout,
			MaxFailures:      defaultMaxFailures,
			AlertCooldown:    defaultAlertCooldown,
			MaxIssuesPerType: defaultMaxIssues,
			MaxFixesPerType:  defaultMaxFixes,
			RenameDuplicates: true,
		},
		Redis: RedisConfig{Channel: defaultRedisChannel},
		Audit: AuditConfig{Prefix: defaultAuditPrefix},
	}
}

// fileConfig is the YAML document shape.
type fileConfig struct {
	Config   `yaml:",inline"`
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration with sensible defaults.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	fc := fileConfig{Config: *cfg}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	*cfg = fc.Config
	if fc.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(fc.LogLevel)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str(envListenAddr, &cfg.ListenAddr)
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	dur(envLockTTL, &cfg.LockTTL)

	str(envStoreDriver, &cfg.Store.Driver)
	str(envDBPath, &cfg.Store.DBPath)
	str(envPostgresDSN, &cfg.Store.PostgresDSN)

	flag(envAllowLoadFromStaged, &cfg.Engine.AllowLoadFromStaged)

	flag(envMonitorEnabled, &cfg.Monitor.Enabled)
	dur(envMonitorInterval, &cfg.Monitor.Interval)
	dur(envMonitorTimeout, &cfg.Monitor.Timeout)
	num(envMonitorMaxFailures, &cfg.Monitor.MaxFailures)
	dur(envMonitorCooldown, &cfg.Monitor.AlertCooldown)
	num(envMonitorMaxIssues, &cfg.Monitor.MaxIssuesPerType)
	num(envMonitorMaxFixes, &cfg.Monitor.MaxFixesPerType)
	flag(envRenameDuplicates, &cfg.Monitor.RenameDuplicates)

	str(envRedisAddr, &cfg.Redis.Addr)
	str(envRedisChannel, &cfg.Redis.Channel)

	str(envAuditBucket, &cfg.Audit.Bucket)
	str(envAuditRegion, &cfg.Audit.Region)
	str(envAuditEndpoint, &cfg.Audit.Endpoint)
	flag(envAuditPathStyle, &cfg.Audit.PathStyle)
	str(envAuditPrefix, &cfg.Audit.Prefix)

	return errors.Join(errs...)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.DBPath == "" {
			errs = append(errs, errors.New("store.db_path is required for sqlite"))
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, errors.New("lock_ttl must be positive"))
	}
	if c.Monitor.Interval <= 0 || c.Monitor.Timeout <= 0 {
		errs = append(errs, errors.New("monitor interval and timeout must be positive"))
	}
	if c.Monitor.MaxFailures <= 0 {
		errs = append(errs, errors.New("monitor.max_failures must be positive"))
	}
	return errors.Join(errs...)
}

// DSN returns the connection string for the configured store driver.
func (c Config) DSN() string {
	if c.Store.Driver == "postgres" {
		return c.Store.PostgresDSN
	}
	return c.Store.DBPath
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
