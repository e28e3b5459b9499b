package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/revskill10/openagent-cli-sub002/internal/plugins"
	"github.com/revskill10/openagent-cli-sub002/internal/recovery"
	"github.com/revskill10/openagent-cli-sub002/internal/store"
)

// Config holds all openagent configuration.
// Priority: flags > env vars > config.yaml > defaults.
type Config struct {
	DBDriver  string `yaml:"db_driver"`
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	MachineID string `yaml:"machine_id"`
	PoolSize  int    `yaml:"pool_size"`

	RequireApproval bool     `yaml:"require_approval"`
	ApprovalTools   []string `yaml:"approval_tools"`
	FailOnStepError bool     `yaml:"fail_on_step_error"`
	RetryBackoff    string   `yaml:"retry_backoff"`
	RetryDelay      string   `yaml:"retry_delay"`

	RedisAddr         string        `yaml:"redis_addr"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ScanInterval      time.Duration `yaml:"scan_interval"`
	DeadThreshold     time.Duration `yaml:"dead_threshold"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
	Retention         time.Duration `yaml:"retention"`
	CleanupSchedule   string        `yaml:"cleanup_schedule"`
	MetricsAddr       string        `yaml:"metrics_addr"`

	// Plugins are MCP tool servers whose tools scripts may call as
	// "<name>.<tool>".
	Plugins []plugins.Config `yaml:"plugins"`
}

func defaultConfig() Config {
	return Config{
		DBDriver:          store.DriverLibSQL,
		DBPath:            filepath.Join(openagentDir(), "openagent.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		PoolSize:          8,
		RetryBackoff:      "exponential",
		RetryDelay:        "200ms",
		HeartbeatInterval: recovery.DefaultHeartbeatInterval,
		ScanInterval:      recovery.DefaultScanInterval,
		DeadThreshold:     recovery.DefaultDeadThreshold,
		LeaseTTL:          30 * time.Second,
		LockTTL:           recovery.DefaultLockTTL,
		Retention:         recovery.DefaultRetention,
		CleanupSchedule:   recovery.DefaultCleanupSchedule,
		MetricsAddr:       ":9464",
	}
}

func openagentDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".openagent"
	}
	return filepath.Join(home, ".openagent")
}

func configPath() string {
	return filepath.Join(openagentDir(), "config.yaml")
}

// loadConfig layers path (the default location when empty) and the
// OPENAGENT_* environment over the defaults. A missing file is not an error
// unless it was named explicitly.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = configPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup("OPENAGENT_" + key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup("OPENAGENT_" + key); ok && v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup("OPENAGENT_" + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("OPENAGENT_%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup("OPENAGENT_" + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("OPENAGENT_%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("DB_DRIVER", &cfg.DBDriver)
	str("DB_PATH", &cfg.DBPath)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("MACHINE_ID", &cfg.MachineID)
	integer("POOL_SIZE", &cfg.PoolSize)
	boolean("REQUIRE_APPROVAL", &cfg.RequireApproval)
	if v, ok := lookup("OPENAGENT_APPROVAL_TOOLS"); ok && v != "" {
		cfg.ApprovalTools = strings.Split(v, ",")
	}
	boolean("FAIL_ON_STEP_ERROR", &cfg.FailOnStepError)
	str("RETRY_BACKOFF", &cfg.RetryBackoff)
	str("RETRY_DELAY", &cfg.RetryDelay)
	str("REDIS_ADDR", &cfg.RedisAddr)
	duration("HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	duration("SCAN_INTERVAL", &cfg.ScanInterval)
	duration("DEAD_THRESHOLD", &cfg.DeadThreshold)
	duration("LEASE_TTL", &cfg.LeaseTTL)
	duration("LOCK_TTL", &cfg.LockTTL)
	duration("RETENTION", &cfg.Retention)
	str("CLEANUP_SCHEDULE", &cfg.CleanupSchedule)
	str("METRICS_ADDR", &cfg.MetricsAddr)

	return errors.Join(errs...)
}

// machineID returns the configured id, or a per-process one derived from the
// host name.
func (c Config) machineID() string {
	if c.MachineID != "" {
		return c.MachineID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "openagent"
	}
	return host + "-" + uuid.NewString()[:8]
}

// dsn turns DBPath into what the driver expects.
func (c Config) dsn() string {
	if c.DBDriver == store.DriverSQLite || strings.HasPrefix(c.DBPath, "file:") ||
		strings.HasPrefix(c.DBPath, "libsql:") || strings.HasPrefix(c.DBPath, "http") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
