package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen            string   `yaml:"listen"`
	Secret            string   `yaml:"secret"`
	Hostname          string   `yaml:"hostname"`
	Networks          []string `yaml:"networks"`
	Image             string   `yaml:"image"` // executor's own image, used to find and attach itself to runtime networks
	ImagePull         bool     `yaml:"image_pull"`
	Runtimes          []string `yaml:"runtimes"` // pre-pull allowlist, e.g. "node-18.0"
	RuntimeVersions   []string `yaml:"runtime_versions"`
	TmpDir            string   `yaml:"tmp_dir"`
	StorageConnection string   `yaml:"storage_connection"`
	RegistryCapacity  int      `yaml:"registry_capacity"`

	MaintenanceIntervalSeconds int `yaml:"maintenance_interval_seconds"`
	InactiveThresholdSeconds   int `yaml:"inactive_threshold_seconds"`
	RetryDelayMs               int `yaml:"retry_delay_ms"`
	RetryAttempts              int `yaml:"retry_attempts"`

	DBPath                string `yaml:"db_path"`
	JournalRetentionHours int    `yaml:"journal_retention_hours"`
	RedisURL              string `yaml:"redis_url"`
	LogLevel              string `yaml:"log_level"`
	LogFormat             string `yaml:"log_format"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:                     "0.0.0.0:80",
		Networks:                   []string{"openruntimes-runtimes"},
		ImagePull:                  true,
		RuntimeVersions:            []string{"v5"},
		TmpDir:                     "/tmp",
		RegistryCapacity:           4096,
		MaintenanceIntervalSeconds: 3600,
		InactiveThresholdSeconds:   60,
		RetryDelayMs:               500,
		RetryAttempts:              5,
		DBPath:                     "./executor.db",
		JournalRetentionHours:      24,
		LogLevel:                   "info",
		LogFormat:                  "text",
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve hostname: %w", err)
		}
		cfg.Hostname = h
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Secret == "" {
		errs = append(errs, errors.New("secret is required (OPR_EXECUTOR_SECRET)"))
	}
	if c.RegistryCapacity <= 0 {
		errs = append(errs, fmt.Errorf("registry_capacity must be positive, got %d", c.RegistryCapacity))
	}
	if len(c.Networks) == 0 {
		errs = append(errs, errors.New("at least one network is required"))
	}
	if c.MaintenanceIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("maintenance_interval_seconds must be positive, got %d", c.MaintenanceIntervalSeconds))
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("invalid listen address %q: %w", c.Listen, err))
	}
	return errors.Join(errs...)
}

func (c *Config) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalSeconds) * time.Second
}

func (c *Config) InactiveThreshold() time.Duration {
	return time.Duration(c.InactiveThresholdSeconds) * time.Second
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func (c *Config) JournalRetention() time.Duration {
	return time.Duration(c.JournalRetentionHours) * time.Hour
}

// LocalURL is the base URL this executor can use to call its own API.
func (c *Config) LocalURL() string {
	_, port, err := net.SplitHostPort(c.Listen)
	if err != nil || port == "" {
		port = "80"
	}
	return "http://" + net.JoinHostPort("127.0.0.1", port)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPR_EXECUTOR_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("OPR_EXECUTOR_SECRET"); v != "" {
		cfg.Secret = v
	}
	if v := os.Getenv("OPR_EXECUTOR_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("OPR_EXECUTOR_NETWORK"); v != "" {
		cfg.Networks = splitList(v)
	}
	if v := os.Getenv("OPR_EXECUTOR_IMAGE"); v != "" {
		cfg.Image = v
	}
	if v := os.Getenv("OPR_EXECUTOR_IMAGE_PULL"); v != "" {
		cfg.ImagePull = v != "disabled"
	}
	if v := os.Getenv("OPR_EXECUTOR_RUNTIMES"); v != "" {
		cfg.Runtimes = splitList(v)
	}
	if v := os.Getenv("OPR_EXECUTOR_RUNTIME_VERSIONS"); v != "" {
		cfg.RuntimeVersions = splitList(v)
	}
	if v := os.Getenv("OPR_EXECUTOR_TMP_DIR"); v != "" {
		cfg.TmpDir = v
	}
	if v := os.Getenv("OPR_EXECUTOR_CONNECTION_STORAGE"); v != "" {
		cfg.StorageConnection = v
	}
	if v := os.Getenv("OPR_EXECUTOR_REGISTRY_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RegistryCapacity = n
		}
	}
	if v := os.Getenv("OPR_EXECUTOR_MAINTENANCE_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaintenanceIntervalSeconds = n
		}
	}
	if v := os.Getenv("OPR_EXECUTOR_INACTIVE_TRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.InactiveThresholdSeconds = n
		}
	}
	if v := os.Getenv("OPR_EXECUTOR_RETRY_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryDelayMs = n
		}
	}
	if v := os.Getenv("OPR_EXECUTOR_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryAttempts = n
		}
	}
	if v := os.Getenv("OPR_EXECUTOR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("OPR_EXECUTOR_JOURNAL_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.JournalRetentionHours = n
		}
	}
	if v := os.Getenv("OPR_EXECUTOR_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("OPR_EXECUTOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OPR_EXECUTOR_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
