package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/filecdn/filecdn/internal/blobstore"
	"github.com/filecdn/filecdn/internal/cache"
	"github.com/filecdn/filecdn/internal/filestore"
	"github.com/filecdn/filecdn/internal/ledger"
	"github.com/filecdn/filecdn/internal/metrics"
	"github.com/filecdn/filecdn/internal/retention"
	"github.com/filecdn/filecdn/pkg/health"
	"github.com/filecdn/filecdn/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Server     ServerConfig     `yaml:"server"`
	Cache      CacheConfig      `yaml:"cache"`
	Storage    blobstore.Config `yaml:"storage"`
	Ledger     ledger.Config    `yaml:"ledger"`
	Retention  retention.Config `yaml:"retention"`
	Upload     UploadConfig     `yaml:"upload"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AccessKey guards upload and delete. Usually supplied through the
	// ACCESS_KEY environment variable rather than the file.
	AccessKey string `yaml:"access_key"`
	// ExposeStats serves GET /stats.
	ExposeStats bool `yaml:"expose_stats"`
}

// CacheConfig represents the payload cache configuration
type CacheConfig struct {
	MaxSize            string  `yaml:"max_size"`
	MaxEntries         int     `yaml:"max_entries"`
	Hysteresis         float64 `yaml:"hysteresis"`
	EnforceLimitsOnHit bool    `yaml:"enforce_limits_on_hit"`
	WarmFraction       float64 `yaml:"warm_fraction"`
}

// UploadConfig bounds uploads.
type UploadConfig struct {
	MaxSize string `yaml:"max_size"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics metrics.Config       `yaml:"metrics"`
	Health  health.TrackerConfig `yaml:"health"`
	Logging LoggingConfig        `yaml:"logging"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Format string `yaml:"format"`
	// Rotation applies when global.log_file is set.
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig represents log file rotation settings
type RotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	svc := filestore.DefaultConfig()
	cc := cache.DefaultConfig()
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "INFO",
		},
		Server: ServerConfig{
			Addr:            ":3001",
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Cache: CacheConfig{
			MaxSize:      "1GB",
			MaxEntries:   cc.MaxEntries,
			Hysteresis:   cc.Hysteresis,
			WarmFraction: svc.WarmFraction,
		},
		Storage:   blobstore.DefaultConfig(),
		Ledger:    ledger.DefaultConfig(),
		Retention: retention.DefaultConfig(),
		Upload: UploadConfig{
			MaxSize: "100MB",
		},
		Monitoring: MonitoringConfig{
			Metrics: *metrics.DefaultConfig(),
			Health:  health.DefaultConfig(),
			Logging: LoggingConfig{
				Format: "text",
				Rotation: RotationConfig{
					MaxSizeMB:  100,
					MaxBackups: 5,
					MaxAgeDays: 30,
					Compress:   true,
				},
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables. Malformed
// numeric or duration values are reported rather than ignored.
func (c *Configuration) LoadFromEnv() error {
	// The shared secret keeps its historical unprefixed name.
	if val := os.Getenv("ACCESS_KEY"); val != "" {
		c.Server.AccessKey = val
	}
	if val := os.Getenv("FILECDN_ACCESS_KEY"); val != "" {
		c.Server.AccessKey = val
	}

	// Global settings
	if val := os.Getenv("FILECDN_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("FILECDN_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("FILECDN_LOG_FORMAT"); val != "" {
		c.Monitoring.Logging.Format = val
	}

	// Server settings
	if val := os.Getenv("FILECDN_ADDR"); val != "" {
		c.Server.Addr = val
	}

	// Cache settings
	if val := os.Getenv("FILECDN_CACHE_SIZE"); val != "" {
		c.Cache.MaxSize = val
	}
	if val := os.Getenv("FILECDN_CACHE_MAX_ENTRIES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("FILECDN_CACHE_MAX_ENTRIES: %w", err)
		}
		c.Cache.MaxEntries = n
	}
	if val := os.Getenv("FILECDN_ENFORCE_LIMITS_ON_HIT"); val != "" {
		c.Cache.EnforceLimitsOnHit = strings.ToLower(val) == "true"
	}

	// Upload settings
	if val := os.Getenv("FILECDN_UPLOAD_MAX_SIZE"); val != "" {
		c.Upload.MaxSize = val
	}

	// Storage settings
	if val := os.Getenv("FILECDN_STORAGE_BACKEND"); val != "" {
		c.Storage.Backend = blobstore.Backend(val)
	}
	if val := os.Getenv("FILECDN_DATA_DIR"); val != "" {
		c.Storage.Disk.Dir = val
	}
	if val := os.Getenv("FILECDN_S3_BUCKET"); val != "" {
		c.Storage.S3.Bucket = val
	}
	if val := os.Getenv("FILECDN_S3_REGION"); val != "" {
		c.Storage.S3.Region = val
	}
	if val := os.Getenv("FILECDN_S3_ENDPOINT"); val != "" {
		c.Storage.S3.Endpoint = val
	}

	// Ledger settings
	if val := os.Getenv("FILECDN_LEDGER_ENGINE"); val != "" {
		c.Ledger.Engine = ledger.Engine(val)
	}
	if val := os.Getenv("FILECDN_LEDGER_PATH"); val != "" {
		c.Ledger.Path = val
	}

	// Retention settings
	if val := os.Getenv("FILECDN_SWEEP_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("FILECDN_SWEEP_INTERVAL: %w", err)
		}
		c.Retention.Interval = d
	}
	if val := os.Getenv("FILECDN_SWEEP_ENABLED"); val != "" {
		c.Retention.Enabled = strings.ToLower(val) == "true"
	}

	// Monitoring settings
	if val := os.Getenv("FILECDN_METRICS_ENABLED"); val != "" {
		c.Monitoring.Metrics.Enabled = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if _, err := c.CacheConfig(); err != nil {
		return err
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be greater than 0")
	}
	if c.Cache.Hysteresis < 0 || c.Cache.Hysteresis > 1 {
		return fmt.Errorf("cache.hysteresis must be in [0, 1]")
	}
	if c.Cache.WarmFraction < 0 || c.Cache.WarmFraction > 1 {
		return fmt.Errorf("cache.warm_fraction must be in [0, 1]")
	}

	if _, err := c.ServiceConfig(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case blobstore.BackendDisk, "":
		if c.Storage.Disk.Dir == "" {
			return fmt.Errorf("storage.disk.dir is required")
		}
	case blobstore.BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be one of: disk, s3)", c.Storage.Backend)
	}

	switch c.Ledger.Engine {
	case ledger.EngineBolt, ledger.EngineBadger, "":
	default:
		return fmt.Errorf("invalid ledger.engine: %s (must be one of: bolt, badger)", c.Ledger.Engine)
	}
	if c.Ledger.Path == "" && !c.Ledger.InMemory {
		return fmt.Errorf("ledger.path is required")
	}

	if c.Retention.Enabled {
		if c.Retention.Interval <= 0 {
			return fmt.Errorf("retention.interval must be greater than 0")
		}
		if c.Retention.StaleAfter <= 0 || c.Retention.GraceWindow < 0 {
			return fmt.Errorf("retention.stale_after must be positive and retention.grace_window non-negative")
		}
	}

	switch c.Monitoring.Logging.Format {
	case "text", "json", "":
	default:
		return fmt.Errorf("invalid monitoring.logging.format: %s (must be one of: text, json)", c.Monitoring.Logging.Format)
	}

	return nil
}

// ValidateServe additionally checks what serving HTTP needs.
func (c *Configuration) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Server.AccessKey == "" {
		return fmt.Errorf("access key is required (set ACCESS_KEY)")
	}
	return nil
}

// CacheConfig converts the cache section, parsing the human byte size.
func (c *Configuration) CacheConfig() (cache.Config, error) {
	size, err := utils.ParseBytes(c.Cache.MaxSize)
	if err != nil {
		return cache.Config{}, fmt.Errorf("invalid cache.max_size %q: %w", c.Cache.MaxSize, err)
	}
	if size <= 0 {
		return cache.Config{}, fmt.Errorf("cache.max_size must be greater than 0")
	}
	return cache.Config{
		MaxBytes:   size,
		MaxEntries: c.Cache.MaxEntries,
		Hysteresis: c.Cache.Hysteresis,
	}, nil
}

// ServiceConfig converts the upload and cache sections into the file
// service configuration.
func (c *Configuration) ServiceConfig() (filestore.Config, error) {
	size, err := utils.ParseBytes(c.Upload.MaxSize)
	if err != nil {
		return filestore.Config{}, fmt.Errorf("invalid upload.max_size %q: %w", c.Upload.MaxSize, err)
	}
	if size <= 0 {
		return filestore.Config{}, fmt.Errorf("upload.max_size must be greater than 0")
	}
	return filestore.Config{
		MaxUploadBytes:     size,
		EnforceLimitsOnHit: c.Cache.EnforceLimitsOnHit,
		WarmFraction:       c.Cache.WarmFraction,
	}, nil
}

// LoggerConfig builds the structured logger configuration. A log file
// enables rotation; otherwise logs go to stdout.
func (c *Configuration) LoggerConfig() (*utils.StructuredLoggerConfig, error) {
	level, err := utils.ParseLogLevel(c.Global.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg := utils.DefaultStructuredLoggerConfig()
	cfg.Level = level
	cfg.Format = utils.ParseLogFormat(c.Monitoring.Logging.Format)
	if c.Global.LogFile != "" {
		r := c.Monitoring.Logging.Rotation
		cfg.Rotation = &utils.RotationConfig{
			Filename:   c.Global.LogFile,
			MaxSizeMB:  r.MaxSizeMB,
			MaxBackups: r.MaxBackups,
			MaxAgeDays: r.MaxAgeDays,
			Compress:   r.Compress,
		}
	}
	return cfg, nil
}
