package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Credentials  CredentialsConfig  `yaml:"credentials"`
	Database     DatabaseConfig     `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
	App          AppConfig          `yaml:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxImageBytes   int64         `yaml:"max_image_bytes"`
}

// SchedulerConfig holds the processing loop tuning knobs. Every constant
// the loop uses lives here rather than inline in the code.
type SchedulerConfig struct {
	CredentialCooldown time.Duration `yaml:"credential_cooldown"`
	InitialItemDelay   time.Duration `yaml:"initial_item_delay"`
	MinItemDelay       time.Duration `yaml:"min_item_delay"`
	MaxItemDelay       time.Duration `yaml:"max_item_delay"`
	ItemDelayStep      time.Duration `yaml:"item_delay_step"`
	InterJobDelay      time.Duration `yaml:"inter_job_delay"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	CacheCapacity      int           `yaml:"cache_capacity"`
	CropPadding        float64       `yaml:"crop_padding"`
	MaxItemRetries     int           `yaml:"max_item_retries"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	ArchiveTimeout     time.Duration `yaml:"archive_timeout"`
}

// SegmentationConfig holds the external segmentation service endpoint
type SegmentationConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// CredentialsConfig holds the API token pool. Tokens listed in the file are
// merged with the comma-separated value of EnvVar, so deployments can keep
// secrets out of the config file.
type CredentialsConfig struct {
	Tokens []string `yaml:"tokens"`
	EnvVar string   `yaml:"env_var"`
}

// DatabaseConfig holds the optional PostgreSQL archive configuration.
// When disabled, terminal jobs are kept in memory only.
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Segmentation.BaseURL == "" {
		return fmt.Errorf("segmentation base_url is required")
	}

	if err := c.validateScheduler(); err != nil {
		return err
	}

	if c.Database.Enabled {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	return nil
}

func (c *Config) validateScheduler() error {
	s := &c.Scheduler

	if s.CredentialCooldown <= 0 {
		return fmt.Errorf("scheduler credential_cooldown must be greater than 0")
	}

	if s.MinItemDelay <= 0 || s.InitialItemDelay <= 0 || s.MaxItemDelay <= 0 {
		return fmt.Errorf("scheduler item delays must be greater than 0")
	}

	if s.MinItemDelay > s.InitialItemDelay || s.InitialItemDelay > s.MaxItemDelay {
		return fmt.Errorf("scheduler item delays must satisfy min <= initial <= max (got %s <= %s <= %s)",
			s.MinItemDelay, s.InitialItemDelay, s.MaxItemDelay)
	}

	if s.CacheCapacity <= 0 {
		return fmt.Errorf("scheduler cache_capacity must be greater than 0")
	}

	if s.CropPadding < 1.0 {
		return fmt.Errorf("scheduler crop_padding must be at least 1.0")
	}

	if s.MaxItemRetries < 0 {
		return fmt.Errorf("scheduler max_item_retries must not be negative")
	}

	return nil
}
