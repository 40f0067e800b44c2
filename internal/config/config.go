package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Printers PrintersConfig `yaml:"printers"`
	Queue    QueueConfig    `yaml:"queue"`
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path        string `yaml:"path"`
	ArchivePath string `yaml:"archive_path"`
	ArchiveDays int    `yaml:"archive_days"`
}

type PrintersConfig struct {
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	DefaultDPI        int           `yaml:"default_dpi"`
	DefaultWidthMM    float64       `yaml:"default_width_mm"`
	DefaultMaxChars   int           `yaml:"default_max_chars"`
	// SkipUnresolvedText restores the lenient behaviour where a text job whose
	// printer cannot be resolved succeeds without printing anything.
	SkipUnresolvedText bool `yaml:"skip_unresolved_text"`
}

type QueueConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	WorkerCount  int           `yaml:"worker_count"`
	PollInterval time.Duration `yaml:"poll_interval"`
	SpoolDir     string        `yaml:"spool_dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:        "./data/spool.db",
			ArchivePath: "./data/archives",
			ArchiveDays: 30,
		},
		Printers: PrintersConfig{
			ConnectionTimeout: 10 * time.Second,
			WriteTimeout:      10 * time.Second,
			DefaultDPI:        203,
			DefaultWidthMM:    48,
			DefaultMaxChars:   32,
		},
		Queue: QueueConfig{
			MaxAttempts:  3,
			RetryDelay:   10 * time.Second,
			WorkerCount:  2,
			PollInterval: time.Second,
			SpoolDir:     "./data/spool",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Auth: AuthConfig{
			Enabled: true,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaults()
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv overlays SPOOL_* environment variables onto cfg. A nil cfg
// starts from the defaults.
func LoadFromEnv(cfg *Config) *Config {
	if cfg == nil {
		cfg = defaults()
	}

	if v := os.Getenv("SPOOL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SPOOL_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("SPOOL_ARCHIVE_PATH"); v != "" {
		cfg.Database.ArchivePath = v
	}

	if v := os.Getenv("SPOOL_SPOOL_DIR"); v != "" {
		cfg.Queue.SpoolDir = v
	}

	if v := os.Getenv("SPOOL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.WorkerCount = n
		}
	}

	if v := os.Getenv("SPOOL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("SPOOL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("SPOOL_AUTH_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Auth.Enabled = enabled
		}
	}

	return cfg
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Database.ArchiveDays < 0 {
		return fmt.Errorf("archive days must be non-negative")
	}

	if c.Printers.ConnectionTimeout < 0 {
		return fmt.Errorf("connection timeout must be non-negative")
	}

	if c.Printers.WriteTimeout < 0 {
		return fmt.Errorf("write timeout must be non-negative")
	}

	if c.Printers.DefaultDPI < 1 {
		return fmt.Errorf("default dpi must be positive, got %d", c.Printers.DefaultDPI)
	}

	if c.Printers.DefaultWidthMM <= 0 {
		return fmt.Errorf("default width must be positive")
	}

	if c.Printers.DefaultMaxChars < 1 {
		return fmt.Errorf("default max chars must be positive, got %d", c.Printers.DefaultMaxChars)
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}

	if c.Queue.RetryDelay < 0 {
		return fmt.Errorf("retry delay must be non-negative")
	}

	if c.Queue.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}

	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	if c.Queue.SpoolDir == "" {
		return fmt.Errorf("spool dir is required")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	return nil
}
