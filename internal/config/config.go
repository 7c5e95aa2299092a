package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"

	"github.com/italolelis/resource_fetcher/internal/downloader"
)

const appName = "resource_fetcher"

// Config struct for environment variables.
type Config struct {
	MaxRetryCount int           `envconfig:"MAX_RETRY_COUNT" default:"1"`
	Timeout       time.Duration `envconfig:"TIMEOUT" default:"15s"`
	RetryBackoff  time.Duration `envconfig:"RETRY_BACKOFF" default:"0s"`
	MaxParallel   int           `envconfig:"MAX_PARALLEL" default:"5"`
	ChunkSize     int           `envconfig:"CHUNK_SIZE" default:"4096"`
	MaxBufferSize string        `envconfig:"MAX_BUFFER_SIZE" default:"64MB"`

	CacheDir        string        `envconfig:"CACHE_DIR"`
	CacheMaxSize    string        `envconfig:"CACHE_MAX_SIZE" default:"512MB"`
	KeepCachedFor   time.Duration `envconfig:"KEEP_CACHED_FOR" default:"168h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	DBPath          string        `envconfig:"DB_PATH"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"INFO"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"resource_fetcher"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"5m"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(xdg.CacheHome, appName)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.CacheDir, "cache.db")
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.MaxRetryCount < 0 {
		return fmt.Errorf("MAX_RETRY_COUNT must not be negative, got %d", c.MaxRetryCount)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("TIMEOUT must be positive, got %s", c.Timeout)
	}

	if _, err := c.CacheMaxBytes(); err != nil {
		return err
	}

	if _, err := c.MaxBufferBytes(); err != nil {
		return err
	}

	return nil
}

// CacheMaxBytes parses CACHE_MAX_SIZE ("512MB", "2GiB", ...) into bytes.
func (c *Config) CacheMaxBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.CacheMaxSize)
	if err != nil {
		return 0, fmt.Errorf("invalid CACHE_MAX_SIZE %q: %w", c.CacheMaxSize, err)
	}

	return int64(n), nil
}

// MaxBufferBytes parses MAX_BUFFER_SIZE, the largest body held in memory.
func (c *Config) MaxBufferBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.MaxBufferSize)
	if err != nil {
		return 0, fmt.Errorf("invalid MAX_BUFFER_SIZE %q: %w", c.MaxBufferSize, err)
	}

	return int64(n), nil
}

// DownloaderOptions converts the loaded configuration into downloader options.
func (c *Config) DownloaderOptions() downloader.Options {
	opts := downloader.DefaultOptions()
	opts.MaxRetries = c.MaxRetryCount
	opts.Timeout = c.Timeout
	opts.RetryBackoff = c.RetryBackoff
	opts.MaxParallel = c.MaxParallel
	opts.ChunkSize = c.ChunkSize

	// Validated on load.
	opts.MaxBufferSize, _ = c.MaxBufferBytes()

	return opts
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
