// Package config loads depot configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/git-pkgs/depot/archive"
	"github.com/git-pkgs/depot/digest"
	"github.com/git-pkgs/depot/internal/core"
)

// Config holds all depot settings.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	S3       S3Config       `yaml:"s3"`
	GCS      GCSConfig      `yaml:"gcs"`
	HTTP     HTTPConfig     `yaml:"http"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Publish  PublishConfig  `yaml:"publish"`
}

// DatabaseConfig selects the catalog backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres or memory
	Path   string `yaml:"path"`   // sqlite file
	URL    string `yaml:"url"`    // postgres connection string
}

// StorageConfig selects where archives are kept.
type StorageConfig struct {
	Type      string `yaml:"type"` // local, s3 or gcs
	LocalPath string `yaml:"local_path"`
}

// S3Config holds object store settings.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// GCSConfig holds Google Cloud Storage settings.
type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// HTTPConfig tunes downloads from URLs.
type HTTPConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	UserAgent  string        `yaml:"user_agent"`
	RateLimit  float64       `yaml:"rate_limit"` // requests per second, 0 for unlimited
}

// RedisConfig enables the catalog read cache when URL is set.
type RedisConfig struct {
	URL string        `yaml:"url"`
	TTL time.Duration `yaml:"ttl"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PublishConfig holds publish defaults.
type PublishConfig struct {
	PublisherID    string        `yaml:"publisher_id"`
	Algorithm      string        `yaml:"algorithm"`
	Format         string        `yaml:"format"`
	IgnorePatterns []string      `yaml:"ignore_patterns"`
	SignedURLTTL   time.Duration `yaml:"signed_url_ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "./depot.db"},
		Storage:  StorageConfig{Type: string(core.StorageLocal), LocalPath: "./releases"},
		S3:       S3Config{Region: "us-east-1"},
		HTTP: HTTPConfig{
			Timeout:    5 * time.Minute,
			MaxRetries: 3,
			UserAgent:  "depot/1.0",
		},
		Redis:   RedisConfig{TTL: 10 * time.Minute},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Publish: PublishConfig{
			Algorithm:    string(digest.Default),
			Format:       string(archive.DefaultFormat),
			SignedURLTTL: 7 * 24 * time.Hour,
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies DEPOT_*
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.Publish.PublisherID == "" {
		cfg.Publish.PublisherID = DefaultPublisherID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.Driver = getEnv("DEPOT_DATABASE_DRIVER", c.Database.Driver)
	c.Database.Path = getEnv("DEPOT_DATABASE_PATH", c.Database.Path)
	c.Database.URL = getEnv("DEPOT_DATABASE_URL", c.Database.URL)

	c.Storage.Type = getEnv("DEPOT_STORAGE_TYPE", c.Storage.Type)
	c.Storage.LocalPath = getEnv("DEPOT_STORAGE_LOCAL_PATH", c.Storage.LocalPath)

	c.S3.Bucket = getEnv("DEPOT_S3_BUCKET", c.S3.Bucket)
	c.S3.Region = getEnv("DEPOT_S3_REGION", getEnv("AWS_REGION", c.S3.Region))
	c.S3.Endpoint = getEnv("DEPOT_S3_ENDPOINT", c.S3.Endpoint)
	c.S3.Prefix = getEnv("DEPOT_S3_PREFIX", c.S3.Prefix)
	c.S3.AccessKey = getEnv("DEPOT_S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = getEnv("DEPOT_S3_SECRET_KEY", c.S3.SecretKey)

	c.GCS.Bucket = getEnv("DEPOT_GCS_BUCKET", c.GCS.Bucket)
	c.GCS.Prefix = getEnv("DEPOT_GCS_PREFIX", c.GCS.Prefix)

	c.HTTP.Timeout = getEnvDuration("DEPOT_HTTP_TIMEOUT", c.HTTP.Timeout)
	c.HTTP.MaxRetries = getEnvInt("DEPOT_HTTP_MAX_RETRIES", c.HTTP.MaxRetries)
	c.HTTP.UserAgent = getEnv("DEPOT_HTTP_USER_AGENT", c.HTTP.UserAgent)
	c.HTTP.RateLimit = getEnvFloat("DEPOT_HTTP_RATE_LIMIT", c.HTTP.RateLimit)

	c.Redis.URL = getEnv("DEPOT_REDIS_URL", c.Redis.URL)
	c.Redis.TTL = getEnvDuration("DEPOT_REDIS_TTL", c.Redis.TTL)

	c.Logging.Level = getEnv("DEPOT_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("DEPOT_LOG_FORMAT", c.Logging.Format)

	c.Publish.PublisherID = getEnv("DEPOT_PUBLISHER_ID", c.Publish.PublisherID)
	c.Publish.Algorithm = getEnv("DEPOT_HASH_ALGORITHM", c.Publish.Algorithm)
	c.Publish.Format = getEnv("DEPOT_ARCHIVE_FORMAT", c.Publish.Format)
	if v := os.Getenv("DEPOT_IGNORE_PATTERNS"); v != "" {
		c.Publish.IgnorePatterns = strings.Split(v, ",")
	}
	c.Publish.SignedURLTTL = getEnvDuration("DEPOT_SIGNED_URL_TTL", c.Publish.SignedURLTTL)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for postgres"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported database.driver %q", c.Database.Driver))
	}

	switch core.StorageKind(c.Storage.Type) {
	case core.StorageLocal:
		if c.Storage.LocalPath == "" {
			errs = append(errs, errors.New("storage.local_path is required"))
		}
	case core.StorageS3:
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3.bucket is required for s3 storage"))
		}
	case core.StorageGCS:
		if c.GCS.Bucket == "" {
			errs = append(errs, errors.New("gcs.bucket is required for gcs storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage.type %q", c.Storage.Type))
	}

	if !digest.Algorithm(c.Publish.Algorithm).Supported() {
		errs = append(errs, fmt.Errorf("%w: publish.algorithm %q", digest.ErrUnsupportedAlgorithm, c.Publish.Algorithm))
	}
	if _, err := archive.ParseFormat(c.Publish.Format); err != nil {
		errs = append(errs, fmt.Errorf("publish.format: %w", err))
	}
	if c.HTTP.MaxRetries < 0 {
		errs = append(errs, errors.New("http.max_retries must not be negative"))
	}

	return errors.Join(errs...)
}

// StoreOptions returns the blob store options for the configured backend.
func (c *Config) StoreOptions() core.StoreOptions {
	opts := core.StoreOptions{
		Root:      c.Storage.LocalPath,
		Timeout:   c.HTTP.Timeout,
		AccessKey: c.S3.AccessKey,
		SecretKey: c.S3.SecretKey,
	}
	switch core.StorageKind(c.Storage.Type) {
	case core.StorageS3:
		opts.Bucket = c.S3.Bucket
		opts.Region = c.S3.Region
		opts.Endpoint = c.S3.Endpoint
		opts.Prefix = c.S3.Prefix
	case core.StorageGCS:
		opts.Bucket = c.GCS.Bucket
		opts.Prefix = c.GCS.Prefix
	}
	return opts
}

// CatalogDSN returns the driver name and data source for the catalog.
func (c *Config) CatalogDSN() (driver, dsn string) {
	switch c.Database.Driver {
	case "postgres":
		return "postgres", c.Database.URL
	case "memory":
		return "memory", ""
	default:
		return "sqlite", c.Database.Path
	}
}

// DefaultPublisherID returns "uuid@hostname".
func DefaultPublisherID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return uuid.NewString() + "@" + host
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
