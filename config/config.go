// Package config loads server settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Storage backends accepted in STORAGE_TYPE.
const (
	StorageMemory     = "memory"
	StorageSQLite     = "sqlite"
	StorageFilesystem = "filesystem"
	StorageS3         = "s3"
	StoragePostgres   = "postgres"
)

type Config struct {
	ListenAddr string
	LogLevel   string
	LogFormat  string

	StorageType      string
	DataSourceName   string
	LocalStoragePath string
	S3BucketName     string
	DatabaseURL      string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret      string
	AllowedOrigins []string

	DrawRateLimit       float64
	DrawBurst           int
	SaveRequestInterval time.Duration
	MaxPayloadBytes     int64
}

// Load reads .env if present and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function, applying defaults for
// unset keys.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		ListenAddr:       get("LISTEN_ADDR", ":3002"),
		LogLevel:         get("LOG_LEVEL", "info"),
		LogFormat:        get("LOG_FORMAT", "text"),
		StorageType:      get("STORAGE_TYPE", StorageMemory),
		DataSourceName:   get("DATA_SOURCE_NAME", "whiteboard.db"),
		LocalStoragePath: get("LOCAL_STORAGE_PATH", "./data"),
		S3BucketName:     get("S3_BUCKET_NAME", ""),
		DatabaseURL:      get("DATABASE_URL", ""),
		RedisAddr:        get("REDIS_ADDR", ""),
		RedisPassword:    getenv("REDIS_PW"),
		JWTSecret:        getenv("JWT_SECRET"),
		AllowedOrigins:   splitList(get("ALLOWED_ORIGINS", "")),
	}

	var err error
	if cfg.RedisDB, err = strconv.Atoi(get("REDIS_DB", "0")); err != nil {
		return nil, fmt.Errorf("REDIS_DB: %w", err)
	}
	if cfg.DrawRateLimit, err = strconv.ParseFloat(get("DRAW_RATE_LIMIT", "120"), 64); err != nil {
		return nil, fmt.Errorf("DRAW_RATE_LIMIT: %w", err)
	}
	if cfg.DrawBurst, err = strconv.Atoi(get("DRAW_BURST", "240")); err != nil {
		return nil, fmt.Errorf("DRAW_BURST: %w", err)
	}
	if cfg.SaveRequestInterval, err = time.ParseDuration(get("SAVE_REQUEST_INTERVAL", "30s")); err != nil {
		return nil, fmt.Errorf("SAVE_REQUEST_INTERVAL: %w", err)
	}
	if cfg.MaxPayloadBytes, err = strconv.ParseInt(get("MAX_PAYLOAD_BYTES", "5000000"), 10, 64); err != nil {
		return nil, fmt.Errorf("MAX_PAYLOAD_BYTES: %w", err)
	}
	return cfg, nil
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}
	switch c.StorageType {
	case StorageMemory, StorageSQLite, StorageFilesystem:
	case StorageS3:
		if c.S3BucketName == "" {
			errs = append(errs, errors.New("S3_BUCKET_NAME must be set for s3 storage"))
		}
	case StoragePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL must be set for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_TYPE %q", c.StorageType))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat))
	}
	if c.DrawRateLimit <= 0 || c.DrawBurst <= 0 {
		errs = append(errs, errors.New("DRAW_RATE_LIMIT and DRAW_BURST must be positive"))
	}
	if c.SaveRequestInterval < 0 {
		errs = append(errs, errors.New("SAVE_REQUEST_INTERVAL must not be negative"))
	}
	if c.MaxPayloadBytes <= 0 {
		errs = append(errs, errors.New("MAX_PAYLOAD_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

// SetupLogging applies the level and format to the global logrus logger.
func (c *Config) SetupLogging() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
