// Package config loads BreathSync settings.
// Order of precedence: built-in defaults, then the YAML file, then environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up inside the config directory.
const FileName = "config.yaml"

// Config is the full BreathSync configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	DHP      DHPConfig      `yaml:"dhp"`
	App      AppConfig      `yaml:"app"`
	History  HistoryConfig  `yaml:"history"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase"`
}

// DHPConfig configures the remote health data platform.
type DHPConfig struct {
	BaseURL                 string        `yaml:"base_url"`
	AccessToken             string        `yaml:"access_token"`
	Timeout                 time.Duration `yaml:"timeout"`
	RetryCount              int           `yaml:"retry_count"`
	MaxUploadObjects        int           `yaml:"max_upload_objects"`
	DownloadObjectThreshold int           `yaml:"download_object_threshold"`
}

type AppConfig struct {
	Name           string `yaml:"name"`
	Version        string `yaml:"version"`
	Clinical       bool   `yaml:"clinical"`
	StudyHashKey   string `yaml:"study_hash_key"`
	TimeZone       string `yaml:"time_zone"`
	DefaultRole    string `yaml:"default_role"`
	EmailID        string `yaml:"email_id"`
	InstallationID string `yaml:"installation_id"`
}

type HistoryConfig struct {
	DaysInCache int `yaml:"days_in_cache"`
}

type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Stream      string        `yaml:"stream"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "breathsync.db"},
		DHP: DHPConfig{
			BaseURL:                 "https://dhp.example.com",
			Timeout:                 30 * time.Second,
			RetryCount:              3,
			MaxUploadObjects:        100,
			DownloadObjectThreshold: 150,
		},
		App: AppConfig{
			Name:        "BreathSync",
			Version:     "1.0.0",
			DefaultRole: "patient",
		},
		History: HistoryConfig{DaysInCache: 30},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			Stream:      "breathsync:events",
			SnapshotTTL: 24 * time.Hour,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path (if it exists) over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.Path = getEnv("BREATHSYNC_DB_PATH", c.Database.Path)
	c.Database.Passphrase = getEnv("BREATHSYNC_PASSPHRASE", c.Database.Passphrase)
	c.DHP.BaseURL = getEnv("BREATHSYNC_DHP_URL", c.DHP.BaseURL)
	c.DHP.AccessToken = getEnv("BREATHSYNC_DHP_TOKEN", c.DHP.AccessToken)
	c.DHP.MaxUploadObjects = getEnvInt("BREATHSYNC_MAX_UPLOAD_OBJECTS", c.DHP.MaxUploadObjects)
	c.DHP.DownloadObjectThreshold = getEnvInt("BREATHSYNC_DOWNLOAD_THRESHOLD", c.DHP.DownloadObjectThreshold)
	c.History.DaysInCache = getEnvInt("BREATHSYNC_HISTORY_DAYS", c.History.DaysInCache)
	c.Redis.Addr = getEnv("BREATHSYNC_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("BREATHSYNC_REDIS_PASSWORD", c.Redis.Password)
	if v := os.Getenv("BREATHSYNC_REDIS_ENABLED"); v != "" {
		c.Redis.Enabled = v == "true"
	}
	c.Log.Level = getEnv("BREATHSYNC_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("BREATHSYNC_LOG_FORMAT", c.Log.Format)
}

// Validate rejects settings the sync and history layers cannot run with.
func (c *Config) Validate() error {
	if c.History.DaysInCache <= 0 {
		return fmt.Errorf("history.days_in_cache must be positive, got %d", c.History.DaysInCache)
	}
	if c.DHP.MaxUploadObjects <= 0 {
		return fmt.Errorf("dhp.max_upload_objects must be positive, got %d", c.DHP.MaxUploadObjects)
	}
	if c.DHP.DownloadObjectThreshold <= 0 {
		return fmt.Errorf("dhp.download_object_threshold must be positive, got %d", c.DHP.DownloadObjectThreshold)
	}
	if c.App.TimeZone != "" {
		if _, err := time.LoadLocation(c.App.TimeZone); err != nil {
			return fmt.Errorf("invalid app.time_zone %q: %w", c.App.TimeZone, err)
		}
	}
	return nil
}

// Location returns the configured time zone, or time.Local.
func (c *Config) Location() *time.Location {
	if c.App.TimeZone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.App.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}
