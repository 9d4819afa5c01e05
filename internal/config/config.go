package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Storage backends understood by storage.Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config contains runtime configuration for session-memory.
type Config struct {
	ServerName                 string          `yaml:"server_name"`
	LogLevel                   string          `yaml:"log_level"`
	SessionIDPattern           string          `yaml:"session_id_pattern"`
	AutoFlush                  bool            `yaml:"auto_flush"`
	Storage                    StorageConfig   `yaml:"storage"`
	Promotion                  PromotionConfig `yaml:"promotion"`
	MaintenanceIntervalSeconds int             `yaml:"maintenance_interval_seconds"`
	MetricsAddr                string          `yaml:"metrics_addr"`
	RecentLimit                int             `yaml:"recent_limit"`
}

// StorageConfig selects and configures the snapshot backend.
type StorageConfig struct {
	Backend       string `yaml:"backend"`
	Dir           string `yaml:"dir"`
	DBPath        string `yaml:"db_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// PromotionConfig is the size-triggered short-to-long promotion policy.
type PromotionConfig struct {
	MinShortTerm int    `yaml:"min_short_term"`
	PromoteLastN int    `yaml:"promote_last_n"`
	Reason       string `yaml:"reason"`
}

// Default returns a Config populated with safe defaults.
func Default() Config {
	base := filepath.Join(userHomeDir(), ".session-memory")
	return Config{
		ServerName:       "session-memory",
		LogLevel:         "info",
		SessionIDPattern: `^[a-zA-Z0-9_.:-]{1,128}$`,
		AutoFlush:        true,
		Storage: StorageConfig{
			Backend:     BackendFile,
			Dir:         filepath.Join(base, "sessions"),
			DBPath:      filepath.Join(base, "sessions.db"),
			RedisAddr:   "localhost:6379",
			RedisPrefix: "session-memory:",
		},
		Promotion: PromotionConfig{
			MinShortTerm: 20,
			PromoteLastN: 5,
			Reason:       "auto_promote",
		},
		MaintenanceIntervalSeconds: 60,
		RecentLimit:                10,
	}
}

// Load loads config from disk; if path does not exist, default config is returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks configuration sanity.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.New("server_name must not be empty")
	}
	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.Dir == "" {
			return errors.New("storage.dir must not be empty")
		}
	case BackendSQLite:
		if c.Storage.DBPath == "" {
			return errors.New("storage.db_path must not be empty")
		}
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr must not be empty")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Promotion.MinShortTerm < 0 {
		return errors.New("promotion.min_short_term must be >= 0")
	}
	if c.Promotion.PromoteLastN < 0 {
		return errors.New("promotion.promote_last_n must be >= 0")
	}
	if c.MaintenanceIntervalSeconds < 0 {
		return errors.New("maintenance_interval_seconds must be >= 0")
	}
	if c.RecentLimit < 0 {
		return errors.New("recent_limit must be >= 0")
	}
	if _, err := regexp.Compile(c.SessionIDPattern); err != nil {
		return fmt.Errorf("invalid session_id_pattern: %w", err)
	}
	return nil
}

// EnsurePaths expands "~" in storage paths and creates the directories the
// selected backend writes into.
func (c *Config) EnsurePaths() error {
	c.Storage.Dir = ExpandPath(c.Storage.Dir)
	c.Storage.DBPath = ExpandPath(c.Storage.DBPath)

	var dir string
	switch c.Storage.Backend {
	case BackendFile:
		dir = c.Storage.Dir
	case BackendSQLite:
		dir = filepath.Dir(c.Storage.DBPath)
	default:
		return nil
	}
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	return nil
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
