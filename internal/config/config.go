// Package config loads syncd's configuration with the teacher's
// precedence chain: defaults, then an optional YAML file, then
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure. Read-only after Load
// returns and safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Buffer   BufferConfig   `yaml:"buffer"`
	Auth     AuthConfig     `yaml:"auth"`
	Storage  StorageConfig  `yaml:"storage"`
	Worker   WorkerConfig   `yaml:"worker"`
	Log      LogConfig      `yaml:"log"`
	Gateways GatewaysConfig `yaml:"gateways"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// BufferConfig mirrors internal/buffer.Config for YAML/env configurability
// of the per-gateway defaults (spec §4.4/§8).
type BufferConfig struct {
	MaxBufferBytes uint64 `yaml:"max_buffer_bytes"`
	MaxBufferAgeMs uint64 `yaml:"max_buffer_age_ms"`
	MaxDriftMs     uint64 `yaml:"max_drift_ms"`
}

// AuthConfig contains bearer-token authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// StorageConfig selects and configures the backing adapters a flush
// pipeline writes into (spec §6).
type StorageConfig struct {
	Backend  string         `yaml:"backend"` // "postgres", "mysql", or "none"
	Postgres PostgresConfig `yaml:"postgres"`
	MySQL    MySQLConfig    `yaml:"mysql"`
	Lake     LakeConfig     `yaml:"lake"`
}

// PostgresConfig configures internal/adapter/postgres.
type PostgresConfig struct {
	DSN    string `yaml:"-"` // env-only, never in YAML
	Schema string `yaml:"schema"`
}

// MySQLConfig configures internal/adapter/mysql.
type MySQLConfig struct {
	DSN           string   `yaml:"-"` // env-only, never in YAML
	MaxRetries    int      `yaml:"max_retries"`
	RetryBaseWait Duration `yaml:"retry_base_wait"`
}

// LakeConfig configures internal/adapter/lake. When Bucket is empty the
// flush pipeline uses lake.NoopAdapter.
type LakeConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	FlushInterval     Duration `yaml:"flush_interval"`
	FlushMaxRetries   uint64   `yaml:"flush_max_retries"`
	FlushRetryBaseMs  Duration `yaml:"flush_retry_base_delay"`
	CompactionEnabled bool     `yaml:"compaction_enabled"`
	SnapshotEnabled   bool     `yaml:"snapshot_enabled"`
	SnapshotInterval  Duration `yaml:"snapshot_interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GatewaysConfig contains multi-gateway settings.
type GatewaysConfig struct {
	RulesPath string `yaml:"rules_path"` // directory of per-gateway sync-rules files
}

// Duration is a wrapper around time.Duration that supports YAML string
// parsing, identical to the teacher's config.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults -> YAML file -> env
// vars, from the path named by SYNCD_CONFIG_PATH (default
// config/syncd.yaml). A missing file is not an error.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("SYNCD_CONFIG_PATH", "config/syncd.yaml")
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, which must
// exist. Used for tests and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Buffer: BufferConfig{
			MaxBufferBytes: 500 * 1024 * 1024,
			MaxBufferAgeMs: 60_000,
			MaxDriftMs:     5_000,
		},
		Storage: StorageConfig{
			Backend: "none",
			Postgres: PostgresConfig{
				Schema: "public",
			},
			MySQL: MySQLConfig{
				MaxRetries:    5,
				RetryBaseWait: Duration(20 * time.Millisecond),
			},
		},
		Worker: WorkerConfig{
			FlushInterval:     Duration(10 * time.Second),
			FlushMaxRetries:   8,
			FlushRetryBaseMs:  Duration(100 * time.Millisecond),
			CompactionEnabled: true,
			SnapshotEnabled:   false,
			SnapshotInterval:  Duration(5 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Gateways: GatewaysConfig{
			RulesPath: "config/rules",
		},
	}
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides. Only
// non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SYNCD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SYNCD_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SYNCD_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}

	if v := os.Getenv("SYNCD_MAX_BUFFER_BYTES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Buffer.MaxBufferBytes = n
		}
	}
	if v := os.Getenv("SYNCD_MAX_DRIFT_MS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Buffer.MaxDriftMs = n
		}
	}

	if v := os.Getenv("SYNCD_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	if v := os.Getenv("SYNCD_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("SYNCD_POSTGRES_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("SYNCD_MYSQL_DSN"); v != "" {
		cfg.Storage.MySQL.DSN = v
	}
	if v := os.Getenv("SYNCD_LAKE_BUCKET"); v != "" {
		cfg.Storage.Lake.Bucket = v
	}
	if v := os.Getenv("SYNCD_LAKE_ACCESS_KEY"); v != "" {
		cfg.Storage.Lake.AccessKey = v
	}
	if v := os.Getenv("SYNCD_LAKE_SECRET_KEY"); v != "" {
		cfg.Storage.Lake.SecretKey = v
	}

	if v := os.Getenv("SYNCD_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.FlushInterval = Duration(d)
		}
	}

	if v := os.Getenv("SYNCD_SNAPSHOT_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Worker.SnapshotEnabled = enabled
		}
	}
	if v := os.Getenv("SYNCD_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.SnapshotInterval = Duration(d)
		}
	}

	if v := os.Getenv("SYNCD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SYNCD_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	if v := os.Getenv("SYNCD_GATEWAYS_RULES_PATH"); v != "" {
		cfg.Gateways.RulesPath = v
	}
}

// validate checks that required configuration values are set. In dev mode
// (SYNCD_DEV_MODE=true) API key validation is skipped, matching the
// teacher's ENGRAM_DEV_MODE bypass.
func (c *Config) validate() error {
	if os.Getenv("SYNCD_DEV_MODE") == "true" {
		return nil
	}

	if c.Auth.APIKey == "" {
		return errors.New("SYNCD_API_KEY is required")
	}
	switch c.Storage.Backend {
	case "none":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return errors.New("SYNCD_POSTGRES_DSN is required when storage.backend is postgres")
		}
	case "mysql":
		if c.Storage.MySQL.DSN == "" {
			return errors.New("SYNCD_MYSQL_DSN is required when storage.backend is mysql")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
