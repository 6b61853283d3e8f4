// Package config loads pipeweaver runtime settings.
//
// Settings come from an optional YAML file merged with environment variables
// (prefix PIPEWEAVER__, "__" separates nesting levels, e.g.
// PIPEWEAVER__CACHE__BACKEND=file). A .env file next to the YAML file is
// loaded into the environment first; variables already set win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	SupportedSchema = "v1"
	EnvPrefix       = "PIPEWEAVER__"
)

// Cache backends.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendLRU      = "lru"
	BackendFile     = "file"
	BackendObject   = "object"
	BackendPostgres = "postgres"
)

type ObjectCfg struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	UseSSL    bool   `koanf:"use_ssl"`
	Bucket    string `koanf:"bucket"`
	Region    string `koanf:"region"`
	Prefix    string `koanf:"prefix"`
}

type CacheCfg struct {
	Backend  string    `koanf:"backend"`
	LRUSize  int       `koanf:"lru_size"`
	Dir      string    `koanf:"dir"`
	Object   ObjectCfg `koanf:"object"`
	Postgres struct {
		DSN string `koanf:"dsn"`
	} `koanf:"postgres"`
}

type KafkaCfg struct {
	Enabled      bool          `koanf:"enabled"`
	Brokers      []string      `koanf:"brokers"`
	Topic        string        `koanf:"topic"`
	Buffer       int           `koanf:"buffer"`
	BatchSize    int           `koanf:"batch_size"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type MetricsCfg struct {
	// Addr is the listen address for /metrics. Empty disables the server.
	Addr string `koanf:"addr"`
}

type LogCfg struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

type Config struct {
	SchemaVersion string     `koanf:"schema_version"`
	Cache         CacheCfg   `koanf:"cache"`
	Kafka         KafkaCfg   `koanf:"kafka"`
	Metrics       MetricsCfg `koanf:"metrics"`
	Log           LogCfg     `koanf:"log"`
	// RunDir is the base directory of the run store.
	RunDir string `koanf:"run_dir"`
}

// Load merges the YAML file at path (optional; a missing file is not an
// error) with the environment, then applies defaults and validates.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := godotenv.Load(filepath.Join(filepath.Dir(path), ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: .env: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("config: env: %w", err)
	}
	// Checked after the env layer so PIPEWEAVER__SCHEMA_VERSION is covered.
	if sv := k.String("schema_version"); sv != "" && sv != SupportedSchema {
		return Config{}, fmt.Errorf("config schema_version %q not supported (want %s)", sv, SupportedSchema)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// envKey maps PIPEWEAVER__CACHE__LRU_SIZE to cache.lru_size.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	var c Config
	applyDefaults(&c)
	return c
}

func applyDefaults(c *Config) {
	if c.SchemaVersion == "" {
		c.SchemaVersion = SupportedSchema
	}
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	if c.Cache.Backend == "" {
		c.Cache.Backend = BackendMemory
	}
	if c.Cache.LRUSize == 0 {
		c.Cache.LRUSize = 4096
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(".pipeweaver", "cache")
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "pipeweaver.trace"
	}
	if c.Kafka.Buffer == 0 {
		c.Kafka.Buffer = 1024
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 100
	}
	if c.Kafka.WriteTimeout == 0 {
		c.Kafka.WriteTimeout = 5 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.RunDir == "" {
		if wd, err := os.Getwd(); err == nil {
			c.RunDir = wd
		} else {
			c.RunDir = "."
		}
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.SchemaVersion != SupportedSchema {
		errs = append(errs, fmt.Errorf("schema_version %q not supported (want %s)", c.SchemaVersion, SupportedSchema))
	}
	switch c.Cache.Backend {
	case BackendNone, BackendMemory, BackendFile:
	case BackendLRU:
		if c.Cache.LRUSize < 1 {
			errs = append(errs, errors.New("cache.lru_size must be >= 1"))
		}
	case BackendObject:
		if c.Cache.Object.Endpoint == "" || c.Cache.Object.Bucket == "" {
			errs = append(errs, errors.New("cache.object.endpoint and cache.object.bucket are required"))
		}
	case BackendPostgres:
		if c.Cache.Postgres.DSN == "" {
			errs = append(errs, errors.New("cache.postgres.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q not supported", c.Cache.Backend))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if c.Kafka.Buffer < 1 || c.Kafka.BatchSize < 1 {
		errs = append(errs, errors.New("kafka.buffer and kafka.batch_size must be >= 1"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
