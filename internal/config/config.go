// Package config loads converter settings from defaults, an optional YAML
// file, and STATEMAP_* environment variables. CLI flags are applied on top by
// the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/trace-statemap/internal/schema"
)

var (
	// ErrMissingInput is returned when no input location is configured.
	ErrMissingInput = errors.New("input location required")

	// ErrInvalidFormat is returned for an unknown output format.
	ErrInvalidFormat = errors.New("invalid output format")

	// ErrInvalidWorkers is returned for a negative worker count.
	ErrInvalidWorkers = errors.New("workers must be >= 0")
)

// Output formats.
const (
	FormatStatemap = "statemap"
	FormatParquet  = "parquet"
)

type Config struct {
	Input          string `yaml:"input"`
	Output         string `yaml:"output"`
	Format         string `yaml:"format"`
	Workers        int    `yaml:"workers"` // 0 means one per CPU
	AllowOverwrite bool   `yaml:"allow_overwrite"`
	MetricsFile    string `yaml:"metrics_file"`

	Statemap StatemapConfig `yaml:"statemap"`
	S3       S3Config       `yaml:"s3"`
	Parquet  ParquetConfig  `yaml:"parquet"`
	Log      LogConfig      `yaml:"log"`
}

type StatemapConfig struct {
	Title   string            `yaml:"title"`
	Cluster string            `yaml:"cluster"`
	Colors  map[string]string `yaml:"colors"`
}

type S3Config struct {
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
}

type ParquetConfig struct {
	Compression string `yaml:"compression"`
	BatchSize   int    `yaml:"batch_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Output: "-",
		Format: FormatStatemap,
		Statemap: StatemapConfig{
			Title:   "MinIO",
			Cluster: "minio cluster",
			Colors:  map[string]string{schema.WaitingState: "white"},
		},
		Parquet: ParquetConfig{
			Compression: "zstd",
			BatchSize:   4096,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load layers the YAML file at path (if non-empty) and the environment over
// Default.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}

	if cfg.Statemap.Colors == nil {
		cfg.Statemap.Colors = map[string]string{}
	}
	if _, ok := cfg.Statemap.Colors[schema.WaitingState]; !ok {
		cfg.Statemap.Colors[schema.WaitingState] = "white"
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	cfg.Input = getenvDefault(getenv, "STATEMAP_INPUT", cfg.Input)
	cfg.Output = getenvDefault(getenv, "STATEMAP_OUTPUT", cfg.Output)
	cfg.Format = getenvDefault(getenv, "STATEMAP_FORMAT", cfg.Format)
	cfg.MetricsFile = getenvDefault(getenv, "STATEMAP_METRICS_FILE", cfg.MetricsFile)
	cfg.Statemap.Title = getenvDefault(getenv, "STATEMAP_TITLE", cfg.Statemap.Title)
	cfg.Statemap.Cluster = getenvDefault(getenv, "STATEMAP_CLUSTER", cfg.Statemap.Cluster)
	cfg.S3.Endpoint = getenvDefault(getenv, "STATEMAP_S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.S3.Region = getenvDefault(getenv, "STATEMAP_S3_REGION", cfg.S3.Region)
	cfg.Log.Level = getenvDefault(getenv, "STATEMAP_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenvDefault(getenv, "STATEMAP_LOG_FORMAT", cfg.Log.Format)

	if v := getenv("STATEMAP_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse STATEMAP_WORKERS: %w", err)
		}
		cfg.Workers = n
	}
	if v := getenv("STATEMAP_ALLOW_OVERWRITE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse STATEMAP_ALLOW_OVERWRITE: %w", err)
		}
		cfg.AllowOverwrite = b
	}
	return nil
}

func getenvDefault(getenv func(string) string, key, def string) string {
	if val := getenv(key); val != "" {
		return val
	}
	return def
}

// Validate checks the configuration is runnable.
func (c Config) Validate() error {
	if c.Input == "" {
		return ErrMissingInput
	}
	switch c.Format {
	case FormatStatemap, FormatParquet:
	default:
		return fmt.Errorf("%w: %q (want %s or %s)", ErrInvalidFormat, c.Format, FormatStatemap, FormatParquet)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidWorkers, c.Workers)
	}
	return nil
}
