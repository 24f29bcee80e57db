// Package config loads the editor's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type DatabaseConfig struct {
	Path     string `yaml:"path" validate:"required"`
	PoolSize int    `yaml:"pool_size" validate:"gte=2"`
}

type JobsConfig struct {
	Workers int `yaml:"workers" validate:"gt=0"`
	Backlog int `yaml:"backlog" validate:"gte=0"`
}

// ValidatorConfig describes the external validator. Args may contain the placeholders {input}
// (the feed zip) and {output} (the report directory).
type ValidatorConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args" validate:"required_with=Command"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server" validate:"required"`
	Database  DatabaseConfig  `yaml:"database" validate:"required"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Validator ValidatorConfig `yaml:"validator"`
	LogLevel  string          `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Default is the configuration used for anything a file leaves out.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{Path: "gtfseditor.db", PoolSize: 8},
		Jobs:     JobsConfig{Workers: 2, Backlog: 64},
		Validator: ValidatorConfig{
			Timeout: 10 * time.Minute,
		},
		LogLevel: "info",
	}
}

// Env variables that override the file.
const (
	EnvAddr             = "GTFSEDITOR_ADDR"
	EnvDatabasePath     = "GTFSEDITOR_DB"
	EnvWorkers          = "GTFSEDITOR_WORKERS"
	EnvValidatorCommand = "GTFSEDITOR_VALIDATOR"
	EnvLogLevel         = "GTFSEDITOR_LOG_LEVEL"
)

// Load reads the YAML file at path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvAddr); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(EnvDatabasePath); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWorkers, err)
		}
		c.Jobs.Workers = n
	}
	if v := os.Getenv(EnvValidatorCommand); v != "" {
		c.Validator.Command = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Level is the configured slog level.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// ValidationErrors unwraps the field errors of a failed Load, if that is why it failed.
func ValidationErrors(err error) validator.ValidationErrors {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		return fieldErrs
	}
	return nil
}
