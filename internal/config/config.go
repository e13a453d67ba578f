// Package config loads service settings from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/Shivanand-hulikatti/offer-engine/internal/database"
	"github.com/Shivanand-hulikatti/offer-engine/internal/model"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds the settings of the offer service.
type Config struct {
	Port              string          `env:"PORT" envDefault:"8080"`
	Store             string          `env:"STORE" envDefault:"postgres"`
	MigrationScope    string          `env:"MIGRATION_SCOPE" envDefault:"participant"`
	ReconcileInterval time.Duration   `env:"RECONCILE_INTERVAL" envDefault:"10m"`
	LogLevel          string          `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat         string          `env:"LOG_FORMAT" envDefault:"text"`
	DB                database.Config `envPrefix:"DB_"`
}

// LoadDotEnv copies the variables of a dotenv file into the environment.
// Variables already set win, and a missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown enumerated values.
func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if _, err := model.ParseMigrationScope(c.MigrationScope); err != nil {
		return err
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("reconcile interval must not be negative")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// Scope returns the configured migration scope.
func (c Config) Scope() model.MigrationScope {
	scope, _ := model.ParseMigrationScope(c.MigrationScope)
	return scope
}

// NewLogger builds the process logger writing to stderr.
func (c Config) NewLogger() *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
