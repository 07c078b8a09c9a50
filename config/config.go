// Package config loads process configuration from the environment.
//
// Variables are prefixed with WAREHOUSE_. A .env file in the working
// directory is loaded first when present; real environment variables win.
// Command-line flags in cmd/server override both.
package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/warp/warehouse-engine/retry"
	"github.com/warp/warehouse-engine/store/postgres"
)

const Prefix = "WAREHOUSE_"

type Config struct {
	ListenAddr  string   `env:"LISTEN_ADDR" envDefault:":8080"`
	DBPath      string   `env:"DB_PATH" envDefault:"./data/warehouse.db"`
	Verbose     bool     `env:"VERBOSE"`
	Workers     int      `env:"WORKERS" envDefault:"4"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	// LateFeeSchedule is a JSON file of late-fee rules. Empty uses the
	// insurance default.
	LateFeeSchedule string `env:"LATE_FEE_SCHEDULE"`
	// Schemas is a JSON file of extra dimension and fact schemas.
	Schemas  string `env:"SCHEMAS"`
	LoadDemo bool   `env:"LOAD_DEMO"`

	MergeRetry retry.Config    `envPrefix:"MERGE_RETRY_"`
	SinkRetry  retry.Config    `envPrefix:"SINK_RETRY_"`
	Postgres   postgres.Config `envPrefix:"PG_"`
}

// Load reads .env files (missing files are ignored) and the environment.
func Load(dotenvFiles ...string) (Config, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.DBPath == "" {
		return errors.New("db path is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if err := c.MergeRetry.Validate(); err != nil {
		return fmt.Errorf("merge retry: %w", err)
	}
	if err := c.SinkRetry.Validate(); err != nil {
		return fmt.Errorf("sink retry: %w", err)
	}
	return nil
}
