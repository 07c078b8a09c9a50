package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/warehouse-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, 3, cfg.MergeRetry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.MergeRetry.BaseBackoff)
	assert.True(t, cfg.Postgres.RunMigrations)
	assert.Empty(t, cfg.Postgres.URL)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	// GIVEN: prefixed variables, including nested retry settings
	t.Setenv("WAREHOUSE_WORKERS", "8")
	t.Setenv("WAREHOUSE_MERGE_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("WAREHOUSE_PG_URL", "postgres://u:p@localhost:5432/dw")

	// WHEN
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 5, cfg.MergeRetry.MaxAttempts)
	assert.Equal(t, "postgres://u:p@localhost:5432/dw", cfg.Postgres.URL)
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("WAREHOUSE_DB_PATH=/tmp/dotenv.db\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("WAREHOUSE_DB_PATH") })

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/dotenv.db", cfg.DBPath)
}

func TestLoad_InvalidWorkers(t *testing.T) {
	t.Setenv("WAREHOUSE_WORKERS", "0")

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
