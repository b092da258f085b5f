package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/spoold/config"
	"github.com/stretchr/testify/require"
)

// PostgresDSNEnv names the variable holding the DSN of a scratch database.
const PostgresDSNEnv = "SPOOLD_TEST_POSTGRES_DSN"

// TestDatabase is a connection to the scratch PostgreSQL database.
type TestDatabase struct {
	Pool *pgxpool.Pool
	DSN  string
}

// SetupTestDatabase connects to the PostgreSQL database named by
// SPOOLD_TEST_POSTGRES_DSN, or by the [database] section of a
// config-test.toml found in the working directory or any parent. The test
// is skipped when neither is available or in short mode.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		configPath, err := findTestConfig()
		if err != nil {
			t.Skipf("Skipping database integration test: set %s or provide config-test.toml", PostgresDSNEnv)
		}
		var cfg config.Config
		_, err = toml.DecodeFile(configPath, &cfg)
		require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")
		if cfg.Database.Host == "" {
			t.Skip("Skipping database integration test: config-test.toml has no [database] host")
		}
		dsn = cfg.Database.DSN()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "Failed to create pool for test database")
	require.NoError(t, pool.Ping(ctx), "Failed to connect to test database. Please ensure PostgreSQL is running")

	td := &TestDatabase{Pool: pool, DSN: dsn}
	t.Cleanup(td.Close)
	return td
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

func (td *TestDatabase) Close() {
	if td.Pool != nil {
		td.Pool.Close()
		td.Pool = nil
	}
}

// TruncateTables empties the given tables.
func (td *TestDatabase) TruncateTables(t *testing.T, tables ...string) {
	t.Helper()
	for _, table := range tables {
		_, err := td.Pool.Exec(context.Background(), fmt.Sprintf("TRUNCATE TABLE %s", table))
		require.NoError(t, err)
	}
}
