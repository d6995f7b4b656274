package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemaforge/server/internal/migrations"
	"github.com/schemaforge/server/pkg/logger/mocklogger"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"SERVER_MODE", "PORT", "SERVER_SOCKET_PATH", "DB_PATH",
		"DATA_DIR", "SCHEMA_DIR", "POLICY_PATH", "TOKEN_SECRET",
	} {
		t.Setenv(key, "")
	}

	cfg := ConfigFromEnv()
	assert.Equal(t, "tcp", cfg.Mode)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "data/schemaforge.db", cfg.DBPath)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Empty(t, cfg.SchemaDir)
	assert.Empty(t, cfg.PolicyPath)
	assert.Empty(t, cfg.TokenSecret)
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_MODE", "uds")
	t.Setenv("SERVER_SOCKET_PATH", "/tmp/custom.socket")
	t.Setenv("DB_PATH", "/var/lib/registry.db")
	t.Setenv("TOKEN_SECRET", "hunter2")

	cfg := ConfigFromEnv()
	assert.Equal(t, "uds", cfg.Mode)
	assert.Equal(t, "/tmp/custom.socket", cfg.SocketPath)
	assert.Equal(t, "/var/lib/registry.db", cfg.DBPath)
	assert.Equal(t, "hunter2", cfg.TokenSecret)
}

func TestOpenDatabaseCreatesAndMigrates(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry", "test.db")

	db, err := openDatabase(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, migrations.Run(ctx, db, migrations.Config{
		DatabasePath: path,
		DataDir:      t.TempDir(),
		Logger:       mocklogger.NewMockLogger(),
	}))

	_, err = os.Stat(path)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM baseline`).Scan(&count))
	assert.Equal(t, 1, count)
}
