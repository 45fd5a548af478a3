package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig("")
	require.NoError(t, err)

	assert.Equal(t, "2525", cfg.Server.Port)
	assert.Equal(t, "file", cfg.Catalog.Backend)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, []string{"DEV"}, cfg.Limits.Namespaces)
	assert.Equal(t, 30*time.Second, cfg.Limits.BaseTimeout)
	assert.Equal(t, 200, cfg.Transcode.TargetSizeKB)
	assert.Equal(t, 3, cfg.Transcode.MaxIterations)
	assert.Equal(t, "http://localhost:2525/files", cfg.Server.BaseURL)
}

func TestNewConfig_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".app.env")
	require.NoError(t, os.WriteFile(path, []byte("HTTP_PORT=8080\nNAMESPACES=DEV,PROD\nCATALOG_BACKEND=badger\n"), 0o644))

	t.Setenv("CATALOG_BACKEND", "redis")
	t.Setenv("RATE_LIMIT_WINDOW", "10s")
	t.Setenv("AUTH_TOKENS", "alpha, beta")

	cfg, err := NewConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, []string{"DEV", "PROD"}, cfg.Limits.Namespaces)
	assert.Equal(t, "redis", cfg.Catalog.Backend)
	assert.Equal(t, 10*time.Second, cfg.Limits.RateLimitWindow)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Server.AuthTokens)
}

func TestNewConfig_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "floppy")
	_, err := NewConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floppy")
}

func TestNewConfig_PostgresRequiresUser(t *testing.T) {
	t.Setenv("CATALOG_BACKEND", "postgres")
	_, err := NewConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database configuration is incomplete")
}
