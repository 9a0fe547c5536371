package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Downloads.DownloadWorkers)
	assert.Equal(t, 1, cfg.Downloads.FileWorkers)
	assert.Equal(t, 0, cfg.Downloads.ChunkRetry.MaxAttempts)
	assert.Equal(t, 3, cfg.Downloads.BlobRetry.MaxAttempts)
	assert.Equal(t, 64*1024, cfg.Downloads.IncrementBytes)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9999
storage:
  vault_dirs:
    - /vault/a
    - /vault/b
downloads:
  download_workers: 8
  chunk_retry:
    max_attempts: 2
    initial_delay: 500ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, []string{"/vault/a", "/vault/b"}, cfg.Storage.VaultDirs)
	assert.Equal(t, "/vault/a", cfg.Storage.DefaultVault())
	assert.Equal(t, 8, cfg.Downloads.DownloadWorkers)
	assert.Equal(t, 2, cfg.Downloads.ChunkRetry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Downloads.ChunkRetry.InitialDelay)
	assert.Equal(t, 3, cfg.Downloads.BlobRetry.MaxAttempts)
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 1000\n"), 0o644))

	t.Setenv("VAULTFETCH_SERVER_PORT", "2000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2000, cfg.Server.Port)
}

func TestDefaultVault_Empty(t *testing.T) {
	s := StorageConfig{}
	assert.Equal(t, "", s.DefaultVault())
}

func TestServerAddress(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 8686}
	assert.Equal(t, "127.0.0.1:8686", s.Address())
}
