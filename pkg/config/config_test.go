package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "oxen-archive", cfg.Storage.S3.Bucket)
	assert.Equal(t, 30*time.Second, cfg.Storage.S3.Timeout)
	assert.Equal(t, "s3", cfg.Backup.Type, "backups go to object storage unless configured otherwise")
	assert.Equal(t, "oxen-archive", cfg.Backup.S3.Bucket)
	assert.Equal(t, 7, cfg.Backup.RetainBackups)
	assert.Equal(t, []string{".oxen/workspaces/**"}, cfg.Backup.Exclude)
	assert.Equal(t, 22, cfg.Backup.SFTP.Port)
	assert.Equal(t, "local", cfg.Repository.Namespace)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
storage:
  backend: s3
  s3:
    endpoint: http://localhost:9000
    bucket: custom
    timeout: 5s
backup:
  sync_dir: ~/oxen
  destination: sftp
  retain_backups: 3
  docker:
    container: oxen-server
  sftp:
    host: nas.local
    username: backups
    path: backups/oxen
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, "custom", cfg.Storage.S3.Bucket)
	assert.Equal(t, "http://localhost:9000", cfg.Storage.S3.Endpoint)
	assert.Equal(t, 5*time.Second, cfg.Storage.S3.Timeout)
	assert.Equal(t, "us-east-1", cfg.Storage.S3.Region, "unset keys keep their defaults")

	assert.Equal(t, "sftp", cfg.Backup.Type)
	assert.Equal(t, 3, cfg.Backup.RetainBackups)
	assert.Equal(t, "nas.local", cfg.Backup.SFTP.Host)
	assert.Equal(t, 22, cfg.Backup.SFTP.Port)
	require.NotNil(t, cfg.Backup.Docker)
	assert.Equal(t, "oxen-server", cfg.Backup.Docker.Container)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "oxen"), cfg.Backup.SyncDir)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: tape\n"), 0o600))

	_, err := LoadConfig(path)
	require.ErrorContains(t, err, "unsupported backend")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to read config file")
}
