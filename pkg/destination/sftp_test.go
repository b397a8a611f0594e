package destination

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getTestConfig reads the SFTP target from the environment and skips the
// test when no server is configured.
func getTestConfig(t *testing.T) SFTPConfig {
	host := os.Getenv("OXEN_TEST_SFTP_HOST")
	if host == "" {
		t.Skip("OXEN_TEST_SFTP_HOST not set")
	}
	port := 22
	if p, err := strconv.Atoi(os.Getenv("OXEN_TEST_SFTP_PORT")); err == nil {
		port = p
	}
	username := os.Getenv("OXEN_TEST_SFTP_USER")
	if username == "" {
		username = "backups"
	}
	keyFile := os.Getenv("OXEN_TEST_SFTP_KEY")
	if keyFile == "" {
		keyFile = "~/.ssh/id_rsa"
	}
	path := os.Getenv("OXEN_TEST_SFTP_PATH")
	if path == "" {
		path = "backups/test/"
	}
	return SFTPConfig{Host: host, Port: port, Username: username, KeyFile: keyFile, Path: path}
}

func TestSFTP_UploadListDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewSFTP(getTestConfig(t))
	require.NoError(t, err)
	defer s.Close()

	src := filepath.Join(t.TempDir(), "test.txt")
	require.NoError(t, os.WriteFile(src, []byte("test"), 0o600))

	require.NoError(t, s.Upload(ctx, src, "oxen-archive-test/test-upload.txt"))
	t.Cleanup(func() { s.Delete(ctx, "oxen-archive-test/test-upload.txt") })

	ok, err := s.Exists(ctx, "oxen-archive-test/test-upload.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	files, err := s.List(ctx, "oxen-archive-test")
	require.NoError(t, err)
	t.Logf("Found %d files", len(files))
	assert.NotEmpty(t, files)
}

func TestSFTP_RemotePath(t *testing.T) {
	s := &SFTP{config: SFTPConfig{Username: "backups", Path: "/volume1/homes/backups/oxen"}}
	assert.Equal(t, "oxen/run/a.txt", s.remotePath("run/a.txt"))

	s = &SFTP{config: SFTPConfig{Path: "./backups"}}
	assert.Equal(t, "backups/run", s.remotePath("run"))

	s = &SFTP{config: SFTPConfig{}}
	assert.Equal(t, ".", s.remotePath(""))
}
