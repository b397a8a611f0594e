package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oxen-AI/oxen-archive/pkg/storage"
	"github.com/Oxen-AI/oxen-archive/pkg/storage/storagetest"
)

func newLocal(t *testing.T) *storage.Local {
	t.Helper()
	b, err := storage.NewLocal(storage.LocalConfig{Root: t.TempDir()})
	require.NoError(t, err)
	return b
}

func TestLocal_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend { return newLocal(t) })
}

func TestLocal_ShardedLayout(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()
	k, err := storage.NewKey("ox", "datasets", "abcdef0123")
	require.NoError(t, err)

	require.NoError(t, b.Store(ctx, k, []byte("whole")))
	require.NoError(t, b.Store(ctx, k.WithChunk(3), []byte("part")))

	dir := filepath.Join(b.Root(), "ox", "datasets", ".oxen", "versions", "files", "ab", "cdef0123")
	data, err := os.ReadFile(filepath.Join(dir, "data"))
	require.NoError(t, err)
	assert.Equal(t, "whole", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "chunk_3"))
	require.NoError(t, err)
	assert.Equal(t, "part", string(data))
}

func TestLocal_DeleteKeepsShardDirectories(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()
	k, err := storage.NewKey("ox", "datasets", "abcdef")
	require.NoError(t, err)

	require.NoError(t, b.Store(ctx, k, []byte("whole")))
	require.NoError(t, b.Delete(ctx, k))
	assert.DirExists(t, filepath.Join(b.VersionsDir("ox", "datasets"), "ab", "cdef"))
	assert.Empty(t, storagetest.Collect(t, b, storage.Prefix{Namespace: "ox", Repository: "datasets"}))

	// Stores and deletes racing inside one shard never fail the stores.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, b.Store(ctx, k.WithChunk(n), []byte("part")))
		}(i)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, b.Delete(ctx, k.WithChunk(n+100)))
		}(i)
	}
	wg.Wait()
	assert.Len(t, storagetest.Collect(t, b, storage.Prefix{Namespace: "ox", Repository: "datasets"}), 8)
}

func TestLocal_NoTempFilesLeftBehind(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()
	k, err := storage.NewKey("ox", "datasets", "abcdef")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Store(ctx, k, []byte(strings.Repeat("x", i))))
	}

	entries, err := os.ReadDir(filepath.Join(b.VersionsDir("ox", "datasets"), "ab", "cdef"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "data", entries[0].Name())
}

func TestLocal_ListSkipsForeignFiles(t *testing.T) {
	b := newLocal(t)
	ctx := context.Background()
	k, err := storage.NewKey("ox", "datasets", "abcdef")
	require.NoError(t, err)
	require.NoError(t, b.Store(ctx, k, []byte("x")))

	dir := filepath.Join(b.VersionsDir("ox", "datasets"), "ab", "cdef")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-123"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("?"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(b.VersionsDir("ox", "datasets"), "zz", "nothex"), 0o755))

	keys := storagetest.Collect(t, b, storage.Prefix{})
	require.Len(t, keys, 1)
	assert.True(t, keys[0].Equal(k))
}

func TestLocal_PermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	b := newLocal(t)
	ctx := context.Background()
	k, err := storage.NewKey("ox", "locked", "abcdef")
	require.NoError(t, err)
	require.NoError(t, b.Store(ctx, k, []byte("x")))

	repoDir := filepath.Join(b.Root(), "ox", "locked")
	require.NoError(t, os.Chmod(repoDir, 0o000))
	t.Cleanup(func() { os.Chmod(repoDir, 0o755) })

	_, err = b.Read(ctx, k)
	require.ErrorIs(t, err, storage.ErrPermissionDenied)
}

func TestNewLocal_RequiresRoot(t *testing.T) {
	_, err := storage.NewLocal(storage.LocalConfig{})
	require.ErrorIs(t, err, storage.ErrUnavailable)
}
