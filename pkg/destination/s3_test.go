package destination

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oxen-AI/oxen-archive/pkg/storage"
	"github.com/Oxen-AI/oxen-archive/pkg/storage/storagetest"
)

func newTestS3() (*S3, *storagetest.FakeS3) {
	fake := storagetest.NewFakeS3()
	cfg := storage.S3Config{Bucket: "backups", Prefix: "nightly"}
	return NewS3WithClient(cfg, fake, storage.NewS3Uploader(fake, cfg)), fake
}

func TestS3_UploadDownload(t *testing.T) {
	ctx := context.Background()
	dest, fake := newTestS3()

	src := writeTemp(t, "marker")
	require.NoError(t, dest.Upload(ctx, src, "run-1/ox/datasets/.oxen/config.toml"))
	assert.Equal(t, []string{"nightly/run-1/ox/datasets/.oxen/config.toml"}, fake.Keys())

	ok, err := dest.Exists(ctx, "run-1/ox/datasets/.oxen/config.toml")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = dest.Exists(ctx, "run-1/ox/other/.oxen/config.toml")
	require.NoError(t, err)
	assert.False(t, ok)

	out := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, dest.Download(ctx, "run-1/ox/datasets/.oxen/config.toml", out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "marker", string(data))

	err = dest.Download(ctx, "run-1/missing", out)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestS3_UploadRetriesFromStart(t *testing.T) {
	ctx := context.Background()
	dest, fake := newTestS3()

	fake.FailNext(storagetest.OpPut, 1, storagetest.SlowDown())
	require.NoError(t, dest.Upload(ctx, writeTemp(t, "full body"), "a.txt"))
	assert.Equal(t, 2, fake.Calls(storagetest.OpPut))

	data, ok := fake.Object("nightly/a.txt")
	require.True(t, ok)
	assert.Equal(t, "full body", string(data))
}

func TestS3_ListStripsPrefix(t *testing.T) {
	ctx := context.Background()
	dest, _ := newTestS3()
	src := writeTemp(t, "x")
	for _, p := range []string{"run-1/a", "run-1/b/c", "run-10/d"} {
		require.NoError(t, dest.Upload(ctx, src, p))
	}

	files, err := dest.List(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "run-1/a", files[0].Path)
	assert.Equal(t, "run-1/b/c", files[1].Path)

	require.NoError(t, dest.Delete(ctx, "run-1/a"))
	files, err = dest.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestS3_PermissionDeniedSurfaces(t *testing.T) {
	dest, fake := newTestS3()
	fake.FailNext(storagetest.OpHead, 1, storagetest.AccessDenied())

	_, err := dest.Exists(context.Background(), "a.txt")
	require.ErrorIs(t, err, storage.ErrPermissionDenied)
}
