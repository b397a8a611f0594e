package storage_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oxen-AI/oxen-archive/pkg/storage"
	"github.com/Oxen-AI/oxen-archive/pkg/storage/storagetest"
)

func newFakeS3(t *testing.T) (*storage.S3, *storagetest.FakeS3) {
	t.Helper()
	return newFakeS3WithConfig(t, storage.S3Config{Bucket: "test", Prefix: "archive"})
}

// newFakeS3WithConfig runs the SDK uploader against the fake bucket.
func newFakeS3WithConfig(t *testing.T, cfg storage.S3Config) (*storage.S3, *storagetest.FakeS3) {
	t.Helper()
	fake := storagetest.NewFakeS3()
	b := storage.NewS3WithClient(cfg, fake, storage.NewS3Uploader(fake, cfg))
	return b, fake
}

func TestS3_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		b, _ := newFakeS3(t)
		return b
	})
}

func TestS3_ObjectLayout(t *testing.T) {
	b, fake := newFakeS3(t)
	ctx := context.Background()
	k, err := storage.NewKey("ox", "datasets", "abcdef")
	require.NoError(t, err)

	require.NoError(t, b.Store(ctx, k, []byte("whole")))
	require.NoError(t, b.Store(ctx, k.WithChunk(2), []byte("part")))

	assert.Equal(t, []string{
		"archive/ox/datasets/versions/ab/cdef/chunk_2",
		"archive/ox/datasets/versions/ab/cdef/data",
	}, fake.Keys())
}

func TestS3_RetriesTransientFailures(t *testing.T) {
	b, fake := newFakeS3(t)
	ctx := context.Background()
	k := storagetest.MustKey(t, "ox", "datasets", "flaky")
	require.NoError(t, b.Store(ctx, k, []byte("payload")))

	fake.FailNext(storagetest.OpGet, 2, storagetest.SlowDown())
	got, err := b.Read(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	assert.Equal(t, 3, fake.Calls(storagetest.OpGet))
}

func TestS3_GivesUpAfterThreeAttempts(t *testing.T) {
	b, fake := newFakeS3(t)
	ctx := context.Background()
	k := storagetest.MustKey(t, "ox", "datasets", "down")

	fake.FailNext(storagetest.OpPut, 10, storagetest.SlowDown())
	err := b.Store(ctx, k, []byte("payload"))
	require.ErrorIs(t, err, storage.ErrTransient)
	assert.Equal(t, 3, fake.Calls(storagetest.OpPut))
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestS3_VerificationFailureIsNotRetried(t *testing.T) {
	b, fake := newFakeS3(t)
	ctx := context.Background()
	k := storagetest.MustKey(t, "ox", "datasets", "vanishing")

	fake.DropUploads(true)
	err := b.Store(ctx, k, []byte("payload"))
	require.ErrorIs(t, err, storage.ErrVerification)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, storage.ErrVerification, storage.KindOf(err))
	assert.Equal(t, 1, fake.Calls(storagetest.OpPut))
	assert.Equal(t, 1, fake.Calls(storagetest.OpHead))
}

func TestS3_ErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"access denied", storagetest.AccessDenied(), storage.ErrPermissionDenied},
		{"missing bucket", storagetest.NoSuchBucket(), storage.ErrUnavailable},
		{"unknown", fmt.Errorf("something odd"), storage.ErrIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, fake := newFakeS3(t)
			fake.FailNext(storagetest.OpPut, 1, tt.err)

			err := b.Store(context.Background(), storagetest.MustKey(t, "ox", "datasets", "x"), []byte("x"))
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, 1, fake.Calls(storagetest.OpPut), "non-transient errors are not retried")
		})
	}
}

func TestS3_ShortReadIsRetried(t *testing.T) {
	b, fake := newFakeS3(t)
	ctx := context.Background()
	k := storagetest.MustKey(t, "ox", "datasets", "short")
	require.NoError(t, b.Store(ctx, k, []byte("complete payload")))

	fake.ShortReads(1)
	got, err := b.Read(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, "complete payload", string(got))
	assert.Equal(t, 2, fake.Calls(storagetest.OpGet))
}

func TestS3_ListAcrossPages(t *testing.T) {
	b, fake := newFakeS3(t)
	fake.PageSize = 2
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Store(ctx, storagetest.MustKey(t, "ox", "datasets", fmt.Sprintf("obj-%d", i)), []byte("x")))
	}

	keys := storagetest.Collect(t, b, storage.Prefix{Namespace: "ox", Repository: "datasets"})
	assert.Len(t, keys, 5)
	assert.Equal(t, 3, fake.Calls(storagetest.OpList))
}

func TestS3_ListFailureStopsIteration(t *testing.T) {
	b, fake := newFakeS3(t)
	fake.FailNext(storagetest.OpList, 1, storagetest.AccessDenied())

	var errs []error
	for _, err := range b.List(context.Background(), storage.Prefix{}) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], storage.ErrPermissionDenied)
}

func TestS3Config_MultipartThreshold(t *testing.T) {
	fake := storagetest.NewFakeS3()

	b := storage.NewS3WithClient(storage.S3Config{}, fake, storage.NewS3Uploader(fake, storage.S3Config{}))
	assert.Equal(t, storage.DefaultMultipartThreshold, b.Config().MultipartThreshold)
	assert.Equal(t, storage.DefaultBucket, b.Config().Bucket)

	b = storage.NewS3WithClient(storage.S3Config{MultipartThreshold: 1024}, fake, storage.NewS3Uploader(fake, storage.S3Config{}))
	assert.Equal(t, int64(manager.MinUploadPartSize), b.Config().MultipartThreshold)
}

func TestS3_MultipartUpload(t *testing.T) {
	b, fake := newFakeS3WithConfig(t, storage.S3Config{Bucket: "test", MultipartThreshold: manager.MinUploadPartSize})
	ctx := context.Background()
	k := storagetest.MustKey(t, "ox", "datasets", "large")

	payload := make([]byte, 11<<20)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, b.Store(ctx, k, payload))

	assert.Equal(t, 1, fake.Calls(storagetest.OpCreate))
	assert.GreaterOrEqual(t, fake.Calls(storagetest.OpPart), 3)
	assert.Equal(t, 1, fake.Calls(storagetest.OpComplete))
	assert.Zero(t, fake.Calls(storagetest.OpPut))
	assert.Zero(t, fake.PendingUploads())

	got, err := b.Read(ctx, k)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "multipart payload differs after read")

	small := storagetest.MustKey(t, "ox", "datasets", "small")
	require.NoError(t, b.Store(ctx, small, []byte("below the threshold")))
	assert.Equal(t, 1, fake.Calls(storagetest.OpPut))
	assert.Equal(t, 1, fake.Calls(storagetest.OpCreate))
}

func TestS3_FailedMultipartUploadIsAborted(t *testing.T) {
	b, fake := newFakeS3WithConfig(t, storage.S3Config{Bucket: "test", MultipartThreshold: manager.MinUploadPartSize})
	ctx := context.Background()
	k := storagetest.MustKey(t, "ox", "datasets", "denied")

	fake.FailNext(storagetest.OpPart, 1, storagetest.AccessDenied())
	err := b.Store(ctx, k, make([]byte, 11<<20))
	require.Error(t, err)
	assert.NotEqual(t, storage.ErrTransient, storage.KindOf(err))

	assert.Equal(t, 1, fake.Calls(storagetest.OpAbort))
	assert.Zero(t, fake.Calls(storagetest.OpComplete))
	assert.Zero(t, fake.PendingUploads())
	assert.Empty(t, fake.Keys())

	ok, err := b.Exists(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)
}
