package storage_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oxen-AI/oxen-archive/pkg/storage"
)

func TestNewKey_Validation(t *testing.T) {
	tests := []struct {
		name    string
		ns      string
		repo    string
		id      string
		wantErr bool
	}{
		{"valid", "ox", "datasets", "abc123", false},
		{"empty namespace", "", "datasets", "abc123", true},
		{"empty repo", "ox", "", "abc123", true},
		{"separator in repo", "ox", "a/b", "abc123", true},
		{"dot dot namespace", "..", "datasets", "abc123", true},
		{"hidden repo", "ox", ".oxen", "abc123", true},
		{"short id", "ox", "datasets", "ab", true},
		{"uppercase id", "ox", "datasets", "ABC123", true},
		{"non hex id", "ox", "datasets", "xyz123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := storage.NewKey(tt.ns, tt.repo, tt.id)
			if tt.wantErr {
				require.ErrorIs(t, err, storage.ErrInvalidKey)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestKey_StringAndChunk(t *testing.T) {
	k, err := storage.NewKey("ox", "datasets", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "ox/datasets/abc123", k.String())

	c := k.WithChunk(4)
	assert.Equal(t, "ox/datasets/abc123#4", c.String())
	assert.Nil(t, k.Chunk, "WithChunk must not modify the receiver")
	assert.False(t, k.Equal(c))
	assert.True(t, c.Equal(k.WithChunk(4)))
}

func TestPrefix_Validate(t *testing.T) {
	assert.NoError(t, storage.Prefix{}.Validate())
	assert.NoError(t, storage.Prefix{Namespace: "ox", Repository: "datasets", ObjectID: "a"}.Validate())
	assert.ErrorIs(t, storage.Prefix{Repository: "datasets"}.Validate(), storage.ErrInvalidKey)
	assert.ErrorIs(t, storage.Prefix{Namespace: "ox", ObjectID: "ab"}.Validate(), storage.ErrInvalidKey)
}

func TestKindOf(t *testing.T) {
	assert.Nil(t, storage.KindOf(nil))
	assert.Equal(t, storage.ErrIO, storage.KindOf(errors.New("plain")))
	assert.Equal(t, storage.ErrTransient, storage.KindOf(fmt.Errorf("wrapped: %w", storage.ErrTransient)))

	err := &storage.Error{Backend: "s3", Op: "read", Key: "ox/datasets/abc", Kind: storage.ErrPermissionDenied, Err: errors.New("403")}
	assert.Equal(t, storage.ErrPermissionDenied, storage.KindOf(fmt.Errorf("outer: %w", err)))
	assert.Contains(t, err.Error(), "read ox/datasets/abc (s3)")
	assert.True(t, storage.IsRetryable(&storage.Error{Kind: storage.ErrTransient}))
}
