package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oxen-AI/oxen-archive/pkg/storage"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	b, err := storage.Open(ctx, storage.Config{Local: storage.LocalConfig{Root: t.TempDir()}})
	require.NoError(t, err)
	assert.Equal(t, storage.TypeLocal, b.Type())

	b, err = storage.Open(ctx, storage.Config{Backend: "memory"})
	require.NoError(t, err)
	assert.Equal(t, storage.TypeMemory, b.Type())

	_, err = storage.Open(ctx, storage.Config{Backend: "tape"})
	require.ErrorIs(t, err, storage.ErrUnavailable)
}
