package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oxen-AI/oxen-archive/pkg/storage"
	"github.com/Oxen-AI/oxen-archive/pkg/storage/storagetest"
)

func TestMemory_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend { return storage.NewMemory() })
}

func TestMemory_ReadReturnsCopy(t *testing.T) {
	b := storage.NewMemory()
	ctx := context.Background()
	k := storagetest.MustKey(t, "ox", "alpha", "copy")

	payload := []byte("original")
	require.NoError(t, b.Store(ctx, k, payload))
	payload[0] = 'X'

	got, err := b.Read(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))

	got[0] = 'Y'
	again, err := b.Read(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, "original", string(again))
}

func TestMemory_StatReportsHash(t *testing.T) {
	b := storage.NewMemory()
	ctx := context.Background()
	k := storagetest.MustKey(t, "ox", "alpha", "hashed")
	require.NoError(t, b.Store(ctx, k, []byte("content")))

	obj, err := b.Stat(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, storage.HashBytes([]byte("content")), obj.Hash)
	assert.Equal(t, 1, b.Len())
}
