// Package storagetest holds the behavioral suite every storage backend must
// pass, plus an in-memory S3 fake for exercising the object-storage backend.
package storagetest

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oxen-AI/oxen-archive/pkg/storage"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) storage.Backend

// ID derives a valid object id from a name.
func ID(name string) string {
	return storage.HashBytes([]byte(name))
}

// MustKey builds a key from a human-readable object name.
func MustKey(t *testing.T, ns, repo, name string) storage.Key {
	t.Helper()
	k, err := storage.NewKey(ns, repo, ID(name))
	require.NoError(t, err)
	return k
}

// Collect drains a listing, failing the test on any error.
func Collect(t *testing.T, b storage.Backend, p storage.Prefix) []storage.Key {
	t.Helper()
	var keys []storage.Key
	for k, err := range b.List(context.Background(), p) {
		require.NoError(t, err)
		keys = append(keys, k)
	}
	return keys
}

func keyStrings(keys []storage.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

// Run executes the conformance suite against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	ctx := context.Background()

	open := func(t *testing.T) storage.Backend {
		b := newBackend(t)
		t.Cleanup(func() { b.Close() })
		return b
	}

	t.Run("StoreThenRead", func(t *testing.T) {
		b := open(t)
		k := MustKey(t, "ox", "datasets", "hello")
		require.NoError(t, b.Store(ctx, k, []byte("hello world")))

		got, err := b.Read(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello world"), got)
	})

	t.Run("ReadMissing", func(t *testing.T) {
		b := open(t)
		_, err := b.Read(ctx, MustKey(t, "ox", "datasets", "missing"))
		require.ErrorIs(t, err, storage.ErrNotFound)
		assert.Equal(t, storage.ErrNotFound, storage.KindOf(err))
	})

	t.Run("DeleteThenRead", func(t *testing.T) {
		b := open(t)
		k := MustKey(t, "ox", "datasets", "doomed")
		require.NoError(t, b.Store(ctx, k, []byte("bye")))
		require.NoError(t, b.Delete(ctx, k))

		_, err := b.Read(ctx, k)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		b := open(t)
		never := MustKey(t, "ox", "datasets", "never-written")
		require.NoError(t, b.Delete(ctx, never))
		require.NoError(t, b.Delete(ctx, never))

		_, err := b.Read(ctx, never)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("OverwriteLastWriteWins", func(t *testing.T) {
		b := open(t)
		k := MustKey(t, "ox", "datasets", "mutable")
		require.NoError(t, b.Store(ctx, k, []byte("first version, longer payload")))
		require.NoError(t, b.Store(ctx, k, []byte("second")))

		got, err := b.Read(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), got)
	})

	t.Run("Exists", func(t *testing.T) {
		b := open(t)
		k := MustKey(t, "ox", "datasets", "present")

		ok, err := b.Exists(ctx, k)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, b.Store(ctx, k, []byte("x")))
		ok, err = b.Exists(ctx, k)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Stat", func(t *testing.T) {
		b := open(t)
		k := MustKey(t, "ox", "datasets", "sized")
		require.NoError(t, b.Store(ctx, k, []byte("12345")))

		obj, err := b.Stat(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, int64(5), obj.Size)
		assert.True(t, obj.Key.Equal(k))

		_, err = b.Stat(ctx, MustKey(t, "ox", "datasets", "unsized"))
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("EmptyPayload", func(t *testing.T) {
		b := open(t)
		k := MustKey(t, "ox", "datasets", "empty")
		require.NoError(t, b.Store(ctx, k, nil))

		got, err := b.Read(ctx, k)
		require.NoError(t, err)
		assert.Empty(t, got)
		ok, err := b.Exists(ctx, k)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("LargePayload", func(t *testing.T) {
		b := open(t)
		k := MustKey(t, "ox", "datasets", "large")
		data := bytes.Repeat([]byte("0123456789abcdef"), 1<<16)
		data = append(data, 'z')
		require.NoError(t, b.Store(ctx, k, data))

		got, err := b.Read(ctx, k)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got))
	})

	t.Run("ChunksAreDistinct", func(t *testing.T) {
		b := open(t)
		whole := MustKey(t, "ox", "datasets", "chunked")
		require.NoError(t, b.Store(ctx, whole, []byte("whole")))
		for i := 0; i < 3; i++ {
			require.NoError(t, b.Store(ctx, whole.WithChunk(i), []byte(fmt.Sprintf("chunk-%d", i))))
		}

		got, err := b.Read(ctx, whole)
		require.NoError(t, err)
		assert.Equal(t, []byte("whole"), got)
		for i := 0; i < 3; i++ {
			got, err := b.Read(ctx, whole.WithChunk(i))
			require.NoError(t, err)
			assert.Equal(t, []byte(fmt.Sprintf("chunk-%d", i)), got)
		}

		require.NoError(t, b.Delete(ctx, whole.WithChunk(1)))
		_, err = b.Read(ctx, whole.WithChunk(1))
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = b.Read(ctx, whole.WithChunk(2))
		require.NoError(t, err)
	})

	t.Run("RepositoryIsolation", func(t *testing.T) {
		b := open(t)
		a := MustKey(t, "ox", "alpha", "shared")
		c := MustKey(t, "ox", "beta", "shared")
		require.NoError(t, b.Store(ctx, a, []byte("alpha")))
		require.NoError(t, b.Store(ctx, c, []byte("beta")))

		got, err := b.Read(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, []byte("alpha"), got)

		require.NoError(t, b.Delete(ctx, c))
		got, err = b.Read(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, []byte("alpha"), got)
	})

	t.Run("ListByPrefix", func(t *testing.T) {
		b := open(t)
		inA := []storage.Key{
			MustKey(t, "ox", "alpha", "one"),
			MustKey(t, "ox", "alpha", "two"),
			MustKey(t, "ox", "alpha", "two").WithChunk(0),
		}
		inB := MustKey(t, "ox", "beta", "one")
		other := MustKey(t, "other", "alpha", "one")
		for _, k := range append(inA, inB, other) {
			require.NoError(t, b.Store(ctx, k, []byte(k.String())))
		}

		got := Collect(t, b, storage.Prefix{Namespace: "ox", Repository: "alpha"})
		assert.ElementsMatch(t, keyStrings(inA), keyStrings(got))

		got = Collect(t, b, storage.Prefix{Namespace: "ox"})
		assert.Len(t, got, 4)

		got = Collect(t, b, storage.Prefix{})
		assert.Len(t, got, 5)

		id := ID("two")
		got = Collect(t, b, storage.Prefix{Namespace: "ox", Repository: "alpha", ObjectID: id[:5]})
		require.Len(t, got, 2)
		for _, k := range got {
			assert.Equal(t, id, k.ObjectID)
		}

		got = Collect(t, b, storage.Prefix{Namespace: "nobody"})
		assert.Empty(t, got)
	})

	t.Run("ListIsStableAndRestartable", func(t *testing.T) {
		b := open(t)
		for i := 0; i < 12; i++ {
			k := MustKey(t, "ox", "alpha", fmt.Sprintf("obj-%d", i))
			require.NoError(t, b.Store(ctx, k, []byte{byte(i)}))
		}
		p := storage.Prefix{Namespace: "ox", Repository: "alpha"}

		first := keyStrings(Collect(t, b, p))
		second := keyStrings(Collect(t, b, p))
		require.Len(t, first, 12)
		assert.Equal(t, first, second)

		var partial []string
		for k, err := range b.List(ctx, p) {
			require.NoError(t, err)
			partial = append(partial, k.String())
			if len(partial) == 3 {
				break
			}
		}
		assert.Equal(t, first[:3], partial)
		assert.Equal(t, first, keyStrings(Collect(t, b, p)))
	})

	t.Run("ConcurrentStoresNeverTear", func(t *testing.T) {
		b := open(t)
		k := MustKey(t, "ox", "alpha", "contended")
		payloads := [][]byte{
			bytes.Repeat([]byte{'a'}, 64<<10),
			bytes.Repeat([]byte{'b'}, 64<<10),
		}

		var wg sync.WaitGroup
		errs := make(chan error, 64)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 8; i++ {
					if err := b.Store(ctx, k, payloads[(w+i)%2]); err != nil {
						errs <- err
					}
				}
			}(w)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 32; i++ {
				got, err := b.Read(ctx, k)
				if err != nil {
					continue
				}
				if !bytes.Equal(got, payloads[0]) && !bytes.Equal(got, payloads[1]) {
					errs <- fmt.Errorf("torn read of %d bytes", len(got))
				}
			}
		}()
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Error(err)
		}

		got, err := b.Read(ctx, k)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(got, payloads[0]) || bytes.Equal(got, payloads[1]))
	})

	t.Run("CanceledStoreIsNotCommitted", func(t *testing.T) {
		b := open(t)
		k := MustKey(t, "ox", "alpha", "canceled")
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := b.Store(cctx, k, []byte("never"))
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)

		ok, err := b.Exists(ctx, k)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("InvalidKey", func(t *testing.T) {
		b := open(t)
		bad := storage.Key{Namespace: "ox", Repository: "../escape", ObjectID: "abc"}

		err := b.Store(ctx, bad, []byte("x"))
		require.ErrorIs(t, err, storage.ErrInvalidKey)
		assert.Equal(t, storage.ErrIO, storage.KindOf(err))
	})

	t.Run("ClosedBackend", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Close())

		_, err := b.Read(ctx, MustKey(t, "ox", "alpha", "after-close"))
		require.ErrorIs(t, err, storage.ErrUnavailable)
	})
}
