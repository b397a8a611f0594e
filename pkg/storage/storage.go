// Package storage persists immutable versioned content behind one interface
// with interchangeable local, object-storage and in-memory backends.
package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"iter"
	"time"

	"github.com/minio/sha256-simd"

	"github.com/Oxen-AI/oxen-archive/pkg/logging"
	"github.com/Oxen-AI/oxen-archive/pkg/metrics"
)

// Backend defines the contract every storage implementation satisfies.
//
// Writes are atomic: a concurrent or later Read observes either a complete
// earlier payload or ErrNotFound, never a partial one. Overwriting a key
// replaces its value entirely and the last completed write wins.
// Implementations are safe for concurrent use.
type Backend interface {
	// Store writes data under key, replacing any previous value.
	Store(ctx context.Context, key Key, data []byte) error

	// Read returns the complete payload or ErrNotFound.
	Read(ctx context.Context, key Key) ([]byte, error)

	// Exists checks for the key without transferring the payload.
	Exists(ctx context.Context, key Key) (bool, error)

	// Stat returns object metadata without transferring the payload.
	Stat(ctx context.Context, key Key) (*Object, error)

	// Delete removes the key. Deleting an absent key succeeds.
	Delete(ctx context.Context, key Key) error

	// List enumerates the keys inside prefix. Each call produces a fresh,
	// finite snapshot in a stable order; iteration stops at the first error.
	List(ctx context.Context, prefix Prefix) iter.Seq2[Key, error]

	// Type returns the backend identifier (local, s3, memory).
	Type() string

	// Close releases any resources. Later calls fail with ErrUnavailable.
	Close() error
}

// Object is the metadata of a stored payload.
type Object struct {
	Key     Key
	Size    int64
	Hash    string // hex sha256, empty when the backend cannot report it cheaply
	Created time.Time
}

// HashBytes returns the hex sha256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// track records metrics and a debug line for one backend call. Use it as
// defer track(...)(&err) with a named error result.
func track(backend, op, key string) func(*error) {
	start := time.Now()
	return func(errp *error) {
		err := *errp
		elapsed := time.Since(start)
		metrics.RecordStorageOperation(backend, op, elapsed, err == nil || errors.Is(err, ErrNotFound))
		logging.L().Debug("storage operation",
			logging.String("backend", backend),
			logging.String("op", op),
			logging.String("key", key),
			logging.Duration("elapsed", elapsed),
			logging.Err(err),
		)
	}
}

func closedError(backend, op, key string) error {
	return &Error{Backend: backend, Op: op, Key: key, Kind: ErrUnavailable, Err: errClosed}
}

// single yields one error and stops, for listings that fail before starting.
func single(err error) iter.Seq2[Key, error] {
	return func(yield func(Key, error) bool) {
		yield(Key{}, err)
	}
}
