package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
)

// Normalized error kinds. Every error returned by a Backend matches exactly
// one of these with errors.Is.
var (
	// ErrNotFound indicates the key holds no object.
	ErrNotFound = errors.New("object not found")

	// ErrIO indicates a local or remote I/O failure that is not known to be transient.
	ErrIO = errors.New("i/o error")

	// ErrPermissionDenied indicates the backend refused access.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTransient indicates a network or availability problem; the operation is safe to retry.
	ErrTransient = errors.New("transient backend error")

	// ErrVerification indicates a write completed but could not be confirmed afterwards.
	ErrVerification = errors.New("verification failed")

	// ErrUnavailable indicates the backend cannot serve requests at all.
	ErrUnavailable = errors.New("backend unavailable")
)

// ErrInvalidKey is wrapped (as ErrIO) when a key or prefix cannot be mapped
// onto the backend layout.
var ErrInvalidKey = errors.New("invalid key")

var errClosed = errors.New("backend is closed")

var kinds = []error{ErrNotFound, ErrPermissionDenied, ErrTransient, ErrVerification, ErrUnavailable, ErrIO}

// Error is the structured error returned by all backends.
type Error struct {
	Backend string
	Op      string
	Key     string
	Kind    error
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s (%s): %v", e.Op, e.Key, e.Backend, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the normalized kind sentinel of err, or nil for a nil error.
// Errors not produced by a backend are reported as ErrIO.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrIO
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// wrap attaches backend context to err, classifying it with classify unless
// it already carries a kind.
func wrap(backend, op, key string, err error, classify func(error) error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Backend: backend, Op: op, Key: key, Kind: classify(err), Err: err}
}

// classifyFS maps filesystem and context errors onto the taxonomy.
func classifyFS(err error) error {
	switch {
	case errors.Is(err, ErrInvalidKey):
		return ErrIO
	case errors.Is(err, errClosed):
		return ErrUnavailable
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrPermissionDenied
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrTransient
	default:
		return ErrIO
	}
}
