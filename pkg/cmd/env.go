// Package cmd holds the repository commands of the oxen-archive CLI.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/Oxen-AI/oxen-archive/pkg/config"
	"github.com/Oxen-AI/oxen-archive/pkg/repo"
	"github.com/Oxen-AI/oxen-archive/pkg/storage"
)

// Env is shared by the commands of one invocation. Config is filled in by
// the root command before any command runs.
type Env struct {
	Config *config.Config

	// Dir overrides the working directory, like git -C.
	Dir string

	backend storage.Backend
}

// WorkDir returns the directory commands resolve paths against.
func (e *Env) WorkDir() (string, error) {
	if e.Dir != "" {
		return e.Dir, nil
	}
	return os.Getwd()
}

// Backend opens the configured storage backend on first use. The same
// handle serves the rest of the invocation.
func (e *Env) Backend(ctx context.Context) (storage.Backend, error) {
	if e.backend != nil {
		return e.backend, nil
	}
	b, err := storage.Open(ctx, e.Config.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	e.backend = b
	return b, nil
}

// Close releases the backend if one was opened.
func (e *Env) Close() error {
	if e.backend == nil {
		return nil
	}
	err := e.backend.Close()
	e.backend = nil
	return err
}

// openRepository opens the repository containing the working directory.
func (e *Env) openRepository(ctx context.Context) (*repo.Repository, string, error) {
	cwd, err := e.WorkDir()
	if err != nil {
		return nil, "", err
	}
	backend, err := e.Backend(ctx)
	if err != nil {
		return nil, "", err
	}
	r, err := repo.Open(cwd, backend)
	if err != nil {
		return nil, "", err
	}
	return r, cwd, nil
}
