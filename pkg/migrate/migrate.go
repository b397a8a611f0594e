// Package migrate applies named, reversible migrations to repository durable
// roots. A batch only starts once every target is in the latest verified
// backup, and it halts at the first repository that fails.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/Oxen-AI/oxen-archive/pkg/backup"
	"github.com/Oxen-AI/oxen-archive/pkg/logging"
	"github.com/Oxen-AI/oxen-archive/pkg/metrics"
	"github.com/Oxen-AI/oxen-archive/pkg/repo"
)

var ErrUnknownMigration = errors.New("unknown migration")

// Migration transforms one repository root. Apply returns a rollback that
// undoes whatever it managed to do, also when it fails.
type Migration struct {
	Name        string
	Description string
	Apply       func(ctx context.Context, root string) (rollback func() error, err error)
}

// Registry holds migrations by name.
type Registry struct {
	migrations map[string]Migration
}

// NewRegistry returns a registry holding ms.
func NewRegistry(ms ...Migration) *Registry {
	r := &Registry{migrations: make(map[string]Migration)}
	for _, m := range ms {
		r.Register(m)
	}
	return r
}

// Register adds m, replacing any migration with the same name.
func (r *Registry) Register(m Migration) {
	r.migrations[m.Name] = m
}

// Get returns the named migration.
func (r *Registry) Get(name string) (Migration, error) {
	m, ok := r.migrations[name]
	if !ok {
		return Migration{}, fmt.Errorf("%q: %w", name, ErrUnknownMigration)
	}
	return m, nil
}

// List returns every migration sorted by name.
func (r *Registry) List() []Migration {
	out := make([]Migration, 0, len(r.migrations))
	for _, m := range r.migrations {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Gate decides whether repositories are safe to migrate.
type Gate interface {
	CheckBackedUp(ctx context.Context, repos []string) error
}

// Runner applies migrations to repositories below a sync directory.
type Runner struct {
	registry *Registry
	gate     Gate
	syncDir  string
	log      *zap.Logger
}

// NewRunner returns a runner for the repositories in syncDir.
func NewRunner(registry *Registry, gate Gate, syncDir string) *Runner {
	return &Runner{
		registry: registry,
		gate:     gate,
		syncDir:  syncDir,
		log:      logging.Named("migrate"),
	}
}

// Result lists what a batch did.
type Result struct {
	Applied []string
	Skipped []string
}

// Run applies the named migration to repos in order. Nothing is touched
// unless the name is known and every repository passes the gate. A
// repository that already records the migration is skipped. On the first
// failure the repository is rolled back and the batch stops.
func (r *Runner) Run(ctx context.Context, name string, repos []string) (*Result, error) {
	m, err := r.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if len(repos) == 0 {
		return nil, errors.New("no repositories given")
	}
	for _, id := range repos {
		if _, _, err := backup.SplitRepository(id); err != nil {
			return nil, err
		}
	}
	if err := r.gate.CheckBackedUp(ctx, repos); err != nil {
		return nil, fmt.Errorf("refusing to migrate: %w", err)
	}

	res := &Result{}
	for _, id := range repos {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		applied, err := r.apply(ctx, m, id)
		if err != nil {
			metrics.RecordMigration(name, false)
			return res, fmt.Errorf("migration %s failed on %s: %w", name, id, err)
		}
		if !applied {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		metrics.RecordMigration(name, true)
		res.Applied = append(res.Applied, id)
	}
	return res, nil
}

func (r *Runner) apply(ctx context.Context, m Migration, id string) (bool, error) {
	root := filepath.Join(r.syncDir, filepath.FromSlash(id))
	log := r.log.With(zap.String("migration", m.Name), zap.String("repository", id))

	cfg, err := repo.ReadConfig(root)
	if err != nil {
		return false, err
	}
	if cfg.HasMigration(m.Name) {
		log.Info("already applied")
		return false, nil
	}

	rollback, err := m.Apply(ctx, root)
	if err == nil {
		err = record(root, m.Name)
	}
	if err != nil {
		if rollback != nil {
			if rerr := rollback(); rerr != nil {
				log.Error("rollback failed", zap.Error(rerr))
				return false, errors.Join(err, fmt.Errorf("rollback failed: %w", rerr))
			}
			log.Warn("rolled back", zap.Error(err))
		}
		return false, err
	}
	log.Info("applied")
	return true, nil
}

// record appends name to the descriptor's applied migrations.
func record(root, name string) error {
	cfg, err := repo.ReadConfig(root)
	if err != nil {
		return err
	}
	cfg.Migrations = append(cfg.Migrations, name)
	return repo.WriteConfig(root, cfg)
}
