// Package backup copies repository durable roots to a destination, verifies
// each copy by its marker file and keeps a ledger of runs so migrations can
// be gated on a verified backup.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Oxen-AI/oxen-archive/pkg/archive"
	"github.com/Oxen-AI/oxen-archive/pkg/config"
	"github.com/Oxen-AI/oxen-archive/pkg/destination"
	"github.com/Oxen-AI/oxen-archive/pkg/logging"
	"github.com/Oxen-AI/oxen-archive/pkg/metrics"
	"github.com/Oxen-AI/oxen-archive/pkg/repo"
)

// RunIDFormat names each run after its UTC start time.
const RunIDFormat = "2006-01-02T15-04-05Z"

var (
	// ErrMarkerMissing means a copy was made but its marker file is not at
	// the destination.
	ErrMarkerMissing = errors.New("marker file missing from backup")

	// ErrNotBackedUp means a repository is absent from the latest backup.
	ErrNotBackedUp = errors.New("repository not in the latest verified backup")

	ErrInvalidRepository = errors.New("invalid repository id")
)

// Manager handles backup operations
type Manager struct {
	cfg      config.BackupConfiguration
	dest     destination.Destination
	ledger   *Ledger
	quiescer Quiescer
	now      func() time.Time
	log      *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithQuiescer stops and restarts writers around each batch.
func WithQuiescer(q Quiescer) Option {
	return func(m *Manager) { m.quiescer = q }
}

// WithClock replaces the clock used to name runs.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a new backup manager. The destination and ledger stay
// owned by the caller.
func NewManager(cfg config.BackupConfiguration, dest destination.Destination, ledger *Ledger, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		dest:   dest,
		ledger: ledger,
		now:    time.Now,
		log:    logging.Named("backup"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.Workers < 1 {
		m.cfg.Workers = 1
	}
	return m
}

// Ledger returns the run ledger.
func (m *Manager) Ledger() *Ledger { return m.ledger }

// LatestRun returns the most recent recorded run, whatever its outcome.
func (m *Manager) LatestRun() (*Run, error) { return m.ledger.Latest() }

// SplitRepository parses a "namespace/repository" id.
func SplitRepository(id string) (namespace, name string, err error) {
	parts := strings.Split(id, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" ||
		strings.HasPrefix(parts[0], ".") || strings.HasPrefix(parts[1], ".") {
		return "", "", fmt.Errorf("%q: %w", id, ErrInvalidRepository)
	}
	return parts[0], parts[1], nil
}

// Discover lists every namespace/repository directory in the sync
// directory, sorted. Hidden entries are skipped.
func (m *Manager) Discover() ([]string, error) {
	namespaces, err := os.ReadDir(m.cfg.SyncDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync directory: %w", err)
	}
	var repos []string
	for _, ns := range namespaces {
		if !ns.IsDir() || strings.HasPrefix(ns.Name(), ".") {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(m.cfg.SyncDir, ns.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read namespace %s: %w", ns.Name(), err)
		}
		for _, e := range entries {
			if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
				repos = append(repos, ns.Name()+"/"+e.Name())
			}
		}
	}
	sort.Strings(repos)
	return repos, nil
}

// RepositoryPath returns the durable root of a repository id.
func (m *Manager) RepositoryPath(id string) string {
	return filepath.Join(m.cfg.SyncDir, filepath.FromSlash(id))
}

// RemotePath returns where a run keeps a repository at the destination.
func (m *Manager) RemotePath(runID, id string) string {
	return destination.Join(m.cfg.Prefix, runID, id)
}

// MarkerPath returns the destination path of a repository's marker file
// within a run.
func (m *Manager) MarkerPath(runID, id string) string {
	return destination.Join(m.RemotePath(runID, id), repo.MarkerFile)
}

// newRunID names a run after the clock, adding a suffix on collision.
func (m *Manager) newRunID(started time.Time) (string, error) {
	base := started.UTC().Format(RunIDFormat)
	id := base
	for i := 1; ; i++ {
		taken, err := m.ledger.Has(id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
		id = fmt.Sprintf("%s-%d", base, i)
	}
}

// Backup copies repos, or every discovered repository when repos is
// empty, into a new run. Repositories are processed in order; the first one
// that fails to copy or verify halts the batch. The run is recorded in the
// ledger whatever the outcome.
func (m *Manager) Backup(ctx context.Context, repos []string) (run *Run, err error) {
	if len(repos) == 0 {
		if repos, err = m.Discover(); err != nil {
			return nil, err
		}
	}
	for _, id := range repos {
		if _, _, err := SplitRepository(id); err != nil {
			return nil, err
		}
	}

	started := m.now().UTC()
	runID, err := m.newRunID(started)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup ledger: %w", err)
	}
	run = &Run{ID: runID, Started: started, Destination: m.cfg.Type, Repositories: repos}
	log := m.log.With(zap.String("run", runID))
	log.Info("starting backup", zap.Int("repositories", len(repos)))

	defer func() {
		run.Finished = m.now().UTC()
		if err != nil {
			run.Error = err.Error()
		}
		if rerr := m.ledger.Record(run); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to record run: %w", rerr))
		}
		if err == nil && run.Complete() {
			metrics.RecordBackupSuccess(run.Finished)
			log.Info("backup complete", zap.Int("files", run.Files), zap.Int64("bytes", run.Bytes))
		}
	}()

	if err := m.executeCommand(ctx, m.cfg.PreBackup, m.cfg.SyncDir); err != nil {
		return run, fmt.Errorf("failed to execute pre-backup command: %w", err)
	}

	if m.quiescer != nil {
		if err := m.quiescer.Stop(ctx); err != nil {
			return run, fmt.Errorf("failed to quiesce: %w", err)
		}
		defer func() {
			// The container must come back even when the batch was canceled.
			startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
			defer cancel()
			if serr := m.quiescer.Start(startCtx); serr != nil {
				err = multierr.Append(err, fmt.Errorf("failed to restart after backup: %w", serr))
			}
		}()
	}

	for _, id := range repos {
		if err := m.backupRepository(ctx, run, id); err != nil {
			metrics.RecordBackupRepository(false)
			run.Failed = id
			log.Error("backup halted", zap.String("repository", id), zap.Error(err))
			return run, fmt.Errorf("backup of %s failed: %w", id, err)
		}
		metrics.RecordBackupRepository(true)
		run.Verified = append(run.Verified, id)
	}
	return run, nil
}

// backupRepository copies one durable root and then checks for its marker
// at the destination.
func (m *Manager) backupRepository(ctx context.Context, run *Run, id string) error {
	root := m.RepositoryPath(id)
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("failed to stat repository: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}

	files, size, err := m.copyTree(ctx, root, m.RemotePath(run.ID, id))
	if err != nil {
		return err
	}
	run.Files += files
	run.Bytes += size

	ok, err := m.dest.Exists(ctx, m.MarkerPath(run.ID, id))
	if err != nil {
		return fmt.Errorf("failed to verify backup: %w", err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", m.MarkerPath(run.ID, id), ErrMarkerMissing)
	}
	m.log.Info("repository verified", zap.String("run", run.ID), zap.String("repository", id), zap.Int("files", files))
	return nil
}

// copyTree uploads every regular file below root to remote over the worker
// pool. It waits for all submitted uploads before returning.
func (m *Manager) copyTree(ctx context.Context, root, remote string) (int, int64, error) {
	type upload struct {
		local, remote string
		size          int64
	}
	var uploads []upload
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if archive.Excluded(rel, m.cfg.Exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		uploads = append(uploads, upload{local: p, remote: destination.Join(remote, filepath.ToSlash(rel)), size: info.Size()})
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	pool, err := ants.NewPool(m.cfg.Workers)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		total    int64
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	for _, u := range uploads {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if err := m.dest.Upload(ctx, u.local, u.remote); err != nil {
				fail(fmt.Errorf("failed to upload %s: %w", u.remote, err))
				return
			}
			mu.Lock()
			total += u.size
			mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
			fail(fmt.Errorf("failed to schedule upload: %w", submitErr))
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return 0, 0, firstErr
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	return len(uploads), total, nil
}

// CheckBackedUp succeeds only when every repository was verified in the
// latest run and its marker is still at the destination.
func (m *Manager) CheckBackedUp(ctx context.Context, repos []string) error {
	latest, err := m.LatestRun()
	if errors.Is(err, ErrNoRuns) {
		return fmt.Errorf("%w: no backup has been recorded", ErrNotBackedUp)
	}
	if err != nil {
		return fmt.Errorf("failed to read backup ledger: %w", err)
	}

	for _, id := range repos {
		if !latest.HasVerified(id) {
			return fmt.Errorf("%s: %w (latest run %s)", id, ErrNotBackedUp, latest.ID)
		}
		ok, err := m.dest.Exists(ctx, m.MarkerPath(latest.ID, id))
		if err != nil {
			return fmt.Errorf("failed to check backup of %s: %w", id, err)
		}
		if !ok {
			return fmt.Errorf("%s: %w (marker gone from run %s)", id, ErrNotBackedUp, latest.ID)
		}
	}
	return nil
}
