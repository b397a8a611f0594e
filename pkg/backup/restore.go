package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Oxen-AI/oxen-archive/pkg/destination"
	"github.com/Oxen-AI/oxen-archive/pkg/repo"
)

// Restore downloads one repository from a run into dst and checks that its
// marker file came back.
func (m *Manager) Restore(ctx context.Context, runID, id, dst string) (int, error) {
	if _, _, err := SplitRepository(id); err != nil {
		return 0, err
	}
	remote := m.RemotePath(runID, id)
	files, err := m.dest.List(ctx, remote)
	if err != nil {
		return 0, fmt.Errorf("failed to list backup: %w", err)
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("%s in run %s: %w", id, runID, destination.ErrNotFound)
	}

	for _, f := range files {
		rel := strings.TrimPrefix(strings.TrimPrefix(f.Path, remote), "/")
		local := filepath.Join(dst, filepath.FromSlash(rel))
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			return 0, fmt.Errorf("refusing to restore %s outside %s", f.Path, dst)
		}
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return 0, fmt.Errorf("failed to create directory: %w", err)
		}
		if err := m.dest.Download(ctx, f.Path, local); err != nil {
			return 0, fmt.Errorf("failed to download %s: %w", f.Path, err)
		}
	}

	if !repo.IsRepository(dst) {
		return len(files), fmt.Errorf("%s: %w", repo.MarkerPath(dst), ErrMarkerMissing)
	}
	m.log.Info("restored repository", zap.String("run", runID), zap.String("repository", id), zap.Int("files", len(files)))
	return len(files), nil
}

// RunIDs lists the runs present at the destination, newest first.
func (m *Manager) RunIDs(ctx context.Context) ([]string, map[string][]destination.RemoteFile, error) {
	files, err := m.dest.List(ctx, m.cfg.Prefix)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list backups: %w", err)
	}
	base := destination.Join(m.cfg.Prefix)
	byRun := make(map[string][]destination.RemoteFile)
	for _, f := range files {
		rel := f.Path
		if base != "" {
			rel = strings.TrimPrefix(rel, base+"/")
		}
		runID, _, ok := strings.Cut(rel, "/")
		if !ok {
			continue
		}
		byRun[runID] = append(byRun[runID], f)
	}
	ids := make([]string, 0, len(byRun))
	for id := range byRun {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, byRun, nil
}

// Cleanup deletes old runs, keeping every run newer than the
// retain_backups-th most recent complete run. A retain count of zero keeps
// everything. It returns the deleted run ids.
func (m *Manager) Cleanup(ctx context.Context) ([]string, error) {
	if m.cfg.RetainBackups <= 0 {
		return nil, nil
	}
	ids, byRun, err := m.RunIDs(ctx)
	if err != nil {
		return nil, err
	}
	recorded, err := m.ledger.Runs()
	if err != nil {
		return nil, err
	}
	for _, r := range recorded {
		if _, ok := byRun[r.ID]; !ok {
			ids = append(ids, r.ID)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	kept := 0
	var deleted []string
	for _, id := range ids {
		if kept >= m.cfg.RetainBackups {
			if err := m.deleteRun(ctx, id, byRun[id]); err != nil {
				return deleted, err
			}
			deleted = append(deleted, id)
			continue
		}
		run, err := m.ledger.Run(id)
		switch {
		case errors.Is(err, ErrRunNotFound):
			// Runs written by another host count as complete.
			kept++
		case err != nil:
			return deleted, err
		case run.Complete():
			kept++
		}
	}
	return deleted, nil
}

func (m *Manager) deleteRun(ctx context.Context, id string, files []destination.RemoteFile) error {
	for _, f := range files {
		if err := m.dest.Delete(ctx, f.Path); err != nil {
			return fmt.Errorf("failed to delete %s: %w", f.Path, err)
		}
	}
	if err := m.ledger.Delete(id); err != nil {
		return fmt.Errorf("failed to forget run %s: %w", id, err)
	}
	m.log.Info("deleted backup run", zap.String("run", id), zap.Int("files", len(files)))
	return nil
}

// AuditReport classifies the repositories found in the sync directory
// against a list of ids that should exist.
type AuditReport struct {
	Valid           []string
	ValidWithMarker []string
	Invalid         []string
}

// Audit compares the discovered repositories with valid, which holds
// "namespace/repository" ids.
func (m *Manager) Audit(valid []string) (*AuditReport, error) {
	known := make(map[string]bool, len(valid))
	for _, id := range valid {
		if id = strings.TrimSpace(id); id != "" {
			known[id] = true
		}
	}
	repos, err := m.Discover()
	if err != nil {
		return nil, err
	}

	report := &AuditReport{}
	for _, id := range repos {
		if !known[id] {
			report.Invalid = append(report.Invalid, id)
			continue
		}
		report.Valid = append(report.Valid, id)
		if repo.IsRepository(m.RepositoryPath(id)) {
			report.ValidWithMarker = append(report.ValidWithMarker, id)
		}
	}
	return report, nil
}
