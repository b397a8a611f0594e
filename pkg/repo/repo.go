// Package repo implements the repository operations that sit on top of the
// storage interface: staging, removal, snapshots and checkout. File content is
// addressed by its sha256 and persisted through an injected storage.Backend.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Oxen-AI/oxen-archive/pkg/logging"
	"github.com/Oxen-AI/oxen-archive/pkg/storage"
)

var (
	ErrNotRepository     = errors.New("not an oxen repository")
	ErrAlreadyRepository = errors.New("repository already initialized")
	ErrOutsideRepository = errors.New("path is outside the repository")
	ErrNothingToCommit   = errors.New("nothing to commit")
	ErrNotTracked        = errors.New("path is not tracked")
	ErrIndexChanged      = errors.New("index changed while committing")
)

// Repository is an open working tree.
type Repository struct {
	root    string
	cfg     *Config
	backend storage.Backend
	index   *index
	log     *zap.Logger
}

// Status lists repository paths by state. All paths are repository
// relative, slash separated and sorted. Tracked omits paths whose removal
// is staged.
type Status struct {
	Staged    []string
	Removed   []string
	Modified  []string
	Untracked []string
	Tracked   []string
}

// Init creates the descriptor for a new repository at root.
func Init(root, namespace string) (*Config, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	if IsRepository(root) {
		return nil, fmt.Errorf("%s: %w", root, ErrAlreadyRepository)
	}

	cfg := &Config{
		Namespace:  namespace,
		Name:       filepath.Base(root),
		MinVersion: MinVersion,
		Created:    time.Now().UTC().Truncate(time.Second),
	}
	if _, err := storage.NewKey(cfg.Namespace, cfg.Name, "000"); err != nil {
		return nil, fmt.Errorf("invalid repository name: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, OxenDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", OxenDir, err)
	}
	if err := WriteConfig(root, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindRoot walks up from dir to the nearest directory holding a descriptor.
func FindRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	for current := abs; ; current = filepath.Dir(current) {
		if IsRepository(current) {
			return current, nil
		}
		if parent := filepath.Dir(current); parent == current {
			return "", fmt.Errorf("%s: %w", dir, ErrNotRepository)
		}
	}
}

// Open opens the repository containing dir.
func Open(dir string, backend storage.Backend) (*Repository, error) {
	root, err := FindRoot(dir)
	if err != nil {
		return nil, err
	}
	cfg, err := ReadConfig(root)
	if err != nil {
		return nil, err
	}
	ix, err := openIndex(root)
	if err != nil {
		return nil, err
	}
	return &Repository{
		root:    root,
		cfg:     cfg,
		backend: backend,
		index:   ix,
		log:     logging.Named("repo").With(zap.String("repo", cfg.Namespace+"/"+cfg.Name)),
	}, nil
}

// Root returns the absolute repository root.
func (r *Repository) Root() string { return r.root }

// Config returns the repository descriptor.
func (r *Repository) Config() *Config { return r.cfg }

// Close releases the index. The backend belongs to the caller.
func (r *Repository) Close() error {
	return r.index.close()
}

func (r *Repository) key(hash string) (storage.Key, error) {
	return storage.NewKey(r.cfg.Namespace, r.cfg.Name, hash)
}

// Resolve maps p, relative to cwd or absolute, onto its canonical
// repository-relative path.
func (r *Repository) Resolve(cwd, p string) (string, error) {
	abs := p
	if !filepath.IsAbs(p) {
		base, err := filepath.Abs(cwd)
		if err != nil {
			return "", err
		}
		if resolved, err := filepath.EvalSymlinks(base); err == nil {
			base = resolved
		}
		abs = filepath.Join(base, p)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(r.root, abs)
	if err != nil {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideRepository)
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideRepository)
	}
	if under(rel, OxenDir) {
		return "", fmt.Errorf("%s: refusing to track repository metadata", p)
	}
	return rel, nil
}

func (r *Repository) abs(rel string) string {
	return filepath.Join(r.root, filepath.FromSlash(rel))
}

// under reports whether path equals dir or lies inside it.
func under(path, dir string) bool {
	return dir == "." || path == dir || strings.HasPrefix(path, dir+"/")
}

// Add stages files and directories. Directories are added recursively and
// a path that no longer exists stages its removal. It returns the staged
// paths.
func (r *Repository) Add(ctx context.Context, cwd string, paths ...string) ([]string, error) {
	var added []string
	for _, p := range paths {
		rel, err := r.Resolve(cwd, p)
		if err != nil {
			return added, err
		}

		info, err := os.Stat(r.abs(rel))
		if errors.Is(err, fs.ErrNotExist) {
			known, err := r.index.remove(rel)
			if err != nil {
				return added, fmt.Errorf("failed to update index: %w", err)
			}
			if !known {
				return added, fmt.Errorf("%s: no such file", p)
			}
			continue
		}
		if err != nil {
			return added, fmt.Errorf("failed to stat %s: %w", p, err)
		}

		if !info.IsDir() {
			if err := r.addFile(ctx, rel, info); err != nil {
				return added, err
			}
			added = append(added, rel)
			continue
		}

		files, err := r.walk(rel)
		if err != nil {
			return added, err
		}
		for _, f := range files {
			info, err := os.Stat(r.abs(f))
			if err != nil {
				return added, fmt.Errorf("failed to stat %s: %w", f, err)
			}
			if err := r.addFile(ctx, f, info); err != nil {
				return added, err
			}
			added = append(added, f)
		}
	}
	return added, nil
}

func (r *Repository) addFile(ctx context.Context, rel string, info fs.FileInfo) error {
	data, err := os.ReadFile(r.abs(rel))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", rel, err)
	}
	hash := storage.HashBytes(data)
	key, err := r.key(hash)
	if err != nil {
		return err
	}
	if err := r.backend.Store(ctx, key, data); err != nil {
		return fmt.Errorf("failed to store %s: %w", rel, err)
	}
	if err := r.index.stage(rel, Entry{Hash: hash, Size: info.Size(), ModTime: info.ModTime().UTC()}); err != nil {
		return fmt.Errorf("failed to stage %s: %w", rel, err)
	}
	r.log.Debug("staged", zap.String("path", rel), zap.String("hash", hash))
	return nil
}

// walk returns the regular files below dir, skipping repository metadata.
func (r *Repository) walk(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(r.abs(dir), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(r.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == OxenDir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return files, nil
}

// known returns every staged or tracked path inside dir.
func (r *Repository) known(dir string) ([]string, error) {
	seen := make(map[string]bool)
	for _, b := range [][]byte{bucketStaged, bucketTracked} {
		paths, err := r.index.paths(b)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			if under(p, dir) {
				seen[p] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// isKnown reports whether path is staged or tracked.
func (r *Repository) isKnown(path string) (bool, error) {
	for _, b := range [][]byte{bucketStaged, bucketTracked} {
		e, err := r.index.entry(b, path)
		if err != nil {
			return false, err
		}
		if e != nil {
			return true, nil
		}
	}
	return false, nil
}

// Rm deletes files from the working tree and stages their removal. It
// returns the removed paths.
func (r *Repository) Rm(ctx context.Context, cwd string, paths ...string) ([]string, error) {
	var removed []string
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		rel, err := r.Resolve(cwd, p)
		if err != nil {
			return removed, err
		}

		targets := []string{rel}
		if info, err := os.Stat(r.abs(rel)); err == nil && info.IsDir() {
			if targets, err = r.known(rel); err != nil {
				return removed, err
			}
		}
		if len(targets) == 0 {
			return removed, fmt.Errorf("%s: %w", p, ErrNotTracked)
		}

		for _, t := range targets {
			known, err := r.isKnown(t)
			if err != nil {
				return removed, err
			}
			if !known {
				return removed, fmt.Errorf("%s: %w", p, ErrNotTracked)
			}
			// The index only records removals of files already gone.
			if err := os.Remove(r.abs(t)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return removed, fmt.Errorf("failed to remove %s: %w", t, err)
			}
			if _, err := r.index.remove(t); err != nil {
				return removed, fmt.Errorf("failed to update index: %w", err)
			}
			removed = append(removed, t)
		}

		if rel != "." {
			if info, err := os.Stat(r.abs(rel)); err == nil && info.IsDir() {
				os.Remove(r.abs(rel))
			}
		}
	}
	return removed, nil
}

// Commit records the staged changes as the new head. The file manifest is
// stored through the backend under the commit id.
func (r *Repository) Commit(ctx context.Context, message string) (*Commit, error) {
	if strings.TrimSpace(message) == "" {
		return nil, errors.New("commit message is required")
	}

	// The manifest goes to the backend before the index transaction so no
	// network call runs under the index write lock.
	tracked, err := r.index.pending()
	if err != nil {
		return nil, err
	}
	manifest := make(map[string]string, len(tracked))
	for p, e := range tracked {
		manifest[p] = e.Hash
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	id := storage.HashBytes([]byte(fmt.Sprintf("%s\x00%s\x00%s", data, message, now.Format(time.RFC3339Nano))))
	key, err := r.key(id)
	if err != nil {
		return nil, err
	}
	if err := r.backend.Store(ctx, key, data); err != nil {
		return nil, fmt.Errorf("failed to store commit manifest: %w", err)
	}

	c := &Commit{ID: id, Message: message, Timestamp: now, Files: len(tracked)}
	if err := r.index.commit(c, tracked); err != nil {
		return nil, err
	}
	r.log.Info("committed", zap.String("id", c.ID), zap.Int("files", c.Files))
	return c, nil
}

// Head returns the latest commit, or nil before the first commit.
func (r *Repository) Head() (*Commit, error) {
	return r.index.head()
}

// Manifest reads the path to hash mapping recorded by commit id.
func (r *Repository) Manifest(ctx context.Context, id string) (map[string]string, error) {
	key, err := r.key(id)
	if err != nil {
		return nil, err
	}
	data, err := r.backend.Read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit manifest: %w", err)
	}
	var manifest map[string]string
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse commit manifest: %w", err)
	}
	return manifest, nil
}

// Status compares the index with the working tree.
func (r *Repository) Status(ctx context.Context) (*Status, error) {
	staged, err := r.index.entries(bucketStaged)
	if err != nil {
		return nil, err
	}
	tracked, err := r.index.entries(bucketTracked)
	if err != nil {
		return nil, err
	}
	removed, err := r.index.paths(bucketRemoved)
	if err != nil {
		return nil, err
	}

	st := &Status{Staged: sortedKeys(staged), Removed: removed}
	gone := make(map[string]bool, len(removed))
	for _, p := range removed {
		gone[p] = true
	}
	for _, p := range sortedKeys(tracked) {
		if !gone[p] {
			st.Tracked = append(st.Tracked, p)
		}
	}

	files, err := r.walk(".")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, ok := staged[f]
		if !ok {
			e, ok = tracked[f]
		}
		if !ok {
			if !gone[f] {
				st.Untracked = append(st.Untracked, f)
			}
			continue
		}
		changed, err := r.changed(f, e)
		if err != nil {
			return nil, err
		}
		if changed {
			st.Modified = append(st.Modified, f)
		}
	}
	return st, nil
}

// changed checks size and mtime before falling back to hashing.
func (r *Repository) changed(rel string, e Entry) (bool, error) {
	info, err := os.Stat(r.abs(rel))
	if err != nil {
		return false, err
	}
	if info.Size() == e.Size && info.ModTime().UTC().Equal(e.ModTime) {
		return false, nil
	}
	data, err := os.ReadFile(r.abs(rel))
	if err != nil {
		return false, err
	}
	return storage.HashBytes(data) != e.Hash, nil
}

// Checkout restores files from the backend. Without paths it restores every
// tracked file.
func (r *Repository) Checkout(ctx context.Context, cwd string, paths ...string) ([]string, error) {
	targets := []string{}
	if len(paths) == 0 {
		all, err := r.known(".")
		if err != nil {
			return nil, err
		}
		targets = all
	}
	for _, p := range paths {
		rel, err := r.Resolve(cwd, p)
		if err != nil {
			return nil, err
		}
		matched, err := r.known(rel)
		if err != nil {
			return nil, err
		}
		if len(matched) == 0 {
			return nil, fmt.Errorf("%s: %w", p, ErrNotTracked)
		}
		targets = append(targets, matched...)
	}

	var restored []string
	var errs error
	for _, t := range targets {
		e, err := r.index.entry(bucketStaged, t)
		if err == nil && e == nil {
			e, err = r.index.entry(bucketTracked, t)
		}
		if err != nil {
			return restored, err
		}
		if e == nil {
			continue
		}
		if err := r.restore(ctx, t, e); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		restored = append(restored, t)
	}
	return restored, errs
}

func (r *Repository) restore(ctx context.Context, rel string, e *Entry) error {
	key, err := r.key(e.Hash)
	if err != nil {
		return err
	}
	data, err := r.backend.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", rel, err)
	}
	if got := storage.HashBytes(data); got != e.Hash {
		return fmt.Errorf("content of %s does not match its hash: %w", rel, storage.ErrVerification)
	}
	return writeFileAtomic(r.abs(rel), data)
}
