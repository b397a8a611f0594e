package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

const tempPattern = ".tmp-*"

// LocalConfig configures the filesystem backend.
type LocalConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// Local stores objects on a local filesystem under
// <root>/<namespace>/<repository>/.oxen/versions/files/<id[0:2]>/<id[2:]>/<leaf>.
type Local struct {
	root   string
	closed atomic.Bool
}

// NewLocal creates the root directory if needed and returns the backend.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.Root == "" {
		return nil, &Error{Backend: TypeLocal, Op: "open", Kind: ErrUnavailable, Err: errors.New("root directory is required")}
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, wrap(TypeLocal, "open", cfg.Root, err, classifyFS)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &Error{Backend: TypeLocal, Op: "open", Key: root, Kind: ErrUnavailable, Err: err}
	}
	return &Local{root: root}, nil
}

// Root returns the absolute root directory.
func (l *Local) Root() string { return l.root }

func (l *Local) Type() string { return TypeLocal }

// VersionsDir returns the directory holding a repository's versioned files.
func (l *Local) VersionsDir(namespace, repository string) string {
	return filepath.Join(l.root, namespace, repository, ".oxen", "versions", "files")
}

func (l *Local) path(k Key) string {
	shard, rest := k.shardDirs()
	return filepath.Join(l.VersionsDir(k.Namespace, k.Repository), shard, rest, k.leaf())
}

func (l *Local) begin(ctx context.Context, op string, key Key) error {
	if l.closed.Load() {
		return closedError(TypeLocal, op, key.String())
	}
	if err := ctx.Err(); err != nil {
		return wrap(TypeLocal, op, key.String(), err, classifyFS)
	}
	return wrap(TypeLocal, op, key.String(), key.Validate(), classifyFS)
}

// Store writes to a temporary file beside the target, syncs it and renames
// it into place so readers never observe a partial payload.
func (l *Local) Store(ctx context.Context, key Key, data []byte) (err error) {
	defer track(TypeLocal, "store", key.String())(&err)
	if err := l.begin(ctx, "store", key); err != nil {
		return err
	}

	target := l.path(key)
	if err := l.writeAtomic(ctx, target, data); err != nil {
		return wrap(TypeLocal, "store", key.String(), err, classifyFS)
	}
	return nil
}

func (l *Local) writeAtomic(ctx context.Context, target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	// A canceled caller must not see the write committed.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to commit data: %w", err)
	}
	committed = true
	return nil
}

func (l *Local) Read(ctx context.Context, key Key) (data []byte, err error) {
	defer track(TypeLocal, "read", key.String())(&err)
	if err := l.begin(ctx, "read", key); err != nil {
		return nil, err
	}
	data, err = os.ReadFile(l.path(key))
	if err != nil {
		return nil, wrap(TypeLocal, "read", key.String(), err, classifyFS)
	}
	return data, nil
}

func (l *Local) Exists(ctx context.Context, key Key) (ok bool, err error) {
	defer track(TypeLocal, "exists", key.String())(&err)
	if err := l.begin(ctx, "exists", key); err != nil {
		return false, err
	}
	_, err = os.Stat(l.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, wrap(TypeLocal, "exists", key.String(), err, classifyFS)
	}
	return true, nil
}

func (l *Local) Stat(ctx context.Context, key Key) (obj *Object, err error) {
	defer track(TypeLocal, "stat", key.String())(&err)
	if err := l.begin(ctx, "stat", key); err != nil {
		return nil, err
	}
	info, err := os.Stat(l.path(key))
	if err != nil {
		return nil, wrap(TypeLocal, "stat", key.String(), err, classifyFS)
	}
	return &Object{Key: key, Size: info.Size(), Created: info.ModTime()}, nil
}

// Delete removes the payload file only. Shard directories stay so a
// concurrent Store into the same shard keeps its parent.
func (l *Local) Delete(ctx context.Context, key Key) (err error) {
	defer track(TypeLocal, "delete", key.String())(&err)
	if err := l.begin(ctx, "delete", key); err != nil {
		return err
	}
	err = os.Remove(l.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return wrap(TypeLocal, "delete", key.String(), err, classifyFS)
	}
	return nil
}

// List walks namespaces, repositories and shard directories in sorted order.
func (l *Local) List(ctx context.Context, prefix Prefix) iter.Seq2[Key, error] {
	op, label := "list", prefix.String()
	if l.closed.Load() {
		return single(closedError(TypeLocal, op, label))
	}
	if err := prefix.Validate(); err != nil {
		return single(wrap(TypeLocal, op, label, err, classifyFS))
	}

	return func(yield func(Key, error) bool) {
		fail := func(err error) { yield(Key{}, wrap(TypeLocal, op, label, err, classifyFS)) }

		namespaces, err := l.scope(prefix.Namespace, l.root)
		if err != nil {
			fail(err)
			return
		}
		for _, ns := range namespaces {
			repos, err := l.scope(prefix.Repository, filepath.Join(l.root, ns))
			if err != nil {
				fail(err)
				return
			}
			for _, repo := range repos {
				if err := ctx.Err(); err != nil {
					fail(err)
					return
				}
				more, err := l.listRepo(ns, repo, prefix.ObjectID, yield)
				if err != nil {
					fail(err)
					return
				}
				if !more {
					return
				}
			}
		}
	}
}

// scope returns the single fixed name, or every valid subdirectory of dir.
func (l *Local) scope(fixed, dir string) ([]string, error) {
	if fixed != "" {
		return []string{fixed}, nil
	}
	return subdirs(dir)
}

func (l *Local) listRepo(ns, repo, idPrefix string, yield func(Key, error) bool) (bool, error) {
	base := l.VersionsDir(ns, repo)
	shards, err := subdirs(base)
	if err != nil {
		return false, err
	}
	for _, shard := range shards {
		if len(shard) != 2 || !isHex(shard) {
			continue
		}
		rests, err := subdirs(filepath.Join(base, shard))
		if err != nil {
			return false, err
		}
		for _, rest := range rests {
			id := shard + rest
			if !isHex(id) || !strings.HasPrefix(id, idPrefix) {
				continue
			}
			entries, err := readDir(filepath.Join(base, shard, rest))
			if err != nil {
				return false, err
			}
			for _, e := range entries {
				if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
					continue
				}
				chunk, ok := parseLeaf(e.Name())
				if !ok {
					continue
				}
				if !yield(Key{Namespace: ns, Repository: repo, ObjectID: id, Chunk: chunk}, nil) {
					return false, nil
				}
			}
		}
	}
	return true, nil
}

func (l *Local) Close() error {
	l.closed.Store(true)
	return nil
}

// readDir treats a missing directory as empty.
func readDir(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return entries, err
}

func subdirs(dir string) ([]string, error) {
	entries, err := readDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
