package repo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/Oxen-AI/oxen-archive/pkg/archive"
	"github.com/Oxen-AI/oxen-archive/pkg/logging"
	"github.com/Oxen-AI/oxen-archive/pkg/storage"
)

// ForkStatusFile records the progress of a fork inside the new repository.
const ForkStatusFile = OxenDir + "/fork_status.toml"

var (
	ErrDestinationExists = errors.New("destination already exists")
	ErrNoForkStatus      = errors.New("no fork status recorded")
)

// ForkState is the phase of a fork.
type ForkState string

const (
	ForkCounting   ForkState = "counting"
	ForkInProgress ForkState = "in_progress"
	ForkComplete   ForkState = "complete"
	ForkFailed     ForkState = "failed"
)

// ForkStatus is the content of ForkStatusFile. Progress is a percentage
// while in progress; Counted is the number of files found so far while
// counting.
type ForkStatus struct {
	State    ForkState `toml:"status"`
	Progress float64   `toml:"progress"`
	Counted  int       `toml:"counted"`
	Error    string    `toml:"error,omitempty"`
	Updated  time.Time `toml:"updated"`
}

// forkExclude always applies on top of the caller's patterns.
var forkExclude = []string{OxenDir + "/workspaces/**", ForkStatusFile}

func writeForkStatus(root string, st *ForkStatus) error {
	st.Updated = time.Now().UTC().Truncate(time.Millisecond)
	data, err := toml.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode fork status: %w", err)
	}
	return writeFileAtomic(filepath.Join(root, filepath.FromSlash(ForkStatusFile)), data)
}

// ReadForkStatus returns the last recorded status of a fork into root.
func ReadForkStatus(root string) (*ForkStatus, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(ForkStatusFile)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", root, ErrNoForkStatus)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read fork status: %w", err)
	}
	var st ForkStatus
	if err := toml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse fork status: %w", err)
	}
	return &st, nil
}

// Fork copies the repository at src to the new directory dst, skipping
// workspaces and anything matching exclude, and renames the copy after
// dst. Objects stored in backend under the source name are copied under the
// new name so the fork can check its files out. Progress is recorded in dst
// as it goes; a failure is recorded there too before being returned.
func Fork(ctx context.Context, backend storage.Backend, src, dst string, exclude []string) (*ForkStatus, error) {
	if !IsRepository(src) {
		return nil, fmt.Errorf("%s: %w", src, ErrNotRepository)
	}
	if _, err := os.Lstat(dst); err == nil {
		return nil, fmt.Errorf("%s: %w", dst, ErrDestinationExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat destination: %w", err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination: %w", err)
	}

	log := logging.Named("fork").With(zap.String("src", src), zap.String("dst", dst))
	patterns := append(append([]string{}, forkExclude...), exclude...)
	st := &ForkStatus{State: ForkCounting}
	if err := writeForkStatus(dst, st); err != nil {
		return nil, err
	}

	fail := func(err error) (*ForkStatus, error) {
		st.State = ForkFailed
		st.Error = err.Error()
		if werr := writeForkStatus(dst, st); werr != nil {
			log.Error("failed to record fork failure", zap.Error(werr))
		}
		log.Error("fork failed", zap.Error(err))
		return st, err
	}

	var files []string
	err := walkTree(src, patterns, func(rel string, d fs.DirEntry) error {
		if !d.IsDir() {
			files = append(files, rel)
		}
		return ctx.Err()
	})
	if err != nil {
		return fail(fmt.Errorf("failed to count files: %w", err))
	}
	st.Counted = len(files)
	st.State = ForkInProgress
	if err := writeForkStatus(dst, st); err != nil {
		return fail(err)
	}

	lastPct := -1
	copied := 0
	err = walkTree(src, patterns, func(rel string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		from := filepath.Join(src, filepath.FromSlash(rel))
		to := filepath.Join(dst, filepath.FromSlash(rel))
		if d.IsDir() {
			return os.MkdirAll(to, 0o755)
		}
		if err := copyEntry(from, to, d); err != nil {
			return err
		}
		copied++
		total := max(len(files), copied)
		if pct := copied * 100 / total; pct != lastPct {
			lastPct = pct
			st.Progress = float64(copied) / float64(total) * 100
			return writeForkStatus(dst, st)
		}
		return nil
	})
	if err != nil {
		return fail(fmt.Errorf("failed to copy files: %w", err))
	}

	cfg, err := ReadConfig(dst)
	if err != nil {
		return fail(err)
	}
	srcName := cfg.Name
	cfg.Name = filepath.Base(dst)
	if _, err := storage.NewKey(cfg.Namespace, cfg.Name, "000"); err != nil {
		return fail(fmt.Errorf("invalid repository name: %w", err))
	}
	objects, err := copyObjects(ctx, backend, cfg.Namespace, srcName, cfg.Name)
	if err != nil {
		return fail(fmt.Errorf("failed to copy stored objects: %w", err))
	}
	if err := WriteConfig(dst, cfg); err != nil {
		return fail(err)
	}

	st.State = ForkComplete
	st.Progress = 100
	if err := writeForkStatus(dst, st); err != nil {
		return st, err
	}
	log.Info("fork complete", zap.Int("files", copied), zap.Int("objects", objects))
	return st, nil
}

// copyObjects stores every object of namespace/from again under
// namespace/to. The listing is collected first so a backend whose layout
// puts both repositories under one tree never sees its own writes.
func copyObjects(ctx context.Context, backend storage.Backend, namespace, from, to string) (int, error) {
	if from == to {
		return 0, nil
	}
	var keys []storage.Key
	for k, err := range backend.List(ctx, storage.Prefix{Namespace: namespace, Repository: from}) {
		if err != nil {
			return 0, err
		}
		keys = append(keys, k)
	}
	for _, k := range keys {
		data, err := backend.Read(ctx, k)
		if err != nil {
			return 0, err
		}
		target := k
		target.Repository = to
		if err := backend.Store(ctx, target, data); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// walkTree visits src in lexical order, skipping excluded paths.
func walkTree(src string, exclude []string, fn func(rel string, d fs.DirEntry) error) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if archive.Excluded(rel, exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return fn(filepath.ToSlash(rel), d)
	})
}

func copyEntry(from, to string, d fs.DirEntry) error {
	if d.Type()&fs.ModeSymlink != 0 {
		link, err := os.Readlink(from)
		if err != nil {
			return err
		}
		return os.Symlink(link, to)
	}
	if !d.Type().IsRegular() {
		return nil
	}
	info, err := d.Info()
	if err != nil {
		return err
	}

	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
