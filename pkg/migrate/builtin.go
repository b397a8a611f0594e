package migrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/Oxen-AI/oxen-archive/pkg/repo"
)

// Builtin returns the registry of migrations shipped with the binary.
func Builtin() *Registry {
	return NewRegistry(ShardVersionFiles(), StampMinVersion(repo.MinVersion))
}

func versionsDir(root string) string {
	return filepath.Join(root, repo.OxenDir, "versions", "files")
}

func isObjectID(name string) bool {
	if len(name) < 3 {
		return false
	}
	for _, c := range name {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

type move struct{ from, to string }

// ShardVersionFiles moves flat version entries, files/<id>, into the
// sharded layout files/<id[:2]>/<id[2:]>. A flat file becomes the
// object's data file; a flat directory keeps its data and chunk files.
func ShardVersionFiles() Migration {
	return Migration{
		Name:        "shard-version-files",
		Description: "move flat version files into two-character shard directories",
		Apply: func(ctx context.Context, root string) (func() error, error) {
			dir := versionsDir(root)
			entries, err := os.ReadDir(dir)
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read versions: %w", err)
			}

			var done []move
			rollback := func() error {
				var errs error
				for i := len(done) - 1; i >= 0; i-- {
					if err := os.Rename(done[i].to, done[i].from); err != nil {
						errs = multierr.Append(errs, err)
						continue
					}
					pruneEmpty(filepath.Dir(done[i].to), dir)
				}
				return errs
			}

			for _, e := range entries {
				if err := ctx.Err(); err != nil {
					return rollback, err
				}
				if !isObjectID(e.Name()) {
					continue
				}
				id := e.Name()
				shard := filepath.Join(dir, id[:2], id[2:])
				from := filepath.Join(dir, id)
				to := shard
				if !e.IsDir() {
					to = filepath.Join(shard, "data")
				}
				if _, err := os.Lstat(to); err == nil {
					return rollback, fmt.Errorf("%s: already sharded", id)
				}
				if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
					return rollback, fmt.Errorf("failed to create shard for %s: %w", id, err)
				}
				if err := os.Rename(from, to); err != nil {
					return rollback, fmt.Errorf("failed to move %s: %w", id, err)
				}
				done = append(done, move{from: from, to: to})
			}
			return rollback, nil
		},
	}
}

// pruneEmpty removes empty directories from dir up to, but excluding, stop.
func pruneEmpty(dir, stop string) {
	for dir != stop && strings.HasPrefix(dir, stop) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// StampMinVersion raises the descriptor's min_version to version.
func StampMinVersion(version string) Migration {
	return Migration{
		Name:        "stamp-min-version",
		Description: "raise min_version in .oxen/config.toml to " + version,
		Apply: func(ctx context.Context, root string) (func() error, error) {
			original, err := os.ReadFile(repo.MarkerPath(root))
			if err != nil {
				return nil, fmt.Errorf("failed to read descriptor: %w", err)
			}
			info, err := os.Stat(repo.MarkerPath(root))
			if err != nil {
				return nil, err
			}
			rollback := func() error {
				return os.WriteFile(repo.MarkerPath(root), original, info.Mode().Perm())
			}

			cfg, err := repo.ReadConfig(root)
			if err != nil {
				return nil, err
			}
			if CompareVersions(cfg.MinVersion, version) >= 0 {
				return nil, nil
			}
			cfg.MinVersion = version
			if err := repo.WriteConfig(root, cfg); err != nil {
				return rollback, err
			}
			return rollback, nil
		},
	}
}

// CompareVersions compares dotted numeric versions. Missing or non-numeric
// components count as zero.
func CompareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < max(len(as), len(bs)); i++ {
		var x, y int
		if i < len(as) {
			x, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			y, _ = strconv.Atoi(bs[i])
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}
