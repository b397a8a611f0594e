// Package archive packs a directory tree into a zstd-compressed tar stream
// and unpacks it again.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"
)

// ErrUnsafePath is returned by Extract for entries that would land outside
// the destination.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Stats summarizes one Create or Extract call.
type Stats struct {
	Entries int
	Bytes   int64
}

// Excluded reports whether rel, or any directory above it, matches one of
// the doublestar patterns.
func Excluded(rel string, patterns []string) bool {
	rel = filepath.ToSlash(rel)
	for _, pattern := range patterns {
		pattern = filepath.ToSlash(pattern)
		for dir := rel; dir != "." && dir != "/" && dir != ""; dir = filepath.ToSlash(filepath.Dir(dir)) {
			if matched, err := doublestar.Match(pattern, dir); err == nil && matched {
				return true
			}
		}
	}
	return false
}

// Create writes the tree under root to w. Entry names are relative to root
// and slash separated; the root itself is not recorded.
func Create(w io.Writer, root string, exclude []string) (Stats, error) {
	var stats Stats

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return stats, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}
		if rel == "." {
			return nil
		}
		if Excluded(rel, exclude) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", rel, err)
			}
		}
		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("failed to create tar header for %s: %w", rel, err)
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}
		stats.Entries++

		if !info.Mode().IsRegular() {
			return nil
		}
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer file.Close()
		n, err := io.Copy(tw, file)
		if err != nil {
			return fmt.Errorf("failed to write contents of %s: %w", rel, err)
		}
		stats.Bytes += n
		return nil
	})
	if walkErr != nil {
		tw.Close()
		zw.Close()
		return stats, walkErr
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return stats, fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return stats, fmt.Errorf("failed to finish zstd stream: %w", err)
	}
	return stats, nil
}

// target maps an entry name onto a path below dest.
func target(dest, name string) (string, error) {
	clean := filepath.FromSlash(strings.TrimSuffix(name, "/"))
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%s: %w", name, ErrUnsafePath)
	}
	return filepath.Join(dest, clean), nil
}

// Extract unpacks a stream written by Create into dest. Character and block
// devices are skipped. Existing files are overwritten.
func Extract(r io.Reader, dest string) (Stats, error) {
	var stats Stats

	zr, err := zstd.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return stats, fmt.Errorf("failed to create destination: %w", err)
	}

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read tar header: %w", err)
		}

		path, err := target(dest, header.Name)
		if err != nil {
			return stats, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return stats, fmt.Errorf("failed to create directory: %w", err)
		}
		mode := os.FileMode(header.Mode).Perm()

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, mode|0o700); err != nil {
				return stats, fmt.Errorf("failed to create directory: %w", err)
			}

		case tar.TypeReg:
			n, err := writeFile(path, tr, mode)
			if err != nil {
				return stats, err
			}
			stats.Bytes += n

		case tar.TypeSymlink:
			resolved := header.Linkname
			if !filepath.IsAbs(resolved) {
				resolved = filepath.Join(filepath.Dir(path), resolved)
			}
			if rel, err := filepath.Rel(dest, resolved); filepath.IsAbs(header.Linkname) || err != nil || !filepath.IsLocal(rel) {
				return stats, fmt.Errorf("%s -> %s: %w", header.Name, header.Linkname, ErrUnsafePath)
			}
			if err := replace(path, func() error { return os.Symlink(header.Linkname, path) }); err != nil {
				return stats, fmt.Errorf("failed to create symlink: %w", err)
			}

		case tar.TypeLink:
			source, err := target(dest, header.Linkname)
			if err != nil {
				return stats, err
			}
			if err := replace(path, func() error { return os.Link(source, path) }); err != nil {
				return stats, fmt.Errorf("failed to create hard link: %w", err)
			}

		case tar.TypeFifo:
			if err := replace(path, func() error { return unix.Mkfifo(path, uint32(mode)) }); err != nil {
				return stats, fmt.Errorf("failed to create fifo: %w", err)
			}

		case tar.TypeChar, tar.TypeBlock:
			continue

		default:
			return stats, fmt.Errorf("unsupported file type: %d in %s", header.Typeflag, header.Name)
		}
		stats.Entries++
	}
}

func writeFile(path string, r io.Reader, mode os.FileMode) (int64, error) {
	// A read-only file left by an earlier extraction must stay writable.
	if info, err := os.Lstat(path); err == nil && info.Mode().IsRegular() && info.Mode()&0o200 == 0 {
		if err := os.Chmod(path, info.Mode()|0o200); err != nil {
			return 0, fmt.Errorf("failed to make file writable: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	n, err := io.Copy(file, r)
	if err != nil {
		file.Close()
		return n, fmt.Errorf("failed to write file contents: %w", err)
	}
	return n, file.Close()
}

func replace(path string, create func() error) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return create()
}
