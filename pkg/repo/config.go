package repo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	// OxenDir holds repository metadata.
	OxenDir = ".oxen"

	// MarkerFile is the repository descriptor. Its presence identifies a
	// repository root and is what backup verification checks for.
	MarkerFile = OxenDir + "/config.toml"

	// MinVersion is stamped into new descriptors.
	MinVersion = "0.19.0"
)

// Config is the on-disk repository descriptor.
type Config struct {
	Namespace  string    `toml:"namespace"`
	Name       string    `toml:"name"`
	MinVersion string    `toml:"min_version"`
	Created    time.Time `toml:"created"`
	Migrations []string  `toml:"migrations,omitempty"`
}

// HasMigration reports whether the named migration was already applied.
func (c *Config) HasMigration(name string) bool {
	return slices.Contains(c.Migrations, name)
}

// MarkerPath returns the descriptor path of the repository at root.
func MarkerPath(root string) string {
	return filepath.Join(root, filepath.FromSlash(MarkerFile))
}

// IsRepository reports whether root holds a descriptor.
func IsRepository(root string) bool {
	info, err := os.Stat(MarkerPath(root))
	return err == nil && !info.IsDir()
}

// ReadConfig loads the descriptor of the repository at root.
func ReadConfig(root string) (*Config, error) {
	data, err := os.ReadFile(MarkerPath(root))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", root, ErrNotRepository)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read repository config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse repository config: %w", err)
	}
	return &cfg, nil
}

// WriteConfig atomically replaces the descriptor of the repository at root.
func WriteConfig(root string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode repository config: %w", err)
	}
	return writeFileAtomic(MarkerPath(root), data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
