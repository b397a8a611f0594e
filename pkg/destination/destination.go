// Package destination moves backup files to and from remote targets.
package destination

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/Oxen-AI/oxen-archive/pkg/storage"
)

// ErrNotFound is returned when a remote file does not exist.
var ErrNotFound = errors.New("remote file not found")

// Destination defines the interface for backup targets.
type Destination interface {
	// Upload copies a local file to remotePath, replacing any existing file.
	Upload(ctx context.Context, localPath, remotePath string) error

	// Download copies remotePath to a local file.
	Download(ctx context.Context, remotePath, localPath string) error

	// Exists checks whether remotePath is present.
	Exists(ctx context.Context, remotePath string) (bool, error)

	// List returns every file below prefix, sorted by path.
	List(ctx context.Context, prefix string) ([]RemoteFile, error)

	// Delete removes remotePath. Removing a missing file succeeds.
	Delete(ctx context.Context, remotePath string) error

	// Close closes any open connections.
	Close() error
}

// RemoteFile describes one file at a destination.
type RemoteFile struct {
	// Path is slash separated and relative to the destination root.
	Path    string
	Size    int64
	ModTime time.Time
}

// Destination types.
const (
	TypeS3    = "s3"
	TypeSFTP  = "sftp"
	TypeLocal = "local"
)

// Config selects and configures a destination.
type Config struct {
	Type  string           `mapstructure:"destination" yaml:"destination"`
	S3    storage.S3Config `mapstructure:"s3" yaml:"s3"`
	SFTP  SFTPConfig       `mapstructure:"sftp" yaml:"sftp"`
	Local LocalConfig      `mapstructure:"local" yaml:"local"`
}

// New creates the configured destination.
func New(ctx context.Context, cfg Config) (Destination, error) {
	switch strings.ToLower(cfg.Type) {
	case TypeS3:
		return NewS3(ctx, cfg.S3)
	case TypeSFTP:
		return NewSFTP(cfg.SFTP)
	case TypeLocal:
		return NewLocal(cfg.Local)
	case "":
		return nil, errors.New("no backup destination configured")
	default:
		return nil, fmt.Errorf("unsupported destination type: %s", cfg.Type)
	}
}

// Join builds a slash separated remote path, dropping empty segments.
func Join(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" && p != "." {
			kept = append(kept, p)
		}
	}
	return path.Join(kept...)
}
