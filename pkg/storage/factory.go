package storage

import (
	"context"
	"fmt"
	"strings"
)

// Backend identifiers.
const (
	TypeLocal  = "local"
	TypeS3     = "s3"
	TypeMemory = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Backend string      `mapstructure:"backend" yaml:"backend"`
	Local   LocalConfig `mapstructure:"local" yaml:"local"`
	S3      S3Config    `mapstructure:"s3" yaml:"s3"`
}

// Open constructs the configured backend. An empty backend name selects local.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", TypeLocal:
		return NewLocal(cfg.Local)
	case TypeS3:
		return NewS3(ctx, cfg.S3)
	case TypeMemory:
		return NewMemory(), nil
	default:
		return nil, &Error{Backend: cfg.Backend, Op: "open", Kind: ErrUnavailable,
			Err: fmt.Errorf("unsupported storage backend %q", cfg.Backend)}
	}
}
