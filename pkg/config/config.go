package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Oxen-AI/oxen-archive/pkg/destination"
	"github.com/Oxen-AI/oxen-archive/pkg/logging"
	"github.com/Oxen-AI/oxen-archive/pkg/storage"
)

// DefaultExclude keeps ephemeral workspaces out of backups and forks.
var DefaultExclude = []string{".oxen/workspaces/**"}

// Config represents the main configuration structure
type Config struct {
	Storage storage.Config `yaml:"storage" mapstructure:"storage"`

	Repository Repository `yaml:"repository" mapstructure:"repository"`

	Backup BackupConfiguration `yaml:"backup" mapstructure:"backup"`

	Encryption struct {
		KeyFile string `yaml:"key_file" mapstructure:"key_file"`
	} `yaml:"encryption" mapstructure:"encryption"`

	Logging logging.Config `yaml:"logging" mapstructure:"logging"`

	Metrics struct {
		Addr string `yaml:"addr" mapstructure:"addr"`
	} `yaml:"metrics" mapstructure:"metrics"`
}

// Repository holds defaults for repositories created by init.
type Repository struct {
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// BackupConfiguration represents backup-specific settings
type BackupConfiguration struct {
	SyncDir       string   `yaml:"sync_dir" mapstructure:"sync_dir"`
	Prefix        string   `yaml:"prefix" mapstructure:"prefix"`
	Schedule      string   `yaml:"schedule" mapstructure:"schedule"`
	RetainBackups int      `yaml:"retain_backups" mapstructure:"retain_backups"`
	Workers       int      `yaml:"workers" mapstructure:"workers"`
	StateDB       string   `yaml:"state_db" mapstructure:"state_db"`
	Exclude       []string `yaml:"exclude,omitempty" mapstructure:"exclude,omitempty"`
	Docker        *Docker  `yaml:"docker,omitempty" mapstructure:"docker,omitempty"`
	PreBackup     *Command `yaml:"pre_backup,omitempty" mapstructure:"pre_backup,omitempty"`

	destination.Config `yaml:",inline" mapstructure:",squash"`
}

// Docker represents Docker-specific configuration
type Docker struct {
	Container string `yaml:"container" mapstructure:"container"`
}

// Command represents a command to be executed
type Command struct {
	Command     string            `yaml:"command" mapstructure:"command"`
	WorkingDir  string            `yaml:"working_dir,omitempty" mapstructure:"working_dir,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty" mapstructure:"environment,omitempty"`
	Timeout     string            `yaml:"timeout,omitempty" mapstructure:"timeout,omitempty"`
}

// defaults lists every default as a viper key so the file loader and the CLI agree.
func defaults() map[string]any {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".config", "oxen-archive")
	return map[string]any{
		"storage.backend":                storage.TypeLocal,
		"storage.local.root":             "/var/oxen/data",
		"storage.s3.region":              "us-east-1",
		"storage.s3.bucket":              storage.DefaultBucket,
		"storage.s3.prefix":              "versions",
		"storage.s3.multipart_threshold": storage.DefaultMultipartThreshold,
		"storage.s3.timeout":             storage.DefaultS3Timeout,
		"storage.s3.max_attempts":        3,
		"repository.namespace":           "local",
		"backup.sync_dir":                "/var/oxen/data",
		"backup.destination":             destination.TypeS3,
		"backup.prefix":                  "backups",
		"backup.schedule":                "0 3 * * *",
		"backup.retain_backups":          7,
		"backup.workers":                 4,
		"backup.state_db":                filepath.Join(base, "state.db"),
		"backup.exclude":                 DefaultExclude,
		"backup.local.root":              filepath.Join(base, "backups"),
		"backup.s3.bucket":               storage.DefaultBucket,
		"backup.s3.region":               "us-east-1",
		"backup.sftp.port":               22,
		"encryption.key_file":            filepath.Join(base, "key"),
		"logging.level":                  "info",
		"logging.format":                 "console",
		"logging.output":                 "stderr",
	}
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("invalid default configuration: %v", err))
	}
	return &cfg
}

// LoadConfig loads the configuration from a file on top of the defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ExpandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandPaths resolves a leading ~/ in every path setting.
func (c *Config) ExpandPaths() {
	for _, p := range []*string{
		&c.Storage.Local.Root,
		&c.Backup.SyncDir,
		&c.Backup.StateDB,
		&c.Backup.Local.Root,
		&c.Backup.SFTP.KeyFile,
		&c.Backup.SFTP.KnownHostsFile,
		&c.Encryption.KeyFile,
	} {
		*p = ExpandHome(*p)
	}
}

// Validate checks the settings that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case storage.TypeLocal, storage.TypeS3, storage.TypeMemory, "":
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unsupported backend %q", c.Storage.Backend))
	}
	if c.Backup.RetainBackups < 0 {
		errs = append(errs, errors.New("backup.retain_backups must not be negative"))
	}
	if c.Backup.Workers < 0 {
		errs = append(errs, errors.New("backup.workers must not be negative"))
	}
	return errors.Join(errs...)
}

// ExpandHome replaces a leading ~/ with the user's home directory.
func ExpandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
