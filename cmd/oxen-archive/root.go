package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Oxen-AI/oxen-archive/pkg/backup"
	"github.com/Oxen-AI/oxen-archive/pkg/cmd"
	"github.com/Oxen-AI/oxen-archive/pkg/config"
	"github.com/Oxen-AI/oxen-archive/pkg/destination"
	"github.com/Oxen-AI/oxen-archive/pkg/logging"
)

// app carries the flags and configuration of one invocation.
type app struct {
	v       *viper.Viper
	env     *cmd.Env
	cfgFile string
	debug   bool
}

// Execute runs the CLI with args and closes whatever the command opened.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdin, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) (err error) {
	a := &app{v: viper.New(), env: &cmd.Env{}}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)
	defer func() { err = multierr.Append(err, a.env.Close()) }()
	return root.ExecuteContext(ctx)
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "oxen-archive",
		Short: "Versioned storage, backups and migrations for oxen repositories",
		Long: `oxen-archive stores repository content through a local, S3 or in-memory
backend, backs repository roots up to a remote destination, verifies each copy
by its marker file and gates migrations on a verified backup.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.env.Close()
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.config/oxen-archive/config.yaml)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVarP(&a.env.Dir, "directory", "C", "", "run as if started in this directory")

	root.AddCommand(
		cmd.InitCmd(a.env),
		cmd.AddCmd(a.env),
		cmd.RmCmd(a.env),
		cmd.CommitCmd(a.env),
		cmd.StatusCmd(a.env),
		cmd.CheckoutCmd(a.env),
		cmd.SaveCmd(a.env),
		cmd.LoadCmd(a.env),
		cmd.ForkCmd(a.env),
		cmd.ForkStatusCmd(a.env),
		cmd.KeygenCmd(a.env),
		a.backupCmd(),
		a.migrateCmd(),
		a.daemonCmd(),
	)
	return root
}

// initConfig reads in config file and ENV variables if set
func (a *app) initConfig() error {
	v := a.v
	config.SetDefaults(v)
	v.SetEnvPrefix("OXEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if a.cfgFile != "" {
		v.SetConfigFile(a.cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to find home directory: %w", err)
		}
		v.AddConfigPath(filepath.Join(home, ".config", "oxen-archive"))
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ExpandPaths()
	if err := cfg.Validate(); err != nil {
		return err
	}

	if a.debug {
		cfg.Logging.Level = "debug"
	}
	if err := logging.Init(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.L().Debug("configuration loaded",
		zap.String("file", v.ConfigFileUsed()),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("destination", cfg.Backup.Type))

	a.env.Config = &cfg
	return nil
}

// services are the backup dependencies opened for one command.
type services struct {
	manager *backup.Manager
	dest    destination.Destination
	docker  *backup.DockerQuiescer
	ledger  *backup.Ledger
}

func (s *services) Close() error {
	var err error
	if s.docker != nil {
		err = multierr.Append(err, s.docker.Close())
	}
	return multierr.Combine(err, s.ledger.Close(), s.dest.Close())
}

// createManager creates a new backup manager with the current configuration
func (a *app) createManager(ctx context.Context) (*services, error) {
	cfg := a.env.Config.Backup

	dest, err := destination.New(ctx, cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup destination: %w", err)
	}
	ledger, err := backup.OpenLedger(cfg.StateDB)
	if err != nil {
		dest.Close()
		return nil, err
	}
	s := &services{dest: dest, ledger: ledger}

	var opts []backup.Option
	if cfg.Docker != nil && cfg.Docker.Container != "" {
		if s.docker, err = backup.NewDockerQuiescer(cfg.Docker.Container); err != nil {
			s.Close()
			return nil, err
		}
		opts = append(opts, backup.WithQuiescer(s.docker))
	}
	s.manager = backup.NewManager(cfg, dest, ledger, opts...)
	return s, nil
}
