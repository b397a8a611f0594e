package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/Oxen-AI/oxen-archive/pkg/daemon"
)

func (a *app) daemonCmd() *cobra.Command {
	var testMode bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the oxen-archive daemon for scheduled backups",
		Long: `Run the daemon which backs up every repository in backup.sync_dir on
backup.schedule and then removes old runs. The daemon runs in the foreground
and can be stopped with Ctrl+C. When metrics.addr is set, Prometheus metrics
are served on /metrics.

In test mode (--test), it will validate:
- The backup schedule
- Sync directory existence and permissions
- Backup destination connectivity
- Docker connectivity (if configured)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			svc, err := a.createManager(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to create backup manager: %w", err)
			}
			defer func() { err = multierr.Append(err, svc.Close()) }()

			if testMode {
				return daemon.Validate(cmd.Context(), cmd.OutOrStdout(), a.checks(svc))
			}

			cfg := a.env.Config
			d, err := daemon.New(cfg.Backup.Schedule, svc.manager, daemon.WithMetrics(cfg.Metrics.Addr))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := d.Run(ctx); err != nil {
				return fmt.Errorf("daemon error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&testMode, "test", false, "Test the configuration without starting the daemon")
	return cmd
}

func (a *app) checks(svc *services) []daemon.Check {
	cfg := a.env.Config.Backup
	checks := []daemon.Check{
		daemon.ScheduleCheck(cfg.Schedule),
		daemon.DirectoryCheck("sync directory", cfg.SyncDir, false),
		{
			Name: fmt.Sprintf("%s destination is reachable", cfg.Type),
			Run: func(ctx context.Context) error {
				_, err := svc.dest.List(ctx, cfg.Prefix)
				return err
			},
		},
	}
	if svc.docker != nil {
		checks = append(checks, daemon.Check{
			Name: fmt.Sprintf("Docker container %s is accessible", cfg.Docker.Container),
			Run:  svc.docker.Validate,
		})
	}
	return checks
}
