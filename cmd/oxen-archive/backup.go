package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/Oxen-AI/oxen-archive/pkg/backup"
)

func (a *app) backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up, list, restore and clean up repository backups",
	}
	cmd.AddCommand(
		a.backupRunCmd(),
		a.backupListCmd(),
		a.backupRestoreCmd(),
		a.backupCleanupCmd(),
		a.backupAuditCmd(),
	)
	return cmd
}

func (a *app) backupRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [ns/repo...]",
		Short: "Back up repositories to the configured destination",
		Long: `Copy each repository root to a new timestamped run at the destination and
verify it by its .oxen/config.toml marker. Without arguments every repository
found in backup.sync_dir is backed up. The batch halts at the first failure.`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			svc, err := a.createManager(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, svc.Close()) }()

			run, err := svc.manager.Backup(cmd.Context(), args)
			if run != nil {
				printRun(cmd.OutOrStdout(), run)
			}
			return err
		},
	}
}

func printRun(w io.Writer, run *backup.Run) {
	fmt.Fprintf(w, "Run %s: %d/%d repositories verified, %d files (%s)\n",
		run.ID, len(run.Verified), len(run.Repositories), run.Files, humanize.Bytes(uint64(run.Bytes)))
	for _, id := range run.Verified {
		fmt.Fprintf(w, "  ✅ %s\n", id)
	}
	if run.Failed != "" {
		fmt.Fprintf(w, "  ❌ %s: %s\n", run.Failed, run.Error)
	}
}

func (a *app) backupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded backup runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ledger, err := backup.OpenLedger(a.env.Config.Backup.StateDB)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, ledger.Close()) }()

			runs, err := ledger.Runs()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No backups found")
				return nil
			}

			fmt.Fprintln(out, strings.Repeat("─", 90))
			fmt.Fprintf(out, "%-26s %-9s %-10s %-12s %s\n", "RUN", "STATUS", "VERIFIED", "SIZE", "STARTED")
			fmt.Fprintln(out, strings.Repeat("─", 90))
			for _, r := range runs {
				status := "complete"
				if !r.Complete() {
					status = "failed"
				}
				fmt.Fprintf(out, "%-26s %-9s %-10s %-12s %s\n",
					r.ID,
					status,
					fmt.Sprintf("%d/%d", len(r.Verified), len(r.Repositories)),
					humanize.Bytes(uint64(r.Bytes)),
					humanize.Time(r.Started),
				)
			}
			fmt.Fprintln(out, strings.Repeat("─", 90))
			return nil
		},
	}
}

func (a *app) backupRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <run> <ns/repo> <dst>",
		Short: "Restore one repository from a backup run",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			dst, err := a.env.Abs(args[2])
			if err != nil {
				return err
			}
			svc, err := a.createManager(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, svc.Close()) }()

			n, err := svc.manager.Restore(cmd.Context(), args[0], args[1], dst)
			if err != nil {
				return fmt.Errorf("failed to restore backup: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s from run %s into %s (%d files)\n", args[1], args[0], dst, n)
			return nil
		},
	}
}

func (a *app) backupCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove old backups",
		Long: `Remove old backup runs while keeping the most recent complete ones according
to backup.retain_backups. A value of 0 keeps every run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			svc, err := a.createManager(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, svc.Close()) }()

			deleted, err := svc.manager.Cleanup(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to clean up backups: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(deleted) == 0 {
				fmt.Fprintln(out, "No backups needed to be cleaned up")
				return nil
			}
			for _, id := range deleted {
				fmt.Fprintf(out, "Deleted run %s\n", id)
			}
			fmt.Fprintf(out, "Successfully cleaned up %d old backup(s)\n", len(deleted))
			return nil
		},
	}
}

func (a *app) backupAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <valid-ids-file>",
		Short: "Compare the sync directory with a list of valid repositories",
		Long: `Read namespace/repository ids, one per line, and report which repositories
in backup.sync_dir are valid, which of those carry a marker file and which are
not in the list.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.env.Abs(args[0])
			if err != nil {
				return err
			}
			valid, err := readLines(path)
			if err != nil {
				return err
			}

			// Audit only reads the sync directory.
			m := backup.NewManager(a.env.Config.Backup, nil, nil)
			report, err := m.Audit(valid)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Valid: %d\nValid with marker: %d\nInvalid: %d\n",
				len(report.Valid), len(report.ValidWithMarker), len(report.Invalid))
			for _, id := range report.Invalid {
				fmt.Fprintf(out, "  invalid %s\n", id)
			}
			return nil
		},
	}
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}
