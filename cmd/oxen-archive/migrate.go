package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/Oxen-AI/oxen-archive/pkg/migrate"
)

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "List and run repository migrations",
	}
	cmd.AddCommand(a.migrateListCmd(), a.migrateRunCmd())
	return cmd
}

func (a *app) migrateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, m := range migrate.Builtin().List() {
				fmt.Fprintf(out, "%-22s %s\n", m.Name, m.Description)
			}
			return nil
		},
	}
}

func (a *app) migrateRunCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "run <migration> [ns/repo...]",
		Short: "Apply a migration to repositories",
		Long: `Apply a migration to the named repositories, or to every repository in
backup.sync_dir with --all. Nothing is changed unless each target is in the
latest verified backup. The batch halts at the first repository that fails,
after rolling that repository back.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			name, repos := args[0], args[1:]
			if all == (len(repos) > 0) {
				return errors.New("specify repositories or --all")
			}

			svc, err := a.createManager(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, svc.Close()) }()

			if all {
				if repos, err = svc.manager.Discover(); err != nil {
					return err
				}
			}

			runner := migrate.NewRunner(migrate.Builtin(), svc.manager, a.env.Config.Backup.SyncDir)
			res, err := runner.Run(cmd.Context(), name, repos)
			if res != nil {
				out := cmd.OutOrStdout()
				if len(res.Applied) > 0 {
					fmt.Fprintf(out, "Applied %s to: %s\n", name, strings.Join(res.Applied, ", "))
				}
				if len(res.Skipped) > 0 {
					fmt.Fprintf(out, "Already applied: %s\n", strings.Join(res.Skipped, ", "))
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "migrate every repository in the sync directory")
	return cmd
}
