package cmd

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/Oxen-AI/oxen-archive/pkg/repo"
)

// AddCmd returns the add command
func AddCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "add <paths...>",
		Short: "Stage files for the next commit",
		Long: `Stage files and directories for the next commit. Paths are resolved
against the working directory and may point anywhere inside the repository,
including through "..".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			r, cwd, err := env.openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, r.Close()) }()

			added, err := r.Add(cmd.Context(), cwd, args...)
			if err != nil {
				return err
			}
			for _, p := range added {
				fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", p)
			}
			return nil
		},
	}
}

// RmCmd returns the rm command
func RmCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <paths...>",
		Short: "Remove files from the working tree and the index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			r, cwd, err := env.openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, r.Close()) }()

			removed, err := r.Rm(cmd.Context(), cwd, args...)
			if err != nil {
				return err
			}
			for _, p := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", p)
			}
			return nil
		},
	}
}

// CommitCmd returns the commit command
func CommitCmd(env *Env) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Record staged changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			r, _, err := env.openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, r.Close()) }()

			c, err := r.Commit(cmd.Context(), message)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s (%d files)\n", c.ID[:12], c.Message, c.Files)
			return nil
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.MarkFlagRequired("message")
	return cmd
}

// StatusCmd returns the status command
func StatusCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show staged, modified and tracked files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			r, _, err := env.openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, r.Close()) }()

			st, err := r.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			cfg := r.Config()
			fmt.Fprintf(out, "Repository %s/%s\n", cfg.Namespace, cfg.Name)
			if head, err := r.Head(); err == nil && head != nil {
				fmt.Fprintf(out, "Head %s %q, %s\n", head.ID[:12], head.Message, humanize.Time(head.Timestamp))
			}
			printSection(out, "Staged files", st.Staged)
			printSection(out, "Removed files", st.Removed)
			printSection(out, "Modified files", st.Modified)
			printSection(out, "Untracked files", st.Untracked)
			printSection(out, "Tracked files", st.Tracked)
			return nil
		},
	}
}

func printSection(w io.Writer, title string, paths []string) {
	if len(paths) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s:\n", title)
	for _, p := range paths {
		fmt.Fprintf(w, "  %s\n", p)
	}
}

// CheckoutCmd returns the checkout command
func CheckoutCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "checkout <paths...>",
		Short: "Restore tracked files from storage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			r, cwd, err := env.openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, r.Close()) }()

			restored, err := r.Checkout(cmd.Context(), cwd, args...)
			if err != nil {
				return err
			}
			for _, p := range restored {
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", p)
			}
			return nil
		},
	}
}

// ForkCmd returns the fork command
func ForkCmd(env *Env) *cobra.Command {
	var exclude []string

	cmd := &cobra.Command{
		Use:   "fork <src> <dst>",
		Short: "Copy a repository to a new location",
		Long: `Copy the repository at src to dst, which must not exist. Workspaces are
never copied. Progress is written to .oxen/fork_status.toml in dst and can be
read with fork-status.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := env.Abs(args[0])
			if err != nil {
				return err
			}
			dst, err := env.Abs(args[1])
			if err != nil {
				return err
			}
			backend, err := env.Backend(cmd.Context())
			if err != nil {
				return err
			}
			st, err := repo.Fork(cmd.Context(), backend, src, dst, exclude)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forked %s to %s (%s)\n", src, dst, st.State)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "additional doublestar patterns to skip")
	return cmd
}

// ForkStatusCmd returns the fork-status command
func ForkStatusCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "fork-status <repo>",
		Short: "Show the progress of a fork",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := env.Abs(args[0])
			if err != nil {
				return err
			}
			st, err := repo.ReadForkStatus(root)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch st.State {
			case repo.ForkCounting:
				fmt.Fprintf(out, "%s: %d files counted\n", st.State, st.Counted)
			case repo.ForkInProgress:
				fmt.Fprintf(out, "%s: %.0f%%\n", st.State, st.Progress)
			case repo.ForkFailed:
				fmt.Fprintf(out, "%s: %s\n", st.State, st.Error)
			default:
				fmt.Fprintf(out, "%s\n", st.State)
			}
			return nil
		},
	}
}

// Abs resolves p against the working directory.
func (e *Env) Abs(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	cwd, err := e.WorkDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, p), nil
}
