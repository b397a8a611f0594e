package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Oxen-AI/oxen-archive/pkg/repo"
)

// InitCmd returns the init command
func InitCmd(env *Env) *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Initialize an oxen repository",
		Long: `Initialize an oxen repository by writing .oxen/config.toml at path,
or in the working directory when no path is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := env.WorkDir()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				if root, err = env.Abs(args[0]); err != nil {
					return err
				}
			}
			if namespace == "" {
				namespace = env.Config.Repository.Namespace
			}

			cfg, err := repo.Init(root, namespace)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized empty oxen repository %s/%s in %s\n",
				cfg.Namespace, cfg.Name, root)
			return nil
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "repository namespace (default from repository.namespace)")
	return cmd
}
