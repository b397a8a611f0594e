package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Oxen-AI/oxen-archive/pkg/crypto"
)

// KeygenCmd returns the keygen command
func KeygenCmd(env *Env) *cobra.Command {
	var keyFile string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the encryption key from a password",
		Long: `Derive the archive encryption key from a password and write it to
encryption.key_file. The same password always yields the same key, so a
lost key file can be regenerated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyFile == "" {
				keyFile = env.Config.Encryption.KeyFile
			}

			fmt.Fprint(cmd.ErrOrStderr(), "Enter password for encryption: ")
			password, err := readPassword(cmd.InOrStdin())
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			if len(password) == 0 {
				return errors.New("password must not be empty")
			}

			if err := crypto.GenerateAndSaveKey(password, keyFile); err != nil {
				return fmt.Errorf("failed to generate and save key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Key saved to %s\n", keyFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&keyFile, "key-file", "", "key file (default from encryption.key_file)")
	return cmd
}

// readPassword reads without echo from a terminal, or one line otherwise.
func readPassword(in io.Reader) ([]byte, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return term.ReadPassword(int(f.Fd()))
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}
