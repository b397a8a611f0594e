package cmd

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Oxen-AI/oxen-archive/pkg/archive"
	"github.com/Oxen-AI/oxen-archive/pkg/crypto"
	"github.com/Oxen-AI/oxen-archive/pkg/repo"
)

// SaveCmd returns the save command
func SaveCmd(env *Env) *cobra.Command {
	var (
		encrypt bool
		keyFile string
		from    string
	)

	cmd := &cobra.Command{
		Use:   "save <archive>",
		Short: "Write the repository to a compressed archive",
		Long: `Write the repository containing the working directory, or --repo, to a
zstd compressed tar archive. With --encrypt the archive is sealed with the
key from encryption.key_file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := env.WorkDir()
			if err != nil {
				return err
			}
			if from != "" {
				if start, err = env.Abs(from); err != nil {
					return err
				}
			}
			root, err := repo.FindRoot(start)
			if err != nil {
				return err
			}
			dst, err := env.Abs(args[0])
			if err != nil {
				return err
			}

			var key []byte
			if encrypt {
				if keyFile == "" {
					keyFile = env.Config.Encryption.KeyFile
				}
				if key, _, err = crypto.LoadKey(keyFile); err != nil {
					return fmt.Errorf("failed to load encryption key: %w", err)
				}
			}

			var stats archive.Stats
			err = writeAtomic(dst, func(w io.Writer) error {
				if key == nil {
					stats, err = archive.Create(w, root, env.Config.Backup.Exclude)
					return err
				}
				var buf bytes.Buffer
				if stats, err = archive.Create(&buf, root, env.Config.Backup.Exclude); err != nil {
					return err
				}
				sealed, err := crypto.Seal(key, buf.Bytes())
				if err != nil {
					return fmt.Errorf("failed to encrypt archive: %w", err)
				}
				_, err = w.Write(sealed)
				return err
			})
			if err != nil {
				return fmt.Errorf("failed to save archive: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d entries (%s) to %s\n",
				stats.Entries, humanize.Bytes(uint64(stats.Bytes)), dst)
			return nil
		},
	}

	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "encrypt the archive")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "key file (default from encryption.key_file)")
	cmd.Flags().StringVar(&from, "repo", "", "repository to save (default: the one containing the working directory)")
	return cmd
}

// LoadCmd returns the load command
func LoadCmd(env *Env) *cobra.Command {
	var keyFile string

	cmd := &cobra.Command{
		Use:   "load <archive> <dest>",
		Short: "Extract an archive written by save",
		Long: `Extract an archive written by save into dest. Encrypted archives are
detected and opened with the key from encryption.key_file.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := env.Abs(args[0])
			if err != nil {
				return err
			}
			dest, err := env.Abs(args[1])
			if err != nil {
				return err
			}

			f, err := os.Open(src)
			if err != nil {
				return fmt.Errorf("failed to open archive: %w", err)
			}
			defer f.Close()

			br := bufio.NewReader(f)
			var r io.Reader = br
			if head, _ := br.Peek(len(crypto.Magic)); crypto.IsSealed(head) {
				if keyFile == "" {
					keyFile = env.Config.Encryption.KeyFile
				}
				key, _, err := crypto.LoadKey(keyFile)
				if err != nil {
					return fmt.Errorf("failed to load encryption key: %w", err)
				}
				sealed, err := io.ReadAll(br)
				if err != nil {
					return fmt.Errorf("failed to read archive: %w", err)
				}
				plain, err := crypto.Open(key, sealed)
				if err != nil {
					return fmt.Errorf("failed to decrypt archive: %w", err)
				}
				r = bytes.NewReader(plain)
			}

			stats, err := archive.Extract(r, dest)
			if err != nil {
				return fmt.Errorf("failed to extract archive: %w", err)
			}
			if !repo.IsRepository(dest) {
				return fmt.Errorf("%s: %w", dest, repo.ErrNotRepository)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d entries (%s) into %s\n",
				stats.Entries, humanize.Bytes(uint64(stats.Bytes)), dest)
			return nil
		},
	}

	cmd.Flags().StringVar(&keyFile, "key-file", "", "key file (default from encryption.key_file)")
	return cmd
}

// writeAtomic writes path through a temp file in the same directory.
func writeAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
