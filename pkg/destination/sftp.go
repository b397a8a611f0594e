package destination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/sftp"
	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Oxen-AI/oxen-archive/pkg/logging"
)

// SFTPConfig holds the configuration for an SFTP target such as a Synology NAS.
type SFTPConfig struct {
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	Username       string `mapstructure:"username" yaml:"username"`
	KeyFile        string `mapstructure:"key_file" yaml:"key_file"`
	KnownHostsFile string `mapstructure:"known_hosts_file" yaml:"known_hosts_file"`
	Path           string `mapstructure:"path" yaml:"path"`
}

// SFTP implements Destination over SSH.
type SFTP struct {
	config     SFTPConfig
	sshClient  *ssh.Client
	sftpClient *sftp.Client
}

// NewSFTP dials the server and opens an SFTP session.
func NewSFTP(config SFTPConfig) (*SFTP, error) {
	log := logging.Named("sftp")
	if config.Port == 0 {
		config.Port = 22
	}

	keyFile, err := expandHome(config.KeyFile)
	if err != nil {
		return nil, err
	}
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key file %s: %w", keyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if config.KnownHostsFile != "" {
		knownHosts, err := expandHome(config.KnownHostsFile)
		if err != nil {
			return nil, err
		}
		if hostKeyCallback, err = knownhosts.New(knownHosts); err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	} else {
		log.Warn("host key verification disabled, set known_hosts_file to enable it")
	}

	sshConfig := &ssh.ClientConfig{
		User:            config.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
	}

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	sshClient, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	log.Debug("connected", logging.String("addr", addr), logging.String("path", config.Path))
	return &SFTP{config: config, sshClient: sshClient, sftpClient: sftpClient}, nil
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, p[2:]), nil
}

// Close closes the SFTP and SSH connections.
func (s *SFTP) Close() error {
	var err error
	if s.sftpClient != nil {
		err = multierr.Append(err, s.sftpClient.Close())
	}
	if s.sshClient != nil {
		err = multierr.Append(err, s.sshClient.Close())
	}
	if err != nil {
		return fmt.Errorf("errors closing connections: %w", err)
	}
	return nil
}

// remotePath maps a destination path onto the server. Synology exposes the
// user's home as the SFTP root, so absolute paths inside /volume1/homes/<user>
// are made relative.
func (s *SFTP) remotePath(name string) string {
	base := strings.TrimPrefix(s.config.Path, "./")
	full := path.Join(base, name)
	home := fmt.Sprintf("/volume1/homes/%s/", s.config.Username)
	if strings.HasPrefix(full, home) {
		full = strings.TrimPrefix(full, home)
	}
	if full == "" {
		return "."
	}
	return full
}

func (s *SFTP) mkdirAll(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if err := s.sftpClient.MkdirAll(dir); err == nil {
		return nil
	}

	// Some NAS firmwares reject MkdirAll on existing parents, so walk
	// component by component.
	current := ""
	for _, component := range strings.Split(dir, "/") {
		if component == "" || component == "." {
			continue
		}
		current = path.Join(current, component)
		if strings.HasPrefix(dir, "/") && !strings.HasPrefix(current, "/") {
			current = "/" + current
		}
		if err := s.sftpClient.Mkdir(current); err != nil {
			if info, statErr := s.sftpClient.Stat(current); statErr == nil && info.IsDir() {
				continue
			}
			return fmt.Errorf("failed to create directory %s: %w", current, err)
		}
	}
	return nil
}

// Upload writes to a sibling temporary file and renames it into place.
func (s *SFTP) Upload(ctx context.Context, localPath, remoteName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer localFile.Close()

	target := s.remotePath(remoteName)
	if err := s.mkdirAll(path.Dir(target)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}

	tmp := path.Join(path.Dir(target), ".partial-"+path.Base(target))
	remoteFile, err := s.sftpClient.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	if _, err := io.Copy(remoteFile, localFile); err != nil {
		remoteFile.Close()
		s.sftpClient.Remove(tmp)
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	if err := remoteFile.Close(); err != nil {
		s.sftpClient.Remove(tmp)
		return fmt.Errorf("failed to close remote file: %w", err)
	}

	if err := s.sftpClient.PosixRename(tmp, target); err != nil {
		// Servers without the posix-rename extension refuse to overwrite.
		s.sftpClient.Remove(target)
		if err := s.sftpClient.Rename(tmp, target); err != nil {
			return fmt.Errorf("failed to rename remote file: %w", err)
		}
	}
	return nil
}

func (s *SFTP) Download(ctx context.Context, remoteName, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remoteFile, err := s.sftpClient.Open(s.remotePath(remoteName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to open remote file %s: %w", remoteName, ErrNotFound)
		}
		return fmt.Errorf("failed to open remote file: %w", err)
	}
	defer remoteFile.Close()

	if err := writeFile(localPath, remoteFile); err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	return nil
}

func (s *SFTP) Exists(ctx context.Context, remoteName string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := s.sftpClient.Stat(s.remotePath(remoteName))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat remote file: %w", err)
	}
	return !info.IsDir(), nil
}

// List walks the remote tree below prefix.
func (s *SFTP) List(ctx context.Context, prefix string) ([]RemoteFile, error) {
	root := s.remotePath("")
	base := s.remotePath(prefix)

	var files []RemoteFile
	walker := s.sftpClient.Walk(base)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to list remote directory: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info := walker.Stat()
		if info.IsDir() || strings.HasPrefix(info.Name(), ".partial-") {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), root), "/")
		if root == "." {
			rel = strings.TrimPrefix(walker.Path(), "./")
		}
		files = append(files, RemoteFile{Path: rel, Size: info.Size(), ModTime: info.ModTime().UTC()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (s *SFTP) Delete(ctx context.Context, remoteName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.sftpClient.Remove(s.remotePath(remoteName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}
