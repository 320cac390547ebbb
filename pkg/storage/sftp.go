package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/atelier-sh/atelier/pkg/telemetry"
)

// SFTPConfig configures the connection to the storage host.
type SFTPConfig struct {
	// Host is the storage host address.
	Host string `yaml:"host" validate:"required"`

	// Port is the SSH port.
	Port int `yaml:"port" validate:"required,min=1,max=65535"`

	// User is the SSH user.
	User string `yaml:"user" validate:"required"`

	// PrivateKeyPath points at the SSH private key file.
	PrivateKeyPath string `yaml:"private_key_path" validate:"required"`

	// HostKeyPath points at the known host public key. Required: storage
	// traffic is never sent to an unverified host.
	HostKeyPath string `yaml:"host_key_path" validate:"required"`

	// BaseDir is the root under which workspace directories live.
	BaseDir string `yaml:"base_dir" validate:"required"`

	// ConnectTimeout bounds the SSH dial.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// SFTPCollaborator manages workspace directories on a remote storage host
// over SFTP. Connections are established lazily and re-established after
// failures.
type SFTPCollaborator struct {
	config SFTPConfig
	logger *telemetry.Logger

	mu         sync.Mutex
	sshClient  *ssh.Client
	sftpClient *sftp.Client
}

// NewSFTPCollaborator creates a storage collaborator. No connection is made
// until the first operation.
func NewSFTPCollaborator(cfg SFTPConfig, logger *telemetry.Logger) *SFTPCollaborator {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &SFTPCollaborator{
		config: cfg,
		logger: logger.NewComponentLogger("storage"),
	}
}

// EnsureWorkspaceDirectory creates the directory for a workspace if needed.
func (s *SFTPCollaborator) EnsureWorkspaceDirectory(ctx context.Context, userID, workspaceID string) (string, error) {
	client, err := s.client()
	if err != nil {
		return "", err
	}

	dir := s.workspaceDir(userID, workspaceID)
	if err := client.MkdirAll(dir); err != nil {
		s.dropConnection()
		return "", fmt.Errorf("failed to create workspace directory %s: %w", dir, err)
	}

	s.logger.WithWorkspaceID(workspaceID).Debugf("workspace directory ready at %s", dir)
	return dir, nil
}

// DeleteWorkspaceDirectory removes a workspace directory recursively.
func (s *SFTPCollaborator) DeleteWorkspaceDirectory(ctx context.Context, userID, workspaceID string) (int, error) {
	client, err := s.client()
	if err != nil {
		return 0, err
	}

	dir := s.workspaceDir(userID, workspaceID)
	if _, err := client.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		s.dropConnection()
		return 0, fmt.Errorf("failed to stat workspace directory %s: %w", dir, err)
	}

	removed, err := s.removeAll(client, dir)
	if err != nil {
		return removed, fmt.Errorf("failed to remove workspace directory %s: %w", dir, err)
	}

	s.logger.WithWorkspaceID(workspaceID).Infof("removed workspace directory %s (%d entries)", dir, removed)
	return removed, nil
}

// Close tears down the SSH connection.
func (s *SFTPCollaborator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.sftpClient != nil {
		err = s.sftpClient.Close()
		s.sftpClient = nil
	}
	if s.sshClient != nil {
		if cerr := s.sshClient.Close(); err == nil {
			err = cerr
		}
		s.sshClient = nil
	}
	return err
}

func (s *SFTPCollaborator) workspaceDir(userID, workspaceID string) string {
	return path.Join(s.config.BaseDir, userID, workspaceID)
}

// removeAll deletes dir depth-first and counts removed entries. sftp has no
// recursive remove.
func (s *SFTPCollaborator) removeAll(client *sftp.Client, dir string) (int, error) {
	entries, err := client.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		target := path.Join(dir, entry.Name())
		if entry.IsDir() {
			n, err := s.removeAll(client, target)
			removed += n
			if err != nil {
				return removed, err
			}
		} else {
			if err := client.Remove(target); err != nil {
				return removed, err
			}
			removed++
		}
	}

	if err := client.RemoveDirectory(dir); err != nil {
		return removed, err
	}
	return removed + 1, nil
}

// client returns the cached SFTP client, dialing if necessary.
func (s *SFTPCollaborator) client() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sftpClient != nil {
		return s.sftpClient, nil
	}

	key, err := os.ReadFile(s.config.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeyBytes, err := os.ReadFile(s.config.HostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}
	hostKey, _, _, _, err := ssh.ParseAuthorizedKey(hostKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse host key: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            s.config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.FixedHostKey(hostKey),
		Timeout:         s.config.ConnectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	sshClient, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to storage host %s: %w", addr, err)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("failed to start sftp on %s: %w", addr, err)
	}

	s.sshClient = sshClient
	s.sftpClient = sftpClient
	s.logger.Infof("connected to storage host %s", addr)
	return sftpClient, nil
}

// dropConnection discards the cached clients so the next call redials.
func (s *SFTPCollaborator) dropConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sftpClient != nil {
		_ = s.sftpClient.Close()
		s.sftpClient = nil
	}
	if s.sshClient != nil {
		_ = s.sshClient.Close()
		s.sshClient = nil
	}
}
