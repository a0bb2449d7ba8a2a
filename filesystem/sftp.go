package filesystem

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"path"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

var _ FS = (*SFTPFS)(nil)

// SFTPConfig holds the settings needed to reach a remote tree over SFTP.
type SFTPConfig struct {
	Addr     string
	Username string
	Password string
	// Signer is used for public key auth when not nil.
	Signer ssh.Signer
	// HostKeyCallback verifies the server; keys.PinnedHostKey builds one.
	// It is required unless InsecureIgnoreHostKey is set.
	HostKeyCallback       ssh.HostKeyCallback
	InsecureIgnoreHostKey bool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// BaseDir is the remote directory served as "/".
	BaseDir string
	Timeout time.Duration
}

// SFTPFS serves a directory of a remote SFTP server read-only.
type SFTPFS struct {
	Classifier
	client    *sftp.Client
	sshClient *ssh.Client
	base      string
}

// ErrNoHostKeyCheck is returned by DialSFTP when the config has no way to verify the server.
var ErrNoHostKeyCheck = errors.New("sftp: no host key callback and InsecureIgnoreHostKey not set")

// DialSFTP connects to the server described by cfg.
func DialSFTP(cfg SFTPConfig) (*SFTPFS, error) {
	auth := []ssh.AuthMethod{}
	if cfg.Signer != nil {
		auth = append(auth, ssh.PublicKeys(cfg.Signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hostKey := cfg.HostKeyCallback
	if hostKey == nil {
		if !cfg.InsecureIgnoreHostKey {
			return nil, ErrNoHostKeyCheck
		}
		logger.Warn("SFTP host key is not verified", "addr", cfg.Addr)
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	sshClient, err := ssh.Dial("tcp", cfg.Addr, &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh dial failed: %w", err)
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("sftp client failed: %w", err)
	}
	return &SFTPFS{client: client, sshClient: sshClient, base: cleanPath(cfg.BaseDir)}, nil
}

// Close closes the SFTP session and the SSH connection under it.
func (s *SFTPFS) Close() error {
	var result *multierror.Error
	if err := s.client.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing sftp client: %w", err))
	}
	if err := s.sshClient.Close(); err != nil && !errors.Is(err, io.EOF) {
		result = multierror.Append(result, fmt.Errorf("closing ssh client: %w", err))
	}
	return result.ErrorOrNil()
}

func (s *SFTPFS) remote(absPath string) string {
	return path.Join(s.base, cleanPath(absPath))
}

// Resolve returns the metadata of absPath.
func (s *SFTPFS) Resolve(absPath string) (Entry, error) {
	absPath = cleanPath(absPath)
	info, err := s.client.Stat(s.remote(absPath))
	if err != nil {
		return Entry{}, fmt.Errorf("error resolving %s: %w", absPath, err)
	}
	name := path.Base(absPath)
	return s.Entry(name, info), nil
}

// ResolveIn returns the metadata of name inside dir.
func (s *SFTPFS) ResolveIn(dir, name string) (Entry, error) {
	return s.Resolve(path.Join(cleanPath(dir), name))
}

// ListDir yields the entries of absPath in the order the server sends them.
func (s *SFTPFS) ListDir(absPath string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		infos, err := s.client.ReadDir(s.remote(absPath))
		if err != nil {
			yield(Entry{}, fmt.Errorf("error reading directory %s: %w", absPath, err))
			return
		}
		for _, info := range infos {
			if !yield(s.Entry("", info), nil) {
				return
			}
		}
	}
}

// Read returns up to length bytes of absPath starting at offset.
func (s *SFTPFS) Read(absPath string, offset, length int64) ([]byte, error) {
	f, err := s.client.Open(s.remote(absPath))
	if err != nil {
		return nil, fmt.Errorf("error opening file %s: %w", absPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("error getting file info: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("error reading %s: %w", absPath, ErrIsDir)
	}
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error reading file %s: %w", absPath, err)
	}
	return buf[:n], nil
}
