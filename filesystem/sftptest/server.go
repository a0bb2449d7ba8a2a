// Package sftptest runs an in-process read-only SFTP server for tests.
package sftptest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/pkg/sftp"
	"github.com/telebroad/owftpd/keys"
	"golang.org/x/crypto/ssh"
)

// Server accepts SSH connections on a loopback port and serves the host filesystem read-only.
type Server struct {
	Addr     string
	Username string
	Password string
	HostKey  ssh.PublicKey

	listener  net.Listener
	sshConfig *ssh.ServerConfig
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewServer starts a server accepting username/password.
func NewServer(username, password string, logger *slog.Logger) (*Server, error) {
	signer, err := keys.NewSigner()
	if err != nil {
		return nil, fmt.Errorf("error generating host key: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Username: username,
		Password: password,
		HostKey:  signer.PublicKey(),
		logger:   logger.With("module", "sftptest"),
	}
	s.sshConfig = &ssh.ServerConfig{PasswordCallback: s.authHandler}
	s.sshConfig.AddHostKey(signer)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.Addr = s.listener.Addr().String()

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Close stops accepting and waits for open sessions to end.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("Failed to accept incoming connection", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sshHandler(conn)
		}()
	}
}

func (s *Server) authHandler(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
	if c.User() == s.Username && string(pass) == s.Password {
		return nil, nil
	}
	return nil, fmt.Errorf("password rejected for %q", c.User())
}

func (s *Server) sshHandler(conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		s.logger.Debug("Failed to handshake", "error", err)
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.logger.Error("Could not accept channel", "error", err)
			return
		}
		go filterHandler(requests)

		server, err := sftp.NewServer(channel, sftp.ReadOnly())
		if err != nil {
			s.logger.Error("Could not start sftp server", "error", err)
			_ = channel.Close()
			return
		}
		if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
			s.logger.Debug("sftp server completed with error", "error", err)
		}
		_ = server.Close()
	}
}

// filterHandler only lets the sftp subsystem through.
func filterHandler(in <-chan *ssh.Request) {
	for req := range in {
		ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
		if err := req.Reply(ok, nil); err != nil {
			return
		}
	}
}
