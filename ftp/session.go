package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/telebroad/owftpd/tools"
)

// ErrSessionTerminated is the cancellation cause of a session ended by the watchdog or Shutdown.
var ErrSessionTerminated = errors.New("session terminated")

// errQuit ends the command loop after QUIT has been answered.
var errQuit = errors.New("quit")

const (
	typeASCII byte = 'A'
	typeImage byte = 'I'

	structureFile   byte = 'F'
	structureRecord byte = 'R'
)

type dataMode int

const (
	dataNone dataMode = iota
	dataActive
	dataPassive
)

func (m dataMode) String() string {
	switch m {
	case dataActive:
		return "active"
	case dataPassive:
		return "passive"
	}
	return "none"
}

// session is the state of one control connection.
type session struct {
	id     string
	server *Server
	conn   net.Conn
	stream *LineStream
	logger *slog.Logger
	watch  WatchEntry

	ctx          context.Context
	cancel       context.CancelCauseFunc
	stopDeadline func() bool
	started      time.Time

	// counter is incremented for every parsed command and may wrap.
	counter      uint32
	transferType byte
	structure    byte
	restOffset   int64
	restCounter  uint32
	restValid    bool
	epsvAll      bool
	cwd          string

	clientIP netip.Addr
	serverIP netip.Addr

	dataMode   dataMode
	activeAddr netip.AddrPort
	pasv       net.Listener
}

func newSession(server *Server, conn net.Conn) *session {
	s := &session{
		id:           uuid.NewString(),
		server:       server,
		conn:         conn,
		started:      time.Now(),
		transferType: typeASCII,
		structure:    structureFile,
		cwd:          "/",
		clientIP:     addrOf(conn.RemoteAddr()),
		serverIP:     addrOf(conn.LocalAddr()),
	}
	s.logger = server.Logger().With("session_id", s.id, "remote_ip", s.clientIP.String())
	s.stream = NewLineStream(tools.NewLogReadWriter(conn, s.logger, redactCommand))
	s.ctx, s.cancel = context.WithCancelCause(server.ctx)
	// unblock whatever the session is waiting on once it is cancelled
	s.stopDeadline = context.AfterFunc(s.ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return s
}

// addrOf returns the unmapped IP of a network address.
func addrOf(a net.Addr) netip.Addr {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.AddrPort().Addr().Unmap()
	}
	if a == nil {
		return netip.Addr{}
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}

// redactCommand hides PASS arguments in text that may hold several lines.
func redactCommand(text string) string {
	lines := strings.SplitAfter(text, "\n")
	for i, line := range lines {
		if len(line) >= 4 && strings.EqualFold(line[:4], PASS) {
			lines[i] = PASS + " ****"
			if strings.HasSuffix(line, "\n") {
				lines[i] += "\n"
			}
		}
	}
	return strings.Join(lines, "")
}

// Terminate ends the session from another goroutine. No reply is sent.
func (s *session) Terminate() {
	s.cancel(ErrSessionTerminated)
}

// family returns 4 or 6 for the control connection's address family.
func (s *session) family() int {
	if s.clientIP.Is4() {
		return 4
	}
	return 6
}

func (s *session) serve() {
	defer s.close()

	s.logger.Info("session_started")
	if err := s.reply(StatusServiceReadyForNewUser, s.server.Welcome); err != nil {
		return
	}

	for {
		line, complete, err := s.stream.ReadLine(LineBufferSize)
		if err != nil {
			s.logEnd(err)
			return
		}
		if !complete {
			s.logger.Warn("command line too long")
			if err := s.reply(StatusSyntaxError, "Command line too long."); err != nil {
				return
			}
			if err := s.stream.SkipLine(); err != nil {
				s.logEnd(err)
				return
			}
			continue
		}

		cmd, ok := ParseCommand(line)
		if !ok {
			s.server.metrics.command("invalid")
			s.logger.Debug("unrecognized command", "line", tools.IsPrintable(redactCommand(line)))
			if err := s.reply(StatusSyntaxError, "Syntax error, command unrecognized."); err != nil {
				return
			}
			continue
		}

		s.counter++
		s.server.Watchdog().Refresh(&s.watch)
		s.server.metrics.command(cmd.Verb)

		if err := s.handleCommand(cmd); err != nil {
			if !errors.Is(err, errQuit) {
				s.logEnd(err)
			}
			return
		}
	}
}

func (s *session) logEnd(err error) {
	switch {
	case errors.Is(context.Cause(s.ctx), ErrSessionTerminated):
		s.logger.Info("session terminated")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.logger.Debug("client disconnected")
	default:
		s.logger.Warn("control connection error", "error", err)
	}
}

// close releases every resource the session holds.
func (s *session) close() {
	s.closePassive()
	s.stopDeadline()
	s.cancel(nil)
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("error closing control connection", "error", err)
	}
	s.logger.Info("session_ended", "duration", time.Since(s.started).Round(time.Millisecond).String(), "commands", s.counter)
}

// reply sends a single line reply.
func (s *session) reply(code int, message string) error {
	s.server.metrics.reply(code)
	if _, err := fmt.Fprintf(s.stream, "%d %s\r\n", code, message); err != nil {
		return fmt.Errorf("writing reply %d: %w", code, err)
	}
	return nil
}

// replyLines sends a multi-line reply; every line but the last uses "NNN-".
func (s *session) replyLines(code int, lines ...string) error {
	if len(lines) == 0 {
		return s.reply(code, "")
	}
	s.server.metrics.reply(code)
	var sb strings.Builder
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(&sb, "%d%s%s\r\n", code, sep, line)
	}
	if _, err := io.WriteString(s.stream, sb.String()); err != nil {
		return fmt.Errorf("writing reply %d: %w", code, err)
	}
	return nil
}

// absPath resolves p against the current directory. The result never climbs above "/".
func (s *session) absPath(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Join(s.cwd, p)
}

// takeRestart returns the REST offset if REST was the previous command, and clears it.
func (s *session) takeRestart() int64 {
	offset := int64(0)
	if s.restValid && s.restCounter == s.counter-1 {
		offset = s.restOffset
	}
	s.restValid = false
	s.restOffset = 0
	return offset
}
