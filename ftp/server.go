package ftp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/telebroad/owftpd/filesystem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/netutil"
)

const tracerName = "github.com/telebroad/owftpd/ftp"

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("ftp: server closed")

const (
	DefaultWelcome          = "owftpd ready, read-only access."
	DefaultIdleTimeout      = 15 * time.Minute
	DefaultDataTimeout      = 30 * time.Second
	DefaultWatchdogInterval = time.Second
	DefaultChunkSize        = 32 * 1024
)

// Server serves a filesystem.FS read-only over FTP.
type Server struct {
	// Addr is the TCP address to listen on, in the form "host:port".
	Addr string

	// FS is the backing store.
	FS filesystem.FS

	// Welcome is the text of the 220 greeting.
	Welcome string

	// IdleTimeout is how long a session may go without a command.
	IdleTimeout time.Duration

	// DataTimeout bounds opening a data connection and each write on it.
	DataTimeout time.Duration

	// PasvMinPort and PasvMaxPort restrict passive listeners when both are set.
	// Otherwise ports are drawn from 1024-65535.
	PasvMinPort int
	PasvMaxPort int

	// MaxConnections limits concurrent control connections; 0 is unlimited.
	MaxConnections int

	// ChunkSize is how much is read from the backing store per call during RETR.
	ChunkSize int

	publicIPv4 netip.Addr

	logger           *slog.Logger
	metrics          *Metrics
	tracer           trace.Tracer
	watchdog         *Watchdog
	watchdogInterval time.Duration
	watchdogOnce     sync.Once

	rngMu sync.Mutex
	rng   *rand.Rand

	sessionManager *SessionManager

	mu         sync.Mutex
	listener   net.Listener
	inShutdown atomic.Bool
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewServer returns a server for fsys on addr.
func NewServer(addr string, fsys filesystem.FS, options ...Option) (*Server, error) {
	if fsys == nil {
		return nil, errors.New("ftp: filesystem is required")
	}
	s := &Server{
		Addr:             addr,
		FS:               fsys,
		Welcome:          DefaultWelcome,
		IdleTimeout:      DefaultIdleTimeout,
		DataTimeout:      DefaultDataTimeout,
		ChunkSize:        DefaultChunkSize,
		watchdogInterval: DefaultWatchdogInterval,
		sessionManager:   NewSessionManager(),
	}
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64()))
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// SetLogger sets the logger for the server.
func (s *Server) SetLogger(l *slog.Logger) {
	s.logger = l
}

// Logger returns the logger for the server.
func (s *Server) Logger() *slog.Logger {
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s.logger
}

// SetPublicServerIPv4 sets the address advertised in PASV and LPSV replies instead of
// the local address of the control connection.
func (s *Server) SetPublicServerIPv4(ip string) error {
	if ip == "" {
		s.publicIPv4 = netip.Addr{}
		return nil
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("error parsing public ip: %w", err)
	}
	if !addr.Unmap().Is4() {
		return fmt.Errorf("public ip %s is not IPv4", ip)
	}
	s.publicIPv4 = addr.Unmap()
	return nil
}

// Watchdog returns the idle watchdog, creating it on first use.
func (s *Server) Watchdog() *Watchdog {
	s.watchdogOnce.Do(func() {
		s.watchdog = NewWatchdog(s.IdleTimeout, s.watchdogInterval)
		s.watchdog.OnExpire = func(t Terminator) {
			s.metrics.watchdogTerminated()
			if sess, ok := t.(*session); ok {
				sess.logger.Info("session idle, terminating", "idle_timeout", s.IdleTimeout)
			}
		}
		go s.watchdog.Run(s.ctx)
	})
	return s.watchdog
}

// ListenAddr returns the address the server listens on, or nil before Listen.
func (s *Server) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen opens the control listener without accepting yet.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.Addr, err)
	}
	if s.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.MaxConnections)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return ln, nil
}

// ListenAndServe listens on Addr and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	s.Logger().Info("FTP server listening", "addr", ln.Addr().String())
	return s.Serve(ln)
}

// TryListenAndServe starts the server in the background. It returns the error
// if the server fails within d, nil otherwise.
func (s *Server) TryListenAndServe(d time.Duration) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	errC := make(chan error, 1)
	go func() {
		errC <- s.Serve(ln)
	}()

	select {
	case err := <-errC:
		if errors.Is(err, ErrServerClosed) {
			return nil
		}
		return err
	case <-time.After(d):
		return nil
	}
}

// Serve accepts control connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		_ = l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	watchdog := s.Watchdog()
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.Logger().Error("Error accepting connection", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(conn, watchdog)
	}
}

func (s *Server) handleConnection(conn net.Conn, watchdog *Watchdog) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.Logger().Error("Recovered from panic", "panic", r, "stack", string(debug.Stack()))
			_ = conn.Close()
		}
	}()

	sess := newSession(s, conn)
	s.sessionManager.Add(sess)
	defer s.sessionManager.Remove(sess.id)

	watchdog.Register(&sess.watch, sess)
	defer watchdog.Unregister(&sess.watch)

	s.metrics.sessionStarted()
	defer s.metrics.sessionEnded()

	sess.serve()
}

// Shutdown stops accepting, terminates every session and waits for them to
// finish or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)

	var result *multierror.Error
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("closing listener: %w", err))
		}
	}

	s.sessionManager.TerminateAll()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("waiting for sessions: %w", ctx.Err()))
	}
	return result.ErrorOrNil()
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	return s.sessionManager.Len()
}

// randomPort draws a passive port.
func (s *Server) randomPort() int {
	lo, hi := MinDataPort, 65535
	if s.PasvMinPort > 0 && s.PasvMaxPort >= s.PasvMinPort {
		lo, hi = s.PasvMinPort, s.PasvMaxPort
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return lo + s.rng.IntN(hi-lo+1)
}
