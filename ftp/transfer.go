package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxPassiveAttempts bounds how many random ports are tried for one passive listener.
const maxPassiveAttempts = 64

// transferFile is the transfer kind of RETR; listings use "list" and "nlst".
const transferFile = "file"

var (
	errNoDataMode   = errors.New("no PORT or PASV given")
	errPeerMismatch = errors.New("data connection from unexpected address")
)

// storeError marks a failure of the backing store during a transfer,
// as opposed to a failure of the data connection.
type storeError struct {
	err error
}

func (e storeError) Error() string { return "backing store: " + e.err.Error() }
func (e storeError) Unwrap() error { return e.err }

func (s *session) handlePORT(arg Arg) error {
	hp := arg.(HostPortArg)
	if s.epsvAll {
		return s.reply(StatusSyntaxError, "PORT not allowed after EPSV ALL.")
	}
	if hp.Addr != s.clientIP || hp.Port < MinDataPort {
		s.logger.Warn("rejected PORT", "addr", hp.Addr.String(), "port", hp.Port)
		return s.reply(StatusSyntaxError, "Illegal PORT command.")
	}
	s.setActive(netip.AddrPortFrom(hp.Addr, hp.Port))
	return s.reply(StatusCommandOK, "PORT command successful.")
}

func (s *session) handleLPRT(arg Arg) error {
	hp := arg.(LongHostPortArg)
	if s.epsvAll {
		return s.reply(StatusSyntaxError, "LPRT not allowed after EPSV ALL.")
	}
	if (hp.Family != 4 && hp.Family != 6) || hp.Family != s.family() {
		return s.reply(StatusBadNetworkProtocol, fmt.Sprintf("Supported address families are (%d).", s.family()))
	}
	if hp.Addr != s.clientIP || hp.Port < MinDataPort {
		s.logger.Warn("rejected LPRT", "addr", hp.Addr.String(), "port", hp.Port)
		return s.reply(StatusSyntaxError, "Illegal LPRT command.")
	}
	s.setActive(netip.AddrPortFrom(hp.Addr, hp.Port))
	return s.reply(StatusCommandOK, "LPRT command successful.")
}

func (s *session) handleEPRT(Arg) error {
	return s.reply(StatusSyntaxError, "EPRT is not supported, use EPSV.")
}

func (s *session) handlePASV(Arg) error {
	if s.epsvAll {
		return s.reply(StatusSyntaxError, "PASV not allowed after EPSV ALL.")
	}
	if s.family() != 4 {
		return s.reply(StatusSyntaxError, "PASV is IPv4 only, use EPSV.")
	}
	port, err := s.listenPassive()
	if err != nil {
		s.logger.Warn("passive listen failed", "error", err)
		return s.reply(StatusSyntaxError, "Can't open passive connection.")
	}
	ip := s.advertisedIP().As4()
	return s.reply(StatusEnteringPassiveMode, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d).",
		ip[0], ip[1], ip[2], ip[3], port>>8, port&0xff))
}

func (s *session) handleLPSV(Arg) error {
	if s.epsvAll {
		return s.reply(StatusSyntaxError, "LPSV not allowed after EPSV ALL.")
	}
	port, err := s.listenPassive()
	if err != nil {
		s.logger.Warn("passive listen failed", "error", err)
		return s.reply(StatusSyntaxError, "Can't open passive connection.")
	}
	ip := s.advertisedIP().AsSlice()
	fields := []string{fmt.Sprint(s.family()), fmt.Sprint(len(ip))}
	for _, b := range ip {
		fields = append(fields, fmt.Sprint(b))
	}
	fields = append(fields, "2", fmt.Sprint(port>>8), fmt.Sprint(port&0xff))
	return s.reply(StatusEnteringLongPassiveMode, fmt.Sprintf("Entering Long Passive Mode (%s).", strings.Join(fields, ",")))
}

func (s *session) handleEPSV(arg Arg) error {
	ep := arg.(EPSVArg)
	if ep.All {
		s.epsvAll = true
		return s.reply(StatusCommandOK, "EPSV ALL command successful.")
	}
	proto := 1
	if s.family() == 6 {
		proto = 2
	}
	if ep.Set && ep.Family != proto {
		return s.reply(StatusExtendedProtocolNotSupported, fmt.Sprintf("Network protocol not supported, use (%d).", proto))
	}
	port, err := s.listenPassive()
	if err != nil {
		s.logger.Warn("passive listen failed", "error", err)
		return s.reply(StatusSyntaxError, "Can't open passive connection.")
	}
	return s.reply(StatusEnteringExtendedPassiveMode, fmt.Sprintf("Entering Extended Passive Mode (|||%d|).", port))
}

// advertisedIP is the address put in PASV and LPSV replies.
func (s *session) advertisedIP() netip.Addr {
	if s.family() == 4 && s.server.publicIPv4.IsValid() {
		return s.server.publicIPv4
	}
	return s.serverIP
}

func (s *session) setActive(addr netip.AddrPort) {
	s.closePassive()
	s.dataMode = dataActive
	s.activeAddr = addr
}

// listenPassive replaces any passive listener with a new one on a random port
// of the control connection's local address.
func (s *session) listenPassive() (int, error) {
	s.closePassive()
	var lastErr error
	for range maxPassiveAttempts {
		port := s.server.randomPort()
		ln, err := net.ListenTCP("tcp", net.TCPAddrFromAddrPort(netip.AddrPortFrom(s.serverIP, uint16(port))))
		if err != nil {
			if errors.Is(err, syscall.EADDRINUSE) {
				lastErr = err
				continue
			}
			return 0, err
		}
		s.pasv = ln
		s.dataMode = dataPassive
		s.logger.Debug("passive listener opened", "port", port)
		return port, nil
	}
	return 0, fmt.Errorf("no free passive port after %d attempts: %w", maxPassiveAttempts, lastErr)
}

func (s *session) closePassive() {
	if s.pasv == nil {
		return
	}
	if err := s.pasv.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("error closing passive listener", "error", err)
	}
	s.pasv = nil
	if s.dataMode == dataPassive {
		s.dataMode = dataNone
	}
}

// dataConn is an open data connection. Every write gets a fresh deadline
// while the session lives. Once the session ends the connection is interrupted
// and no deadline is armed again.
type dataConn struct {
	net.Conn
	ctx     context.Context
	timeout time.Duration
	stop    func() bool

	// mu orders arming a deadline against the interruption.
	mu sync.Mutex
}

func newDataConn(ctx context.Context, conn net.Conn, timeout time.Duration) *dataConn {
	c := &dataConn{Conn: conn, ctx: ctx, timeout: timeout}
	c.stop = context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return c
}

// arm gives the next operation a fresh deadline, or reports why the session ended.
func (c *dataConn) arm(set func(time.Time) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return context.Cause(c.ctx)
	}
	return set(time.Now().Add(c.timeout))
}

func (c *dataConn) Write(p []byte) (int, error) {
	if err := c.arm(c.Conn.SetWriteDeadline); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

func (c *dataConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

// finish releases the connection after a complete transfer. With drain set it
// half closes first and waits for the client to close its side.
func (c *dataConn) finish(drain bool) error {
	if tcp, ok := c.Conn.(*net.TCPConn); ok && drain {
		_ = tcp.CloseWrite()
		if err := c.arm(tcp.SetReadDeadline); err == nil {
			_, _ = io.Copy(io.Discard, tcp)
		}
	}
	return c.Close()
}

// openData connects to the client in active mode or accepts its connection in
// passive mode. Both are bounded by DataTimeout and by the session's lifetime.
func (s *session) openData() (*dataConn, error) {
	var (
		conn net.Conn
		err  error
	)
	switch s.dataMode {
	case dataActive:
		d := net.Dialer{Timeout: s.server.DataTimeout}
		conn, err = d.DialContext(s.ctx, "tcp", s.activeAddr.String())
	case dataPassive:
		conn, err = s.acceptPassive()
	default:
		err = errNoDataMode
	}
	if err != nil {
		return nil, err
	}
	return newDataConn(s.ctx, conn, s.server.DataTimeout), nil
}

func (s *session) acceptPassive() (net.Conn, error) {
	ln, ok := s.pasv.(*net.TCPListener)
	if !ok {
		return nil, errNoDataMode
	}
	if err := ln.SetDeadline(time.Now().Add(s.server.DataTimeout)); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(s.ctx, func() {
		_ = ln.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		return nil, err
	}
	if peer := addrOf(conn.RemoteAddr()); peer != s.clientIP {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", errPeerMismatch, peer)
	}
	return conn, nil
}

// transfer announces a data transfer with 150, opens the data connection, runs
// send and reports the outcome on the control connection. Listings drain the
// connection before it is closed. A session ended meanwhile gets no reply and
// the cancellation cause is returned.
func (s *session) transfer(kind, name, opening string, send func(w io.Writer) error) error {
	if err := s.reply(StatusFileStatusOK, opening); err != nil {
		return err
	}
	conn, err := s.openData()
	if s.ctx.Err() != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return context.Cause(s.ctx)
	}
	if err != nil {
		s.logger.Warn("could not open data connection", "mode", s.dataMode, "error", err)
		return s.reply(StatusCantOpenDataConnection, "Can't open data connection.")
	}

	_, span := s.server.tracer.Start(s.ctx, "ftp."+kind, trace.WithAttributes(
		attribute.String("ftp.session_id", s.id),
		attribute.String("ftp.path", name),
		attribute.String("ftp.type", string(s.transferType)),
	))
	defer span.End()

	start := time.Now()
	cw := &countingWriter{w: conn}
	err = send(cw)
	if err == nil {
		if cerr := conn.finish(kind != transferFile); cerr != nil {
			s.logger.Debug("error closing data connection", "error", cerr)
		}
	} else {
		_ = conn.Close()
	}
	elapsed := time.Since(start)

	span.SetAttributes(attribute.Int64("ftp.bytes", cw.n))
	s.server.metrics.transfer(kind, cw.n, elapsed, err)
	logger := s.logger.With("kind", kind, "path", name, "bytes", cw.n, "duration", elapsed.Round(time.Millisecond).String())

	var se storeError
	switch {
	case s.ctx.Err() != nil:
		span.SetStatus(codes.Error, "session terminated")
		logger.Info("transfer interrupted", "error", err)
		return context.Cause(s.ctx)
	case errors.As(err, &se):
		span.RecordError(err)
		span.SetStatus(codes.Error, "backing store error")
		logger.Error("transfer aborted", "error", err)
		return s.reply(StatusLocalProcessingError, "Requested action aborted: local error in processing.")
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "data connection error")
		logger.Warn("transfer aborted", "error", err)
		return s.reply(StatusConnectionClosedTransferAborted, "Connection closed; transfer aborted.")
	}
	logger.Info("transfer complete")
	return s.reply(StatusClosingDataConnection, fmt.Sprintf("Transfer complete, %d bytes transferred in %.3f seconds.", cw.n, elapsed.Seconds()))
}

func (s *session) handleRETR(arg Arg) error {
	offset := s.takeRestart()
	name := s.absPath(string(arg.(StringArg)))
	e, err := s.server.FS.Resolve(name)
	if err != nil {
		return s.replyStoreError(name, err)
	}
	switch {
	case e.IsDir:
		return s.reply(StatusFileUnavailable, fmt.Sprintf("%s: Not a plain file.", name))
	case e.IsWriteOnly:
		return s.reply(StatusFileUnavailable, fmt.Sprintf("%s: Permission denied.", name))
	case e.IsBinary && s.transferType != typeImage:
		return s.reply(StatusFileUnavailable, fmt.Sprintf("%s: Binary item, use TYPE I.", name))
	case offset > e.Size:
		return s.reply(StatusFileUnavailable, fmt.Sprintf("%s: Restart offset %d is beyond the end of the item.", name, offset))
	}

	mode := "BINARY"
	if s.transferType == typeASCII {
		mode = "ASCII"
	}
	opening := fmt.Sprintf("Opening %s mode data connection for %s (%d bytes).", mode, name, e.Size-offset)
	return s.transfer(transferFile, name, opening, func(w io.Writer) error {
		if s.transferType == typeASCII {
			w = &asciiWriter{w: w}
		}
		return s.sendItem(w, name, offset)
	})
}

// sendItem copies the item to w in ChunkSize reads starting at offset.
func (s *session) sendItem(w io.Writer, name string, offset int64) error {
	chunk := int64(s.server.ChunkSize)
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	for {
		if s.ctx.Err() != nil {
			return context.Cause(s.ctx)
		}
		data, err := s.server.FS.Read(name, offset, chunk)
		if s.ctx.Err() != nil {
			return context.Cause(s.ctx)
		}
		if err != nil {
			return storeError{err: err}
		}
		if len(data) == 0 {
			return nil
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		if int64(len(data)) < chunk {
			return nil
		}
		offset += int64(len(data))
	}
}

// countingWriter counts the bytes that reached the wire.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// asciiWriter writes every LF as CRLF, including one already preceded by CR.
type asciiWriter struct {
	w   io.Writer
	buf []byte
}

func (a *asciiWriter) Write(p []byte) (int, error) {
	a.buf = a.buf[:0]
	for _, b := range p {
		if b == '\n' {
			a.buf = append(a.buf, '\r')
		}
		a.buf = append(a.buf, b)
	}
	if _, err := a.w.Write(a.buf); err != nil {
		return 0, err
	}
	return len(p), nil
}
