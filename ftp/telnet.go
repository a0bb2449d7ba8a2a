package ftp

import "io"

// Telnet command bytes (RFC 854).
const (
	telnetIAC  = 0xFF
	telnetDONT = 0xFE
	telnetDO   = 0xFD
	telnetWONT = 0xFC
	telnetWILL = 0xFB
)

type parserState int

const (
	stateNormal parserState = iota
	stateSawEscape
	stateSawWillOffer
	stateSawWontOffer
	stateSawDoRequest
	stateSawDontRequest
	stateSawCarriageReturn
)

// ring is a fixed capacity circular byte buffer.
type ring struct {
	buf  [LineBufferSize]byte
	head int
	n    int
}

func (r *ring) free() int { return len(r.buf) - r.n }

// push appends b; the caller checks free first.
func (r *ring) push(b byte) {
	r.buf[(r.head+r.n)%len(r.buf)] = b
	r.n++
}

func (r *ring) index(c byte) int {
	for i := 0; i < r.n; i++ {
		if r.buf[(r.head+i)%len(r.buf)] == c {
			return i
		}
	}
	return -1
}

func (r *ring) take(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.drop(n)
	return out
}

func (r *ring) drop(n int) {
	r.head = (r.head + n) % len(r.buf)
	r.n -= n
	if r.n == 0 {
		r.head = 0
	}
}

// front returns the longest contiguous run starting at head.
func (r *ring) front() []byte {
	end := r.head + r.n
	if end > len(r.buf) {
		end = len(r.buf)
	}
	return r.buf[r.head:end]
}

// LineStream frames a telnet NVT byte stream into command lines.
// Option offers are refused (WILL gets DONT, DO gets WONT), IAC IAC is a
// literal 0xFF and CR, CR LF and CR NUL all end a line with a single LF.
// The first read or write error is kept and returned by every later call.
type LineStream struct {
	rw    io.ReadWriter
	in    ring
	out   ring
	state parserState
	err   error
	raw   [LineBufferSize]byte
}

// NewLineStream wraps rw.
func NewLineStream(rw io.ReadWriter) *LineStream {
	return &LineStream{rw: rw}
}

// Err returns the sticky error, if any.
func (l *LineStream) Err() error {
	return l.err
}

// ReadLine returns the next line including its trailing LF.
// When max bytes arrive without a LF the first max bytes are returned with
// complete set to false; the caller should SkipLine to resynchronise.
func (l *LineStream) ReadLine(max int) (line string, complete bool, err error) {
	if max <= 0 || max > LineBufferSize {
		max = LineBufferSize
	}
	for {
		if i := l.in.index('\n'); i >= 0 && i < max {
			return string(l.in.take(i + 1)), true, nil
		}
		if l.in.n >= max {
			return string(l.in.take(max)), false, nil
		}
		if l.err != nil {
			return "", false, l.err
		}
		l.fill()
	}
}

// SkipLine discards input up to and including the next LF.
func (l *LineStream) SkipLine() error {
	for {
		if i := l.in.index('\n'); i >= 0 {
			l.in.drop(i + 1)
			return nil
		}
		l.in.drop(l.in.n)
		if l.err != nil {
			return l.err
		}
		l.fill()
	}
}

// fill reads one batch of raw input, bounded by the free space of both rings.
func (l *LineStream) fill() {
	n := min(l.in.free(), l.out.free())
	if n == 0 {
		l.flush()
		return
	}
	m, err := l.rw.Read(l.raw[:n])
	for _, b := range l.raw[:m] {
		l.feed(b)
	}
	l.flush()
	if err != nil && l.err == nil {
		l.err = err
	}
}

func (l *LineStream) feed(b byte) {
	switch l.state {
	case stateNormal:
		l.feedNormal(b)
	case stateSawCarriageReturn:
		l.state = stateNormal
		if b != '\n' && b != 0 {
			l.feedNormal(b)
		}
	case stateSawEscape:
		l.state = stateNormal
		switch b {
		case telnetWILL:
			l.state = stateSawWillOffer
		case telnetWONT:
			l.state = stateSawWontOffer
		case telnetDO:
			l.state = stateSawDoRequest
		case telnetDONT:
			l.state = stateSawDontRequest
		case telnetIAC:
			l.in.push(telnetIAC)
		}
	case stateSawWillOffer:
		l.state = stateNormal
		l.queue(telnetIAC, telnetDONT, b)
	case stateSawDoRequest:
		l.state = stateNormal
		l.queue(telnetIAC, telnetWONT, b)
	case stateSawWontOffer, stateSawDontRequest:
		l.state = stateNormal
	}
}

func (l *LineStream) feedNormal(b byte) {
	switch b {
	case telnetIAC:
		l.state = stateSawEscape
	case '\r':
		l.in.push('\n')
		l.state = stateSawCarriageReturn
	default:
		l.in.push(b)
	}
}

// queue appends a negotiation reply to the output ring.
func (l *LineStream) queue(b ...byte) {
	if l.out.free() < len(b) && l.flush() != nil {
		return
	}
	for _, c := range b {
		l.out.push(c)
	}
}

// Write sends p, doubling every 0xFF data byte.
func (l *LineStream) Write(p []byte) (int, error) {
	if l.err != nil {
		return 0, l.err
	}
	for i, b := range p {
		need := 1
		if b == telnetIAC {
			need = 2
		}
		if l.out.free() < need {
			if err := l.flush(); err != nil {
				return i, err
			}
		}
		l.out.push(b)
		if b == telnetIAC {
			l.out.push(telnetIAC)
		}
	}
	if err := l.flush(); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (l *LineStream) flush() error {
	if l.err != nil {
		return l.err
	}
	for l.out.n > 0 {
		m, err := l.rw.Write(l.out.front())
		l.out.drop(m)
		if err != nil {
			l.err = err
			return err
		}
	}
	return nil
}
