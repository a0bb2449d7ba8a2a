package ftp

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeRW reads from in and records writes.
type pipeRW struct {
	in  io.Reader
	out bytes.Buffer
}

func (p *pipeRW) Read(b []byte) (int, error)  { return p.in.Read(b) }
func (p *pipeRW) Write(b []byte) (int, error) { return p.out.Write(b) }

func readAll(t *testing.T, l *LineStream) []string {
	t.Helper()
	var lines []string
	for {
		line, complete, err := l.ReadLine(LineBufferSize)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			return lines
		}
		require.True(t, complete)
		lines = append(lines, line)
	}
}

func Test_LineStreamFraming(t *testing.T) {
	tests := []struct {
		name  string
		input string
		lines []string
		reply string
	}{
		{"CRLF", "USER anonymous\r\n", []string{"USER anonymous\n"}, ""},
		{"BareLF", "NOOP\n", []string{"NOOP\n"}, ""},
		{"BareCR", "NOOP\rPWD\r\n", []string{"NOOP\n", "PWD\n"}, ""},
		{"CRNUL", "NOOP\r\x00PWD\r\n", []string{"NOOP\n", "PWD\n"}, ""},
		{"CRCR", "NOOP\r\rPWD\n", []string{"NOOP\n", "\n", "PWD\n"}, ""},
		{"WillGetsDont", "\xff\xfb\x01NOOP\r\n", []string{"NOOP\n"}, "\xff\xfe\x01"},
		{"DoGetsWont", "NO\xff\xfd\x03OP\r\n", []string{"NOOP\n"}, "\xff\xfc\x03"},
		{"WontIgnored", "\xff\xfc\x01NOOP\r\n", []string{"NOOP\n"}, ""},
		{"DontIgnored", "\xff\xfe\x01NOOP\r\n", []string{"NOOP\n"}, ""},
		{"EscapedIAC", "RETR a\xff\xffb\r\n", []string{"RETR a\xffb\n"}, ""},
		{"OtherCommandSwallowed", "NO\xff\xf1OP\r\n", []string{"NOOP\n"}, ""},
		{"SeveralOffers", "\xff\xfb\x18\xff\xfd\x1f\xff\xfb\x20\n", []string{"\n"}, "\xff\xfe\x18\xff\xfc\x1f\xff\xfe\x20"},
	}

	for _, tt := range tests {
		for _, oneByte := range []bool{false, true} {
			name := tt.name
			var in io.Reader = strings.NewReader(tt.input)
			if oneByte {
				name += "/OneByte"
				in = iotest.OneByteReader(in)
			}
			t.Run(name, func(t *testing.T) {
				rw := &pipeRW{in: in}
				l := NewLineStream(rw)
				assert.Equal(t, tt.lines, readAll(t, l))
				assert.Equal(t, tt.reply, rw.out.String())
			})
		}
	}
}

func Test_LineStreamConservesData(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 500; i++ {
		// every byte except IAC, CR and LF
		b := byte(i*7%250) + 1
		if b == '\r' || b == '\n' {
			b = 'x'
		}
		sb.WriteByte(b)
		if i%37 == 0 {
			sb.WriteByte('\n')
		}
	}
	sb.WriteByte('\n')
	input := sb.String()

	rw := &pipeRW{in: iotest.HalfReader(strings.NewReader(input))}
	lines := readAll(t, NewLineStream(rw))
	assert.Equal(t, input, strings.Join(lines, ""))
	assert.Zero(t, rw.out.Len())
}

func Test_LineStreamOverflow(t *testing.T) {
	long := strings.Repeat("a", 3000)
	rw := &pipeRW{in: strings.NewReader(long + "\r\nNOOP\r\n")}
	l := NewLineStream(rw)

	line, complete, err := l.ReadLine(LineBufferSize)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Len(t, line, LineBufferSize)

	require.NoError(t, l.SkipLine())

	line, complete, err = l.ReadLine(LineBufferSize)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, "NOOP\n", line)
}

func Test_LineStreamShortMax(t *testing.T) {
	rw := &pipeRW{in: strings.NewReader("ABCDEFGH\nX\n")}
	l := NewLineStream(rw)

	line, complete, err := l.ReadLine(4)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, "ABCD", line)

	line, complete, err = l.ReadLine(16)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, "EFGH\n", line)
}

func Test_LineStreamWrite(t *testing.T) {
	rw := &pipeRW{in: strings.NewReader("")}
	l := NewLineStream(rw)

	n, err := l.Write([]byte("257 \"/a\xffb\"\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, "257 \"/a\xff\xffb\"\r\n", rw.out.String())

	rw.out.Reset()
	big := strings.Repeat("z", 5000)
	_, err = l.Write([]byte(big))
	require.NoError(t, err)
	assert.Equal(t, big, rw.out.String())
}

type failingWriter struct{ io.Reader }

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func Test_LineStreamStickyError(t *testing.T) {
	boom := errors.New("boom")
	rw := &pipeRW{in: iotest.ErrReader(boom)}
	l := NewLineStream(rw)

	_, _, err := l.ReadLine(LineBufferSize)
	assert.ErrorIs(t, err, boom)
	_, _, err = l.ReadLine(LineBufferSize)
	assert.ErrorIs(t, err, boom)
	_, err = l.Write([]byte("200 ok\r\n"))
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, l.SkipLine(), boom)
	assert.ErrorIs(t, l.Err(), boom)

	w := NewLineStream(failingWriter{strings.NewReader("NOOP\r\n")})
	_, err = w.Write([]byte("220 hi\r\n"))
	require.Error(t, err)
	_, _, err = w.ReadLine(LineBufferSize)
	assert.EqualError(t, err, "broken pipe")
}

func Test_LineStreamKeepsLinesBeforeError(t *testing.T) {
	rw := &pipeRW{in: strings.NewReader("NOOP\r\nPWD\r\nPART")}
	l := NewLineStream(rw)
	assert.Equal(t, []string{"NOOP\n", "PWD\n"}, readAll(t, l))
}
