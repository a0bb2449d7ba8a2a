package tools

import (
	"context"
	"io"
	"log/slog"
)

// LogReadWriter is a wrapper around an io.ReadWriter that logs all reads and writes to a slog.Logger at debug level.
type LogReadWriter struct {
	ReadWriter io.ReadWriter
	logger     *slog.Logger
	redact     func(string) string
}

func (rw *LogReadWriter) enabled() bool {
	return rw.logger != nil && rw.logger.Enabled(context.Background(), slog.LevelDebug)
}

func (rw *LogReadWriter) text(b []byte) string {
	s := string(b)
	if rw.redact != nil {
		s = rw.redact(s)
	}
	return IsPrintable(s)
}

func (rw *LogReadWriter) Read(b []byte) (int, error) {
	n, err := rw.ReadWriter.Read(b)
	if n > 0 && rw.enabled() { // Log only if n > 0 to avoid logging empty reads
		rw.logger.Debug("Request", "body", rw.text(b[:n]))
	}
	return n, err
}

func (rw *LogReadWriter) Write(b []byte) (int, error) {
	if rw.enabled() {
		rw.logger.Debug("Respond", "body", rw.text(b))
	}
	return rw.ReadWriter.Write(b)
}

// NewLogReadWriter creates a new LogReadWriter. redact, when not nil, rewrites
// each chunk before it is logged.
func NewLogReadWriter(rw io.ReadWriter, logger *slog.Logger, redact func(string) string) *LogReadWriter {
	return &LogReadWriter{ReadWriter: rw, logger: logger, redact: redact}
}
