package ftp

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// Option is a functional option for configuring a Server.
type Option func(*Server) error

// WithLogger sets the logger. If not specified, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.SetLogger(logger)
		return nil
	}
}

// WithMetrics registers the server's collectors with reg.
// Without it the collectors live in a private registry.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Server) error {
		s.metrics = NewMetrics(reg)
		return nil
	}
}

// WithTracerProvider sets where transfer spans go. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) error {
		s.tracer = tp.Tracer(tracerName)
		return nil
	}
}

// WithIdleTimeout sets how long a session may stay silent before the watchdog ends it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("idle timeout must be positive, got %s", d)
		}
		s.IdleTimeout = d
		return nil
	}
}

// WithWatchdogInterval sets how often idle sessions are swept.
func WithWatchdogInterval(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("watchdog interval must be positive, got %s", d)
		}
		s.watchdogInterval = d
		return nil
	}
}

// WithPassivePortRange restricts passive listeners to [min, max].
func WithPassivePortRange(min, max int) Option {
	return func(s *Server) error {
		if min < MinDataPort || max > 65535 || min > max {
			return fmt.Errorf("invalid passive port range %d-%d", min, max)
		}
		s.PasvMinPort, s.PasvMaxPort = min, max
		return nil
	}
}

// WithRandSource replaces the passive port random source, mainly for tests.
func WithRandSource(src rand.Source) Option {
	return func(s *Server) error {
		s.rng = rand.New(src)
		return nil
	}
}
