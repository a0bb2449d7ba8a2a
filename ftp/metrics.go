package ftp

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors a Server updates.
type Metrics struct {
	sessionsActive       prometheus.Gauge
	sessionsTotal        prometheus.Counter
	commandsTotal        *prometheus.CounterVec
	repliesTotal         *prometheus.CounterVec
	bytesSentTotal       *prometheus.CounterVec
	transferDuration     *prometheus.HistogramVec
	watchdogTerminations prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "owftpd",
			Subsystem: "ftp",
			Name:      "sessions_active",
			Help:      "Number of open control connections.",
		}),
		sessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "owftpd",
			Subsystem: "ftp",
			Name:      "sessions_total",
			Help:      "Number of control connections accepted.",
		}),
		commandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "owftpd",
			Subsystem: "ftp",
			Name:      "commands_total",
			Help:      "Number of commands received, by verb. Unparseable lines count as \"invalid\".",
		}, []string{"verb"}),
		repliesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "owftpd",
			Subsystem: "ftp",
			Name:      "replies_total",
			Help:      "Number of replies sent, by code and status name.",
		}, []string{"code", "status"}),
		bytesSentTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "owftpd",
			Subsystem: "ftp",
			Name:      "data_bytes_sent_total",
			Help:      "Bytes written to data connections, by kind (file, list or nlst).",
		}, []string{"kind"}),
		transferDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "owftpd",
			Subsystem: "ftp",
			Name:      "transfer_duration_seconds",
			Help:      "Duration of data transfers, by kind and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"kind", "outcome"}),
		watchdogTerminations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "owftpd",
			Subsystem: "ftp",
			Name:      "watchdog_terminations_total",
			Help:      "Number of sessions ended for inactivity.",
		}),
	}
}

func (m *Metrics) sessionStarted() {
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionEnded() {
	m.sessionsActive.Dec()
}

func (m *Metrics) command(verb string) {
	m.commandsTotal.WithLabelValues(verb).Inc()
}

func (m *Metrics) reply(code int) {
	m.repliesTotal.WithLabelValues(strconv.Itoa(code), StatusText(code)).Inc()
}

func (m *Metrics) transfer(kind string, bytes int64, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "aborted"
	}
	m.bytesSentTotal.WithLabelValues(kind).Add(float64(bytes))
	m.transferDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

func (m *Metrics) watchdogTerminated() {
	m.watchdogTerminations.Inc()
}
