package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements MetricsCollector backed by
// github.com/prometheus/client_golang. NewPrometheusMetrics registers its
// collectors on the given prometheus.Registerer; pass the result to
// WithMetricsCollector.
type PrometheusMetrics struct {
	commands       *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec
	transferBytes  *prometheus.CounterVec
	transferTime   *prometheus.HistogramVec
	connections    *prometheus.CounterVec
	authAttempts   *prometheus.CounterVec
}

// NewPrometheusMetrics builds the metric vectors and registers them with
// reg. Pass prometheus.DefaultRegisterer to use the global registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "commands_total",
			Help:      "FTP commands processed, by command and outcome.",
		}, []string{"cmd", "success"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ftpd",
			Name:      "command_duration_seconds",
			Help:      "Command handling latency by command.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cmd"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "transfer_bytes_total",
			Help:      "Bytes transferred, by operation.",
		}, []string{"operation"}),
		transferTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ftpd",
			Name:      "transfer_duration_seconds",
			Help:      "Transfer duration by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"operation"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "connections_total",
			Help:      "Connection attempts, by acceptance outcome.",
		}, []string{"accepted", "reason"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts, by outcome.",
		}, []string{"success"}),
	}

	reg.MustRegister(m.commands, m.commandLatency, m.transferBytes, m.transferTime, m.connections, m.authAttempts)
	return m
}

func (m *PrometheusMetrics) RecordCommand(cmd string, success bool, duration time.Duration) {
	m.commands.WithLabelValues(cmd, boolLabel(success)).Inc()
	m.commandLatency.WithLabelValues(cmd).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	m.transferBytes.WithLabelValues(operation).Add(float64(bytes))
	m.transferTime.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordConnection(accepted bool, reason string) {
	m.connections.WithLabelValues(boolLabel(accepted), reason).Inc()
}

func (m *PrometheusMetrics) RecordAuthentication(success bool, user string) {
	m.authAttempts.WithLabelValues(boolLabel(success)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
