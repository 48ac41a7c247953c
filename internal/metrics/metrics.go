// Package metrics exposes Prometheus instrumentation for the channel
// multiplexing core, adapted from the teacher's metrics.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	channelClientsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chanmux_channel_clients_total",
		Help: "Total number of channel-clients ever attached",
	})

	channelClientsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chanmux_channel_clients_active",
		Help: "Current number of connected channel-clients, by channel type",
	}, []string{"channel_type"})

	admissionRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chanmux_admission_rejections_total",
		Help: "Total channel-client admissions declined, by reason",
	}, []string{"reason"})

	pipeDepth = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chanmux_pipe_depth",
		Help:    "Distribution of per-channel-client pipe queue depth at push time",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256},
	}, []string{"channel_type"})

	blockedChannelClients = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chanmux_blocked_channel_clients",
		Help: "Current number of channel-clients in blocked state, by channel type",
	}, []string{"channel_type"})

	framesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chanmux_frames_sent_total",
		Help: "Total WebSocket frames written, by channel type",
	}, []string{"channel_type"})

	framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chanmux_frames_received_total",
		Help: "Total WebSocket frames read, by channel type",
	}, []string{"channel_type"})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chanmux_bytes_sent_total",
		Help: "Total payload bytes written across all channel-clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chanmux_bytes_received_total",
		Help: "Total payload bytes read across all channel-clients",
	})

	migrationsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chanmux_migrations_started_total",
		Help: "Total migrations started, by mode",
	}, []string{"mode"})

	migrationsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chanmux_migrations_completed_total",
		Help: "Total migrations completed, by mode",
	}, []string{"mode"})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chanmux_cpu_usage_percent",
		Help: "Sampled process-wide CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chanmux_goroutines_active",
		Help: "Current number of active goroutines",
	})

	dispatcherConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chanmux_dispatcher_connected",
		Help: "Dispatcher transport connection status (1=connected, 0=disconnected)",
	})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chanmux_errors_total",
		Help: "Total errors by type and severity",
	}, []string{"type", "severity"})
)

func init() {
	prometheus.MustRegister(
		channelClientsTotal,
		channelClientsActive,
		admissionRejections,
		pipeDepth,
		blockedChannelClients,
		framesSent,
		framesReceived,
		bytesSent,
		bytesReceived,
		migrationsStarted,
		migrationsCompleted,
		cpuUsagePercent,
		goroutinesActive,
		dispatcherConnected,
		errorsTotal,
	)
}

// Error severities, matching the teacher's categorization.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
	SeverityFatal    = "fatal"
)

// Error types specific to this domain.
const (
	ErrorTypeHandshake  = "handshake"
	ErrorTypeFrame      = "frame"
	ErrorTypeDispatcher = "dispatcher"
	ErrorTypeMigration  = "migration"
	ErrorTypeAdmission  = "admission"
)

// RecordChannelClientConnected increments the connection counter and the
// active gauge for channelType.
func RecordChannelClientConnected(channelType string) {
	channelClientsTotal.Inc()
	channelClientsActive.WithLabelValues(channelType).Inc()
}

// RecordChannelClientDisconnected decrements the active gauge for channelType.
func RecordChannelClientDisconnected(channelType string) {
	channelClientsActive.WithLabelValues(channelType).Dec()
}

// RecordAdmissionRejection records one declined admission with reason.
func RecordAdmissionRejection(reason string) {
	admissionRejections.WithLabelValues(reason).Inc()
}

// ObservePipeDepth records a pipe depth sample for channelType.
func ObservePipeDepth(channelType string, depth int) {
	pipeDepth.WithLabelValues(channelType).Observe(float64(depth))
}

// SetBlockedChannelClients sets the current blocked count for channelType.
func SetBlockedChannelClients(channelType string, count int) {
	blockedChannelClients.WithLabelValues(channelType).Set(float64(count))
}

// RecordFrame records one frame transferred in direction "sent" or
// "received" for channelType, along with its payload byte count.
func RecordFrame(channelType string, sent bool, byteCount int) {
	if sent {
		framesSent.WithLabelValues(channelType).Inc()
		bytesSent.Add(float64(byteCount))
		return
	}
	framesReceived.WithLabelValues(channelType).Inc()
	bytesReceived.Add(float64(byteCount))
}

// RecordMigrationStarted records a migration start, mode is "semi_seamless"
// or "seamless".
func RecordMigrationStarted(mode string) {
	migrationsStarted.WithLabelValues(mode).Inc()
}

// RecordMigrationCompleted records a migration completion.
func RecordMigrationCompleted(mode string) {
	migrationsCompleted.WithLabelValues(mode).Inc()
}

// SetCPUUsagePercent sets the current sampled CPU usage gauge.
func SetCPUUsagePercent(pct float64) {
	cpuUsagePercent.Set(pct)
}

// SetGoroutinesActive sets the current goroutine count gauge.
func SetGoroutinesActive(count int) {
	goroutinesActive.Set(float64(count))
}

// SetDispatcherConnected sets the dispatcher transport connectivity gauge.
func SetDispatcherConnected(connected bool) {
	if connected {
		dispatcherConnected.Set(1)
		return
	}
	dispatcherConnected.Set(0)
}

// RecordError records one error occurrence by type and severity.
func RecordError(errorType, severity string) {
	errorsTotal.WithLabelValues(errorType, severity).Inc()
}

// Handler returns the HTTP handler serving the Prometheus exposition format,
// mounted at /metrics by cmd/chanmuxd.
func Handler() http.Handler {
	return promhttp.Handler()
}
