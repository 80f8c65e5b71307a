package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for bridge activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	sweeps           prometheus.Counter
	sweepDuration    prometheus.Histogram
	published        prometheus.Counter
	publishFailures  prometheus.Counter
	monitoredDevices prometheus.Gauge
	commands         *prometheus.CounterVec
	commandDuration  prometheus.Histogram
	droppedCommands  prometheus.Counter
	queueDepth       prometheus.Gauge
}

// NewMetrics creates the bridge collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "megbridge_sweeps_total",
			Help: "Telemetry sweeps completed",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "megbridge_sweep_duration_seconds",
			Help:    "Duration of a telemetry sweep over the monitored set",
			Buckets: prometheus.DefBuckets,
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "megbridge_telemetry_published_total",
			Help: "Telemetry records written to the store",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "megbridge_telemetry_failures_total",
			Help: "Telemetry publishes that failed to read or write",
		}),
		monitoredDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "megbridge_monitored_devices",
			Help: "Devices in the monitored set at the last sweep",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "megbridge_commands_total",
			Help: "Power commands handled, by action, source and outcome",
		}, []string{"action", "source", "outcome"}),
		commandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "megbridge_command_duration_seconds",
			Help:    "Duration of a power command including telemetry publish",
			Buckets: prometheus.DefBuckets,
		}),
		droppedCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "megbridge_commands_ignored_total",
			Help: "Inbox entries ignored because the value was not on or off",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "megbridge_command_queue_depth",
			Help: "Commands waiting in the reconciler queue",
		}),
	}
	reg.MustRegister(
		m.sweeps, m.sweepDuration, m.published, m.publishFailures, m.monitoredDevices,
		m.commands, m.commandDuration, m.droppedCommands, m.queueDepth,
	)
	return m
}

func (m *Metrics) observeSweep(devices int, d time.Duration) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.sweepDuration.Observe(d.Seconds())
	m.monitoredDevices.Set(float64(devices))
}

func (m *Metrics) observePublish(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.publishFailures.Inc()
		return
	}
	m.published.Inc()
}

func (m *Metrics) observeCommand(action, source, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(action, source, outcome).Inc()
	m.commandDuration.Observe(d.Seconds())
}

func (m *Metrics) observeIgnored() {
	if m == nil {
		return
	}
	m.droppedCommands.Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
