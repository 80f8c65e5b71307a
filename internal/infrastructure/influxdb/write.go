package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementSweep   = "megbridge_sweep"
	measurementCommand = "megbridge_command"
)

// SweepStats describes one telemetry sweep.
type SweepStats struct {
	Devices  int
	Failures int
	Duration time.Duration
	At       time.Time
}

// CommandStats describes one handled command.
type CommandStats struct {
	DeviceID string
	Action   string
	Source   string
	Outcome  string
	Attempts int
	Duration time.Duration
	At       time.Time
}

// WriteSweep records a telemetry sweep. Non-blocking.
func (c *Client) WriteSweep(s SweepStats) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(sweepPoint(s))
}

// WriteCommand records a handled command. Non-blocking.
func (c *Client) WriteCommand(s CommandStats) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(commandPoint(s))
}

func sweepPoint(s SweepStats) *write.Point {
	return write.NewPoint(
		measurementSweep,
		map[string]string{},
		map[string]interface{}{
			"devices":     s.Devices,
			"failures":    s.Failures,
			"duration_ms": s.Duration.Milliseconds(),
		},
		timestamp(s.At),
	)
}

func commandPoint(s CommandStats) *write.Point {
	return write.NewPoint(
		measurementCommand,
		map[string]string{
			"device_id": s.DeviceID,
			"action":    s.Action,
			"source":    s.Source,
			"outcome":   s.Outcome,
		},
		map[string]interface{}{
			"attempts":    s.Attempts,
			"duration_ms": s.Duration.Milliseconds(),
		},
		timestamp(s.At),
	)
}

func timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
