package bridge

import (
	"time"

	"github.com/eduardogoldoni/controlesautomaticos/internal/device"
)

// TelemetryRecord is the value stored at /meg/telemetry/{deviceId}.
type TelemetryRecord struct {
	State       device.PowerState `json:"state"`
	Temperature *float64          `json:"temperature"`
	Humidity    *float64          `json:"humidity"`
	Online      bool              `json:"online"`

	// At is the publish time in epoch milliseconds.
	At int64 `json:"at"`
}

// NewTelemetryRecord builds the record for status observed at t.
func NewTelemetryRecord(status *device.Status, t time.Time) TelemetryRecord {
	return TelemetryRecord{
		State:       status.State,
		Temperature: status.Temperature,
		Humidity:    status.Humidity,
		Online:      status.Online,
		At:          t.UnixMilli(),
	}
}

// TelemetryEvent is delivered to telemetry observers after each write.
type TelemetryEvent struct {
	DeviceID string          `json:"deviceId"`
	Record   TelemetryRecord `json:"telemetry"`
}
