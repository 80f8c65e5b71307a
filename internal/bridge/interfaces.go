package bridge

import (
	"context"
	"time"

	"github.com/eduardogoldoni/controlesautomaticos/internal/audit"
	"github.com/eduardogoldoni/controlesautomaticos/internal/device"
	"github.com/eduardogoldoni/controlesautomaticos/internal/infrastructure/influxdb"
)

// Logger defines the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// PowerSwitcher sends power commands to the vendor.
// Satisfied by *ewelink.Client.
type PowerSwitcher interface {
	EnsureSession(ctx context.Context) error
	SetPowerState(ctx context.Context, id, state string) error
}

// StatusSource reads the normalized status of one device.
// Satisfied by *device.StatusReader.
type StatusSource interface {
	Read(ctx context.Context, id string) (*device.Status, error)
}

// MonitoredSet is the registry view the bridge needs.
// Satisfied by *device.Registry.
type MonitoredSet interface {
	Mode() device.Mode
	Snapshot() []string
	RegisterIfAbsent(id string) bool
	Refresh(ctx context.Context) error
	Run(ctx context.Context, interval time.Duration)
}

// AuditRecorder persists handled commands. Satisfied by audit.Repository.
type AuditRecorder interface {
	Create(ctx context.Context, log *audit.AuditLog) error
}

// StatsSink receives sweep and command statistics.
// Satisfied by *influxdb.Client.
type StatsSink interface {
	WriteSweep(s influxdb.SweepStats)
	WriteCommand(s influxdb.CommandStats)
}
