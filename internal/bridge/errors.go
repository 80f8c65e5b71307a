package bridge

import "errors"

// Sentinel errors for bridge operations.
var (
	// ErrTelemetry is returned when a telemetry record could not be read or written.
	ErrTelemetry = errors.New("bridge: telemetry publish failed")

	// ErrCommand is returned when a command could not be executed.
	ErrCommand = errors.New("bridge: command failed")

	// ErrClear is returned when a consumed inbox entry could not be cleared.
	ErrClear = errors.New("bridge: inbox clear failed")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("bridge: already started")
)
