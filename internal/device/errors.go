package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrInvalidCommand) {
//	    // ignore the inbox entry
//	}
var (
	// ErrInvalidCommand is returned when a power command is not "on" or "off".
	ErrInvalidCommand = errors.New("device: invalid command")

	// ErrNoDeviceID is returned when a device id is empty.
	ErrNoDeviceID = errors.New("device: missing device id")

	// ErrDiscovery is returned when the vendor device list cannot be loaded.
	ErrDiscovery = errors.New("device: discovery failed")
)
