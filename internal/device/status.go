package device

import (
	"context"
	"fmt"
)

// DeviceGetter fetches single device records from the vendor.
// Satisfied by *ewelink.Client.
type DeviceGetter interface {
	EnsureSession(ctx context.Context) error
	GetDevice(ctx context.Context, id string) (map[string]any, error)
}

// StatusReader reads and normalizes device status from the vendor.
//
// Thread Safety:
//   - Read is safe for concurrent use. Nothing is cached between reads.
type StatusReader struct {
	vendor DeviceGetter
}

// NewStatusReader creates a StatusReader backed by vendor.
func NewStatusReader(vendor DeviceGetter) *StatusReader {
	return &StatusReader{vendor: vendor}
}

// Read fetches a device record and normalizes it.
//
// Session and fetch failures are returned unchanged so callers can match
// ewelink.ErrAuth and ewelink.ErrFetch.
func (r *StatusReader) Read(ctx context.Context, id string) (*Status, error) {
	if id == "" {
		return nil, ErrNoDeviceID
	}
	if err := r.vendor.EnsureSession(ctx); err != nil {
		return nil, err
	}
	record, err := r.vendor.GetDevice(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading device %s: %w", id, err)
	}
	status := Normalize(id, record)
	return &status, nil
}

// Normalize converts a raw vendor record into a Status.
//
// Power resolves to on/off/unknown. Temperature and humidity are nil when no
// candidate field holds a number. Online defaults to true when the record
// does not say.
func Normalize(id string, record map[string]any) Status {
	status := Status{
		DeviceID: id,
		State:    PowerUnknown,
		Online:   true,
		Raw:      record,
	}
	if record == nil {
		return status
	}

	if name, ok := asString(record["name"]); ok {
		status.Name = name
	}
	if power, ok := firstOf(record, powerExtractors); ok {
		status.State = ParsePowerState(power)
	}
	if temp, ok := firstOf(record, temperatureExtractors); ok {
		status.Temperature = &temp
	}
	if hum, ok := firstOf(record, humidityExtractors); ok {
		status.Humidity = &hum
	}
	if online, ok := record["online"].(bool); ok {
		status.Online = online
	}
	return status
}
