// Package influxdb writes megbridge operational statistics to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched non-blocking writes, and health monitoring.
//
// # Purpose
//
// Only the bridge's own behaviour is recorded here:
//   - megbridge_sweep: one point per telemetry sweep (devices, failures, duration)
//   - megbridge_command: one point per handled command (device, action, outcome, duration)
//
// Device telemetry values are not stored; the realtime store keeps only the
// latest value per device.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteSweep(influxdb.SweepStats{Devices: 4, Failures: 1, Duration: 900 * time.Millisecond})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
//
// # Error Handling
//
// Writes are non-blocking; batch failures are delivered to the SetOnError
// callback. Connection and health check errors are returned directly.
package influxdb
