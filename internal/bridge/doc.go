// Package bridge moves device state between the eWeLink cloud and the
// realtime store.
//
// Three loops run once the Bridge is started:
//
//   - the registry refresh loop keeps the MonitoredSet current
//   - the Publisher sweeps the MonitoredSet and overwrites each device's
//     telemetry record
//   - the Reconciler consumes commands written to the control inbox
//
// Commands from the inbox and from the HTTP API go through the same path,
// Bridge.RunCommand, which holds a per-device lock so two commands for one
// device never interleave. Telemetry sweeps do not take that lock; a sweep
// and a command racing on the same device both write what the vendor
// reported, and the last write wins.
package bridge
