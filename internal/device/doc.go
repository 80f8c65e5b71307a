// Package device provides the Device Registry and Status Reader for megbridge.
//
// The Device Registry owns the MonitoredSet: the ids of every device the
// bridge polls for telemetry. The Status Reader turns a raw vendor record
// into a canonical Status.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────────┐
//	│                           device package                             │
//	│                                                                      │
//	│  ┌──────────────────────┐            ┌──────────────────────┐        │
//	│  │       Registry       │            │     StatusReader     │        │
//	│  │    (registry.go)     │            │     (status.go)      │        │
//	│  │                      │            │                      │        │
//	│  │ • MonitoredSet       │            │ • EnsureSession      │        │
//	│  │ • Discovery / static │            │ • GetDevice          │        │
//	│  │ • RegisterIfAbsent   │            │ • Normalize          │        │
//	│  └──────────┬───────────┘            └──────────┬───────────┘        │
//	│             │ ListDevices                       │ GetDevice          │
//	└─────────────│───────────────────────────────────│────────────────────┘
//	              ▼                                   ▼
//	        ┌───────────────────────────────────────────────┐
//	        │           eWeLink cloud (ewelink)              │
//	        └───────────────────────────────────────────────┘
//
// # Modes
//
// With SONOFF_DEVICE_IDS empty or "AUTO" the registry runs in discovery mode:
// every Refresh replaces the set with the ids on the vendor account, and ids
// seen in inbound commands are added immediately by RegisterIfAbsent. Any
// other value is a comma-separated static list; RegisterIfAbsent is then a
// no-op.
//
// # Normalization
//
// Vendor records vary by firmware and API version. Power, temperature,
// humidity and the device id are each resolved by an ordered table of
// extractors; the first extractor that yields a value wins. The tables are
// plain data so they can be tested without any network access.
//
// # Usage
//
//	registry := device.NewRegistry(client, cfg.Devices.IDs)
//	registry.SetLogger(log)
//	if err := registry.Refresh(ctx); err != nil {
//	    log.Warn("initial device refresh failed", "error", err)
//	}
//	go registry.Run(ctx, cfg.DeviceRefreshInterval())
//
//	reader := device.NewStatusReader(client)
//	status, err := reader.Read(ctx, "1000a1b2c3")
//
// # Thread Safety
//
// Registry and StatusReader are safe for concurrent use.
package device
