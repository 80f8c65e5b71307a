// Package logging provides structured logging for megbridge.
//
// It wraps the standard log/slog package so every component logs with the
// same handler, level and default fields (service, version).
//
// Configuration (config.yaml or LOG_LEVEL / LOG_FORMAT / LOG_OUTPUT):
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	bridgeLog := logger.With("component", "bridge")
//	bridgeLog.Warn("telemetry publish failed", "device_id", id, "error", err)
//
// Never log vendor passwords, access tokens or Firebase private keys.
package logging
