package store

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"strings"
)

// Store is a path-scoped realtime key-value store.
type Store interface {
	// Set overwrites the value at path. An empty object removes the node.
	Set(ctx context.Context, path string, value any) error

	// Get decodes the value at path into dst. Returns ErrNotFound when empty.
	Get(ctx context.Context, path string, dst any) error

	// Watch calls fn for each direct child of path, now and on every change,
	// until ctx is cancelled.
	Watch(ctx context.Context, path string, fn func(ChildEvent)) error

	// Close releases backend resources.
	Close() error
}

// ChildEvent is an added, changed or removed child of a watched path.
type ChildEvent struct {
	Key   string
	Value json.RawMessage
}

// Removed reports whether the child no longer holds a value.
func (e ChildEvent) Removed() bool {
	return isEmptyValue(e.Value)
}

// Logger is the logging interface used by store backends.
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

// Paths builds the store layout under a root node.
type Paths struct {
	Root string
}

// NewPaths returns the layout under root ("meg" when empty).
func NewPaths(root string) Paths {
	root = strings.Trim(root, "/")
	if root == "" {
		root = "meg"
	}
	return Paths{Root: root}
}

// Base returns the root path, e.g. /meg.
func (p Paths) Base() string {
	return cleanPath(p.Root)
}

// Control returns the command inbox path, e.g. /meg/control.
func (p Paths) Control() string {
	return cleanPath(p.Root + "/control")
}

// ControlFor returns the inbox entry of one device.
func (p Paths) ControlFor(id string) string {
	return p.Control() + "/" + id
}

// Telemetry returns the telemetry path, e.g. /meg/telemetry.
func (p Paths) Telemetry() string {
	return cleanPath(p.Root + "/telemetry")
}

// TelemetryFor returns the telemetry record path of one device.
func (p Paths) TelemetryFor(id string) string {
	return p.Telemetry() + "/" + id
}

// cleanPath normalizes p to a rooted path without a trailing slash.
func cleanPath(p string) string {
	return path.Clean("/" + strings.Trim(p, "/"))
}

// parentOf returns the parent path of p ("/" for top-level nodes).
func parentOf(p string) string {
	return path.Dir(cleanPath(p))
}

// leafOf returns the last segment of p.
func leafOf(p string) string {
	return path.Base(cleanPath(p))
}

// isEmptyValue reports whether raw JSON represents a removed node.
func isEmptyValue(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	if trimmed[0] != '{' {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(trimmed, &obj) == nil && len(obj) == 0
}

// encode marshals a value for storage. json.RawMessage and []byte pass through.
func encode(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	case nil:
		return json.RawMessage("null"), nil
	default:
		return json.Marshal(v)
	}
}
