package device

import (
	"fmt"
	"strings"
)

// PowerState is the normalized power state of a device.
type PowerState string

// Power states.
const (
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
	PowerUnknown PowerState = "unknown"
)

// ParsePowerState lower-cases and trims s. Anything other than on/off is unknown.
func ParsePowerState(s string) PowerState {
	switch PowerState(strings.ToLower(strings.TrimSpace(s))) {
	case PowerOn:
		return PowerOn
	case PowerOff:
		return PowerOff
	default:
		return PowerUnknown
	}
}

// ParseCommand validates a power command. The value is lower-cased and must
// then be exactly "on" or "off"; surrounding whitespace is not accepted.
func ParseCommand(s string) (PowerState, error) {
	switch state := PowerState(strings.ToLower(s)); state {
	case PowerOn, PowerOff:
		return state, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCommand, s)
	}
}

// Status is the canonical status of one device, derived fresh on every read.
type Status struct {
	DeviceID    string         `json:"deviceId"`
	Name        string         `json:"name,omitempty"`
	State       PowerState     `json:"state"`
	Temperature *float64       `json:"temperature"`
	Humidity    *float64       `json:"humidity"`
	Online      bool           `json:"online"`
	Raw         map[string]any `json:"raw,omitempty"`
}

// Mode is how the registry obtains its MonitoredSet.
type Mode string

// Registry modes.
const (
	ModeDiscovery Mode = "discovery"
	ModeStatic    Mode = "static"
)

// discoveryKeyword selects discovery mode in the configured id list.
const discoveryKeyword = "AUTO"

// ParseIDs interprets the configured device id list. Empty or "AUTO" selects
// discovery mode. Otherwise the value is split on commas, trimmed, and
// de-duplicated with order preserved.
func ParseIDs(raw string) (Mode, []string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.EqualFold(trimmed, discoveryKeyword) {
		return ModeDiscovery, nil
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, part := range strings.Split(trimmed, ",") {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ModeStatic, ids
}
