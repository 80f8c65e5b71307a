package device

import (
	"encoding/json"
	"strconv"
	"strings"
)

// extractor pulls one value out of a raw vendor record.
// It returns ok=false when the field is absent or unusable.
type extractor[T any] struct {
	name string
	fn   func(record map[string]any) (T, bool)
}

// firstOf returns the value of the first extractor that succeeds.
func firstOf[T any](record map[string]any, table []extractor[T]) (T, bool) {
	for _, ex := range table {
		if v, ok := ex.fn(record); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// idExtractors resolve the device id of a vendor record.
var idExtractors = []extractor[string]{
	{name: "deviceid", fn: topString("deviceid")},
	{name: "deviceId", fn: topString("deviceId")},
	{name: "id", fn: topString("id")},
}

// powerExtractors resolve the power state: top-level switch, then the first
// entry of the switch list.
var powerExtractors = []extractor[string]{
	{name: "params.switch", fn: paramString("switch")},
	{name: "params.switches[0].switch", fn: firstSwitch},
}

// temperatureExtractors resolve the temperature reading.
var temperatureExtractors = []extractor[float64]{
	{name: "params.currentTemperature", fn: paramNumber("currentTemperature")},
	{name: "params.temperature", fn: paramNumber("temperature")},
	{name: "params.temp", fn: paramNumber("temp")},
}

// humidityExtractors resolve the relative humidity reading.
var humidityExtractors = []extractor[float64]{
	{name: "params.currentHumidity", fn: paramNumber("currentHumidity")},
	{name: "params.humidity", fn: paramNumber("humidity")},
	{name: "params.hum", fn: paramNumber("hum")},
}

// ExtractID returns the device id of a raw vendor record.
func ExtractID(record map[string]any) (string, bool) {
	return firstOf(record, idExtractors)
}

func params(record map[string]any) map[string]any {
	p, _ := record["params"].(map[string]any)
	return p
}

func topString(key string) func(map[string]any) (string, bool) {
	return func(record map[string]any) (string, bool) {
		return asString(record[key])
	}
}

func paramString(key string) func(map[string]any) (string, bool) {
	return func(record map[string]any) (string, bool) {
		return asString(params(record)[key])
	}
}

func paramNumber(key string) func(map[string]any) (float64, bool) {
	return func(record map[string]any) (float64, bool) {
		return asNumber(params(record)[key])
	}
}

func firstSwitch(record map[string]any) (string, bool) {
	switches, ok := params(record)["switches"].([]any)
	if !ok || len(switches) == 0 {
		return "", false
	}
	first, ok := switches[0].(map[string]any)
	if !ok {
		return "", false
	}
	return asString(first["switch"])
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// asNumber accepts JSON numbers and numeric strings. Vendor sensors report
// "unavailable" as a string when the sensor is disconnected.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
