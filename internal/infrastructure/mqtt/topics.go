package mqtt

import "strings"

// StatusTopic carries megbridge's own online/offline state (retained, LWT).
const StatusTopic = "megbridge/status"

// Topics maps realtime store paths onto MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.Path("/meg/telemetry/1000a1")  // "meg/telemetry/1000a1"
//	topics.Tree("/meg")                   // "meg/#"
type Topics struct{}

// Status returns the bridge status topic.
func (Topics) Status() string {
	return StatusTopic
}

// Path returns the topic for a store path.
//
// Example: /meg/control/1000a1 → meg/control/1000a1
func (Topics) Path(path string) string {
	return strings.Trim(path, "/")
}

// Tree returns a filter matching every topic below a store path.
//
// Pattern: meg/#
func (t Topics) Tree(path string) string {
	return t.Path(path) + "/#"
}

// PathOf returns the store path for a topic.
//
// Example: meg/control/1000a1 → /meg/control/1000a1
func (Topics) PathOf(topic string) string {
	return "/" + strings.Trim(topic, "/")
}
