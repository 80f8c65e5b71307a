// Package store is the realtime key-value store megbridge publishes
// telemetry to and reads commands from.
//
// Three backends implement Store:
//
//   - FirebaseStore: Firebase Realtime Database over REST, with child
//     notifications from the server-sent event stream
//   - MQTTStore: retained messages on an MQTT broker, one topic per path
//   - MemoryStore: in-process, for tests and local runs
//
// # Layout
//
//	/meg/control/{deviceId}    {"command": "on"|"off"}   written by clients, cleared by megbridge
//	/meg/telemetry/{deviceId}  {"state", "temperature", "humidity", "online", "at"}
//
// Writing an empty object removes a node on every backend.
//
// # Watching
//
// Watch delivers a ChildEvent for every direct child of a path: first one per
// existing child, then one per change. A removed child arrives with a null
// value. Callbacks run on the backend's delivery goroutine and must not block.
package store
