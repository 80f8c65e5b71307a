// Package mqtt provides MQTT client connectivity for megbridge.
//
// The broker is one of the realtime store backends: store paths map onto
// topics, telemetry is published as retained JSON, and the command inbox is
// a set of retained topics written by external actors.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Context-bounded publishing and subscribing
//   - Subscription restoration after reconnect
//   - Last Will and Testament (LWT) on megbridge/status
//
// # Topic mapping
//
// Store paths drop their leading slash to become topics:
//
//	/meg/telemetry/1000a1b2c3  →  meg/telemetry/1000a1b2c3
//	/meg/control/+             ←  children of /meg/control
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(ctx, mqtt.Topics{}.Tree("/meg/control"), 1,
//	    func(topic string, payload []byte) error {
//	        log.Info("command", "path", mqtt.Topics{}.PathOf(topic))
//	        return nil
//	    })
//
//	err = client.Publish(ctx, mqtt.Topics{}.Path("/meg/telemetry/1000a1"), payload, 1, true)
package mqtt
