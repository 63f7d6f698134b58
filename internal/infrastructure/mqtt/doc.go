// Package mqtt provides broker connectivity for Aura Uplink.
//
// This package manages:
//   - One physical connection per delivery target (Manager)
//   - Publishing telemetry and last-known-state snapshots (Publisher)
//   - Retained presence on status/<device> with a matching last will
//   - On-demand LAN broker discovery when no endpoint answers
//   - Observable per-target status (StatusBoard)
//
// # Retry Layers
//
// Two independent layers retry connections. paho's auto-reconnect restores
// a link that was up and dropped; the application reconnect loop (package
// delivery) drives targets that never came up or failed explicitly. They
// communicate only through the StatusBoard.
//
// # Topics
//
//	telemetry/<device>   QoS 1, not retained
//	status/<device>      QoS 1, retained "online" / "offline" (also the will)
//	last/<device>        QoS 1, retained most recent payload
//
// # Security Considerations
//
//   - Enable TLS (mqtt.broker.tls) on untrusted networks; TLS 1.2 minimum
//   - Credentials are never logged
//   - Discovery treats any open port as a broker candidate
//
// # Usage
//
//	board := mqtt.NewStatusBoard()
//	mgr := mqtt.NewManager(cfg.MQTT, deviceID, board,
//	    mqtt.WithLogger(logger),
//	    mqtt.WithDiscovery(cfg.Discovery, nil),
//	)
//	pub := mqtt.NewPublisher(mgr, byte(cfg.MQTT.QoS))
//	results := pub.Publish(ctx, payload, lastJSON, nil)
//	defer mgr.DisconnectAll(context.Background())
package mqtt
