// Package identity persists the uplink's platform device id and its
// telemetry sequence counter in SQLite.
//
// The platform id is the fallback when no device id is configured; it is
// generated once and survives restarts so topics and the MQTT client id
// stay stable. The sequence is diagnostic only and never used for ordering.
package identity
