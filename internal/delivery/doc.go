// Package delivery orchestrates telemetry delivery on top of the broker
// connections and the outbox.
//
// Three long-lived pieces share nothing but the outbox, the status board
// and a coalescing wake Signal:
//
//   - Service publishes each sample with a deadline and hands unfinished
//     targets to the outbox.
//   - Drainer retries outbox records with exponential backoff and jitter.
//   - ReconnectSupervisor runs a Reconnector per broker target that has
//     lost its connection.
package delivery
