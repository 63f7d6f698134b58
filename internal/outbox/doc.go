// Package outbox provides the file-backed offline queue for telemetry that
// could not be delivered to every target synchronously.
//
// # Layout
//
// Records are JSON lines in one partition file per UTC day:
//
//	<dir>/pending_20260412.jsonl
//	<dir>/pending_20260413.jsonl
//
// Each record carries the payload plus the set of target labels that still
// need it. A record is deleted once that set is empty.
//
// # Guarantees
//
//   - Delivery is at-least-once. A crash between a successful publish and
//     the partition rewrite causes a redelivery, never a loss.
//   - A partition is rewritten through a ".tmp" sibling that is renamed over
//     the original, so a crash leaves either the old or the new file.
//   - Today's partition is capped at MaxBytesPerDay. Writes beyond the cap
//     are dropped and counted (see Stats).
//   - Partitions older than the retention window are deleted on the next
//     Enqueue or DrainOnce.
//
// # Usage
//
//	box, err := outbox.New(cfg.Outbox.Dir, outbox.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := box.Initialize(ctx); err != nil {
//	    return err
//	}
//	stored, err := box.Enqueue(payload, pending, "publish_timeout")
package outbox
