// Package telemetry defines the values that flow through the delivery core:
// the immutable Payload snapshot produced by the sampler and the TargetSet
// of delivery-target labels still waiting for it.
//
// Payloads are produced outside this module (GNSS and IMU acquisition).
// The delivery core never validates their schema and never rewrites them:
// a Payload carries the serialised bytes it was parsed from.
package telemetry
