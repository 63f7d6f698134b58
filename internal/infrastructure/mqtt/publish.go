package mqtt

import (
	"context"
	"fmt"

	"github.com/nerrad567/aura-uplink/internal/telemetry"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// Publisher pushes telemetry payloads to one broker target.
//
// Publish never returns an error: failures are recorded on the status board
// and reported as false for this target, so callers can route the payload
// to the outbox.
type Publisher struct {
	mgr    *Manager
	qos    byte
	logger Logger
}

// NewPublisher creates a publisher over mgr, sending telemetry at qos.
func NewPublisher(mgr *Manager, qos byte) *Publisher {
	if qos > maxQoS {
		qos = 1
	}
	return &Publisher{mgr: mgr, qos: qos, logger: mgr.logger}
}

// Label returns the delivery-target label.
func (p *Publisher) Label() string {
	return p.mgr.Label()
}

// Enabled reports whether the target has at least one endpoint.
func (p *Publisher) Enabled() bool {
	return p.mgr.HasEndpoints()
}

// Publish sends payload to the telemetry topic (not retained) and, if last
// is non-nil, last to the last-snapshot topic (retained).
//
// Parameters:
//   - ctx: Bounds the connect and publish; the caller applies its own deadline
//   - payload: Serialised telemetry snapshot, sent byte for byte
//   - last: Optional pre-serialised last-known-state blob
//   - filter: Targets to publish to; nil means every target
//
// Returns:
//   - map[string]bool: Empty when this target is filtered out, otherwise
//     {label: success}
func (p *Publisher) Publish(ctx context.Context, payload telemetry.Payload, last []byte, filter telemetry.TargetSet) map[string]bool {
	label := p.Label()
	if filter != nil && !filter.Contains(label) {
		return map[string]bool{}
	}

	if !p.mgr.HasEndpoints() {
		p.mgr.updateStatus(StateDisabled)
		return map[string]bool{label: false}
	}

	if err := p.publish(ctx, payload, last); err != nil {
		p.logger.Warn("mqtt publish failed",
			"target", label,
			"seq", payload.Sequence,
			"error", err,
		)
		p.mgr.updateStatus(StateFailed)
		return map[string]bool{label: false}
	}

	p.mgr.updateStatus(StateConnected)
	return map[string]bool{label: true}
}

func (p *Publisher) publish(ctx context.Context, payload telemetry.Payload, last []byte) error {
	body := payload.Bytes()
	if len(body) == 0 {
		return fmt.Errorf("%w: empty payload", ErrPublishFailed)
	}
	if len(body) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(body), maxPayloadSize)
	}

	topics := p.mgr.Topics()
	msgs := []Message{{
		Topic:   topics.Telemetry(),
		Payload: body,
		QoS:     p.qos,
	}}
	if last != nil {
		msgs = append(msgs, Message{
			Topic:    topics.Last(),
			Payload:  last,
			QoS:      presenceQoS,
			Retained: true,
		})
	}
	return p.mgr.Publish(ctx, msgs...)
}
