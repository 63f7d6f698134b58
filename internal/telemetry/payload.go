package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// PayloadVersion is the wire schema version the sampler stamps into every
// payload as "v". The delivery core never checks it.
const PayloadVersion = 11

// ErrNotObject is returned by Parse when the input is valid JSON but not an
// object.
var ErrNotObject = errors.New("payload is not a JSON object")

// Payload is one immutable telemetry snapshot produced by the sampler.
//
// The delivery core treats it as an opaque, already-serialised value: the
// bytes given to Parse are the bytes published and queued, field for field.
// DeviceID and Sequence are read from "device_id" and "seq" only for
// diagnostics. Sequence is never used to order deliveries.
type Payload struct {
	DeviceID string
	Sequence int64

	raw json.RawMessage
}

// Parse wraps one serialised payload. The input must be a JSON object; it
// is compacted but otherwise kept as given, including fields this package
// does not know about. data is copied, so the caller may reuse it.
func Parse(data []byte) (Payload, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return Payload{}, fmt.Errorf("decoding payload: %w", err)
	}
	raw := buf.Bytes()
	if len(raw) == 0 || raw[0] != '{' {
		return Payload{}, ErrNotObject
	}

	p := Payload{raw: raw}
	p.readHeader()
	return p, nil
}

// readHeader fills the diagnostic fields. A missing or mistyped field is
// left zero rather than rejected.
func (p *Payload) readHeader() {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(p.raw, &fields); err != nil {
		return
	}
	if v, ok := fields["device_id"]; ok {
		_ = json.Unmarshal(v, &p.DeviceID)
	}
	if v, ok := fields["seq"]; ok {
		_ = json.Unmarshal(v, &p.Sequence)
	}
}

// Bytes returns the serialised payload. The slice must not be modified.
func (p Payload) Bytes() []byte {
	return p.raw
}

// IsZero reports whether p was never parsed.
func (p Payload) IsZero() bool {
	return len(p.raw) == 0
}
