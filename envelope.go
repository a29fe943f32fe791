package xmux

import (
	"time"
)

// Envelope is the wire-level unit traveling through the multiplexer:
// an opaque body plus a flat bag of typed scalar properties.
type Envelope struct {
	// Body is the encoded payload. Opaque to the engine except under the
	// body-field tagging strategy, where it must be a JSON object.
	Body []byte
	// Properties is a flat map of scalar application metadata.
	Properties map[string]any
	// ProducedAt is the production timestamp (from injected clock).
	ProducedAt time.Time
}

// Clone returns a copy of the envelope with its own properties map.
// The body is shared; callers must not mutate delivered bodies.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	cp := &Envelope{
		Body:       e.Body,
		ProducedAt: e.ProducedAt,
	}
	if e.Properties != nil {
		cp.Properties = make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			cp.Properties[k] = v
		}
	}
	return cp
}

// isScalar reports whether v is an allowed property value.
// Properties carry flat scalar metadata only; nested values must travel
// in the body.
func isScalar(v any) bool {
	switch v.(type) {
	case nil:
		return false
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}

// validateProperties checks every property value against the scalar rule.
func validateProperties(props map[string]any) error {
	for k, v := range props {
		if !isScalar(v) {
			return &PropertyValueError{Key: k, Value: v}
		}
	}
	return nil
}
