package xmux

import (
	"fmt"
)

// Strategy selects how the event identity travels inside an Envelope.
type Strategy string

const (
	// StrategyProperty stores the identity in Envelope.Properties.
	StrategyProperty Strategy = "property"
	// StrategyBodyField stores the identity as a field of a JSON object body.
	StrategyBodyField Strategy = "bodyField"
)

// Tagger embeds and extracts the event-identity string of an Envelope.
type Tagger interface {
	// Tag returns an envelope carrying eventID at the configured key.
	// Tagging is idempotent-safe: a pre-existing value at the key wins,
	// and caller-supplied metadata is never touched.
	Tag(env *Envelope, eventID string) (*Envelope, error)
	// Extract reads the identity back. ok=false means the envelope is
	// untagged, which matches nothing except the wildcard filter.
	Extract(env *Envelope) (string, bool)
	// Deliverable returns the body handed to subscriber callbacks, with
	// the identity tag hidden according to the strategy.
	Deliverable(env *Envelope) []byte
}

// NewTagger builds the tagger for a strategy and identity key.
func NewTagger(strategy Strategy, key string, codec Codec) (Tagger, error) {
	switch strategy {
	case StrategyProperty:
		return &propertyTagger{key: key}, nil
	case StrategyBodyField:
		return &bodyFieldTagger{key: key, codec: codec}, nil
	default:
		return nil, fmt.Errorf("xmux: unknown tagging strategy %q", strategy)
	}
}

// propertyTagger enriches the properties map without overwriting any
// caller-supplied key. The body is never inspected.
type propertyTagger struct {
	key string
}

func (t *propertyTagger) Tag(env *Envelope, eventID string) (*Envelope, error) {
	out := env.Clone()
	if out.Properties == nil {
		out.Properties = make(map[string]any, 1)
	}
	if _, exists := out.Properties[t.key]; !exists {
		out.Properties[t.key] = eventID
	}
	return out, nil
}

func (t *propertyTagger) Extract(env *Envelope) (string, bool) {
	if env.Properties == nil {
		return "", false
	}
	v, ok := env.Properties[t.key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (t *propertyTagger) Deliverable(env *Envelope) []byte { return env.Body }

// bodyFieldTagger writes the identity into the body itself, which must be
// a field-addressable JSON object.
type bodyFieldTagger struct {
	key   string
	codec Codec
}

func (t *bodyFieldTagger) Tag(env *Envelope, eventID string) (*Envelope, error) {
	obj, err := t.decodeObject(env.Body)
	if err != nil {
		return nil, err
	}
	if _, exists := obj[t.key]; !exists {
		obj[t.key] = eventID
	}
	body, err := t.codec.Marshal(obj)
	if err != nil {
		return nil, err
	}
	out := env.Clone()
	out.Body = body
	return out, nil
}

func (t *bodyFieldTagger) Extract(env *Envelope) (string, bool) {
	obj, err := t.decodeObject(env.Body)
	if err != nil {
		return "", false
	}
	v, ok := obj[t.key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (t *bodyFieldTagger) Deliverable(env *Envelope) []byte {
	obj, err := t.decodeObject(env.Body)
	if err != nil {
		return env.Body
	}
	if _, ok := obj[t.key]; !ok {
		return env.Body
	}
	delete(obj, t.key)
	body, err := t.codec.Marshal(obj)
	if err != nil {
		return env.Body
	}
	return body
}

func (t *bodyFieldTagger) decodeObject(body []byte) (map[string]any, error) {
	var obj map[string]any
	if err := t.codec.Unmarshal(body, &obj); err != nil {
		return nil, &UnsupportedBodyShapeError{Strategy: StrategyBodyField, Err: err}
	}
	if obj == nil {
		return nil, &UnsupportedBodyShapeError{Strategy: StrategyBodyField, Err: errNullBody}
	}
	return obj, nil
}

var errNullBody = fmt.Errorf("body decodes to null")
