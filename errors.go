package xmux

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineStopped is returned once the multiplexer has entered its
	// terminal state after a fatal broker error. There is no automatic
	// reconnect; the caller must build a fresh engine.
	ErrEngineStopped = errors.New("xmux: engine stopped")

	// ErrClosed is returned when operations are attempted on a closed engine.
	ErrClosed = errors.New("xmux: engine closed")

	// ErrNotReady is returned when the engine is used before provisioning
	// completed, i.e. it was not constructed through the Builder.
	ErrNotReady = errors.New("xmux: engine not ready")

	// ErrStreamClosed terminates a Stream after Close.
	ErrStreamClosed = errors.New("xmux: stream closed")

	ErrInvalidEventName = errors.New("xmux: event name must not be empty")
	ErrInvalidEnvelope  = errors.New("xmux: envelope must not be nil")
	ErrNilCallback      = errors.New("xmux: callback must not be nil")

	ErrObserverPoolShutdownTimeout = errors.New("xmux: observer pool shutdown timeout")
)

// ErrUnknownBroker is returned when a broker adapter name is not registered.
type ErrUnknownBroker struct{ name string }

func (e ErrUnknownBroker) Error() string { return fmt.Sprintf("xmux: unknown broker: %s", e.name) }

// UnsupportedBodyShapeError reports a payload whose body cannot carry the
// event-identity tag under the active strategy.
type UnsupportedBodyShapeError struct {
	Strategy Strategy
	Err      error
}

func (e *UnsupportedBodyShapeError) Error() string {
	return fmt.Sprintf("xmux: body is not field-addressable under strategy %q: %v", e.Strategy, e.Err)
}

func (e *UnsupportedBodyShapeError) Unwrap() error { return e.Err }

// PropertyValueError reports a non-scalar envelope property.
type PropertyValueError struct {
	Key   string
	Value any
}

func (e *PropertyValueError) Error() string {
	return fmt.Sprintf("xmux: property %q has non-scalar value of type %T", e.Key, e.Value)
}

// ProvisioningError wraps a broker admin failure during startup.
// An "already exists" outcome is never wrapped; it is success.
type ProvisioningError struct {
	Topic        string
	Subscription string
	Err          error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("xmux: provisioning subscription %q on topic %q: %v", e.Subscription, e.Topic, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// SendError surfaces a broker send failure to the Publish caller.
// There is no built-in retry; the caller decides.
type SendError struct {
	Topic string
	Event string
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("xmux: send event %q to topic %q: %v", e.Event, e.Topic, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
