package xmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Sender delivers envelopes to a single broker topic.
type Sender interface {
	Send(ctx context.Context, env *Envelope) error
	Close(ctx context.Context) error
}

// Handlers receive inbound traffic from a Receiver. OnMessage is invoked
// sequentially in broker delivery order; OnError is invoked for every
// receive-loop failure and may block to apply backoff.
type Handlers struct {
	OnMessage func(env *Envelope)
	OnError   func(err error)
}

// Receiver is one durable broker-side subscription attached to a topic.
type Receiver interface {
	// Listen starts delivery in the background and returns a closer that
	// detaches the receiver. Honors ctx for shutdown.
	Listen(ctx context.Context, h Handlers) (io.Closer, error)
}

// Broker is the Strategy interface for message broker backends.
// The multiplexer creates at most one Sender and one Receiver per instance.
type Broker interface {
	CreateSender(topic string) (Sender, error)
	CreateReceiver(topic, subscription string) (Receiver, error)
	Close(ctx context.Context) error
}

// Admin exposes the broker's administrative provisioning surface.
type Admin interface {
	// CreateSubscription creates a durable subscription. When it already
	// exists the broker returns a BrokerError with CodeAlreadyExists.
	CreateSubscription(ctx context.Context, topic, name string, opts SubscriptionOptions) error
}

// SubscriptionOptions pass through to the broker admin verbatim; the engine
// performs no validation of their values.
type SubscriptionOptions struct {
	// IdleTimeout auto-deletes the subscription after inactivity.
	IdleTimeout time.Duration
	// MaxDeliveryCount bounds redelivery attempts per message.
	MaxDeliveryCount int
	// MessageTTL expires undelivered messages.
	MessageTTL time.Duration
}

// ErrorCode classifies broker failures for the receive-loop state machine.
type ErrorCode string

const (
	CodeAlreadyExists  ErrorCode = "already_exists"
	CodeBusy           ErrorCode = "busy"
	CodeLockLost       ErrorCode = "lock_lost"
	CodeEntityDisabled ErrorCode = "entity_disabled"
	CodeEntityNotFound ErrorCode = "entity_not_found"
	CodeUnauthorized   ErrorCode = "unauthorized"
	CodeUnknown        ErrorCode = "unknown"
)

// BrokerError is the typed error adapters surface to the engine.
type BrokerError struct {
	Code      ErrorCode
	Entity    string
	Namespace string
	Err       error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker error %s (entity=%s namespace=%s): %v", e.Code, e.Entity, e.Namespace, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// CodeOf extracts the broker error code from an error chain.
// Non-broker errors classify as CodeUnknown.
func CodeOf(err error) ErrorCode {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeUnknown
}

// isFatalCode reports whether a code terminates the engine.
func isFatalCode(c ErrorCode) bool {
	switch c {
	case CodeEntityDisabled, CodeEntityNotFound, CodeUnauthorized:
		return true
	}
	return false
}

// BrokerFactory constructs brokers from a config blob.
type BrokerFactory func(cfg map[string]any) (Broker, error)

var (
	brokerRegistryMu sync.RWMutex
	brokerRegistry   = map[string]BrokerFactory{}
)

// RegisterBroker registers a backend adapter.
func RegisterBroker(name string, factory BrokerFactory) error {
	if name == "" {
		return errors.New("broker name must not be empty")
	}
	if factory == nil {
		return errors.New("broker factory must not be nil")
	}
	brokerRegistryMu.Lock()
	brokerRegistry[name] = factory
	brokerRegistryMu.Unlock()
	return nil
}

// NewBroker constructs a broker by name with config.
func NewBroker(name string, cfg map[string]any) (Broker, error) {
	brokerRegistryMu.RLock()
	f, ok := brokerRegistry[name]
	brokerRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownBroker{name: name}
	}
	return f(cfg)
}
