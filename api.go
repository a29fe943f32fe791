package xmux

import (
	"context"
)

// API represents the complete engine surface for extensibility.
type API interface {
	Publish(ctx context.Context, event string, payload any, props map[string]any) error
	PublishEnvelope(ctx context.Context, event string, env *Envelope) error
	Subscribe(ctx context.Context, event string, cb Callback) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID)
	Stream(ctx context.Context, event string) (*Stream, error)
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Mux)(nil)
