package xmux

import (
	"context"

	"github.com/trickstertwo/xlog"
)

// Provisioner idempotently ensures a durable broker-side subscription
// exists. It runs exactly once, at engine construction.
type Provisioner struct {
	admin  Admin
	logger *xlog.Logger
}

// NewProvisioner wires an admin client and logger.
func NewProvisioner(admin Admin, logger *xlog.Logger) *Provisioner {
	if logger == nil {
		logger = xlog.Default()
	}
	return &Provisioner{admin: admin, logger: logger}
}

// Ensure creates topic/name with opts. An "already exists" broker error is
// logged and treated as success; every other failure aborts startup.
func (p *Provisioner) Ensure(ctx context.Context, topic, name string, opts SubscriptionOptions) error {
	err := p.admin.CreateSubscription(ctx, topic, name, opts)
	if err == nil {
		p.logger.Info().
			Str("topic", topic).
			Str("subscription", name).
			Msg("xmux: subscription provisioned")
		return nil
	}
	if CodeOf(err) == CodeAlreadyExists {
		p.logger.Debug().
			Str("topic", topic).
			Str("subscription", name).
			Msg("xmux: subscription already exists")
		return nil
	}
	return &ProvisioningError{Topic: topic, Subscription: name, Err: err}
}
