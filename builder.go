package xmux

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ErrNoBrokerConfigured is returned by Build when neither a broker instance
// nor a registered adapter name was supplied.
var ErrNoBrokerConfigured = errors.New("xmux: no broker configured")

// Builder constructs Mux instances (Builder pattern). Brokers and admin
// clients are constructor-injected; the engine keeps no ambient state.
type Builder struct {
	cfg Config

	brokerName string
	brokerCfg  map[string]any
	brokerInst Broker
	adminInst  Admin

	codecName string
	codecInst Codec

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	busyBackoff backoff.BackOff

	poolWorkers int
	poolBuffer  int
}

// NewBuilder returns a builder for cfg with sensible defaults.
func NewBuilder(cfg Config) *Builder {
	return &Builder{
		cfg:         cfg.withDefaults(),
		codecName:   "json",
		poolWorkers: 4,
		poolBuffer:  1000,
	}
}

// WithBroker selects a registered broker adapter by name with config.
func (bb *Builder) WithBroker(name string, cfg map[string]any) *Builder {
	bb.brokerName = name
	bb.brokerCfg = cfg
	return bb
}

// WithBrokerInstance accepts a ready Broker instance (e.g., from adapter Use()).
// The caller keeps ownership; Close does not touch it.
func (bb *Builder) WithBrokerInstance(b Broker) *Builder {
	bb.brokerInst = b
	return bb
}

// WithAdmin injects the administrative provisioning client. When absent,
// Build uses the broker itself if it implements Admin.
func (bb *Builder) WithAdmin(a Admin) *Builder {
	bb.adminInst = a
	return bb
}

// WithCodec selects a codec by name (default: json).
func (bb *Builder) WithCodec(name string) *Builder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *Builder) WithCodecInstance(c Codec) *Builder {
	bb.codecInst = c
	return bb
}

// WithMiddleware adds processing middlewares around subscriber callbacks.
func (bb *Builder) WithMiddleware(mw ...Middleware) *Builder {
	if len(mw) == 0 {
		return bb
	}
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

// WithObserver attaches observers for engine lifecycle events.
func (bb *Builder) WithObserver(obs ...Observer) *Builder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithLogger injects a custom xlog logger.
func (bb *Builder) WithLogger(l *xlog.Logger) *Builder {
	bb.logger = l
	return bb
}

// WithClock injects a custom xclock clock.
func (bb *Builder) WithClock(c xclock.Clock) *Builder {
	bb.clock = c
	return bb
}

// WithBusyBackoff sets the pause policy applied when the broker reports
// overload. Default: constant one-second pauses.
func (bb *Builder) WithBusyBackoff(b backoff.BackOff) *Builder {
	bb.busyBackoff = b
	return bb
}

// WithObserverPool sizes the async observer dispatch pool.
func (bb *Builder) WithObserverPool(workers, bufferSize int) *Builder {
	bb.poolWorkers = workers
	bb.poolBuffer = bufferSize
	return bb
}

// Build assembles the engine. Provisioning runs to completion here, before
// the Mux is returned, so Subscribe/Publish can never race an absent
// broker-side subscription.
func (bb *Builder) Build(ctx context.Context) (*Mux, error) {
	if err := bb.cfg.validate(); err != nil {
		return nil, err
	}

	var (
		br         Broker
		ownsBroker bool
		err        error
	)
	switch {
	case bb.brokerInst != nil:
		br = bb.brokerInst
	case bb.brokerName != "":
		br, err = NewBroker(bb.brokerName, bb.brokerCfg)
		if err != nil {
			return nil, err
		}
		ownsBroker = true
	default:
		return nil, ErrNoBrokerConfigured
	}

	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}
	bo := bb.busyBackoff
	if bo == nil {
		bo = backoff.NewConstantBackOff(time.Second)
	}

	tagger, err := NewTagger(bb.cfg.TagStrategy, bb.cfg.EventKey, cd)
	if err != nil {
		return nil, err
	}

	if bb.cfg.Provisioning.Enabled {
		admin := bb.adminInst
		if admin == nil {
			a, ok := br.(Admin)
			if !ok {
				return nil, errors.New("xmux: provisioning enabled but no admin client available")
			}
			admin = a
		}
		prov := NewProvisioner(admin, lg)
		opts := SubscriptionOptions{
			IdleTimeout:      bb.cfg.Provisioning.IdleTimeout,
			MaxDeliveryCount: bb.cfg.Provisioning.MaxDeliveryCount,
			MessageTTL:       bb.cfg.Provisioning.MessageTTL,
		}
		if err := prov.Ensure(ctx, bb.cfg.Topic, bb.cfg.Subscription, opts); err != nil {
			return nil, err
		}
	}

	m := &Mux{
		cfg:         bb.cfg,
		broker:      br,
		tagger:      tagger,
		codec:       cd,
		clock:       clk,
		logger:      lg,
		middlewares: bb.middlewares,
		busyBackoff: bo,
		ownsBroker:  ownsBroker,
		baseCtx:     context.Background(),
		registry:    make(map[SubscriptionID]*subscription),
		doneCh:      make(chan struct{}),
		metrics:     &muxMetrics{},
		ready:       true,
	}
	m.observerPool = NewObserverPool(m.baseCtx, bb.poolWorkers, bb.poolBuffer)

	// Attach logging observer first for dependable telemetry unless already
	// supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		m.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		m.AddObserver(o)
	}

	return m, nil
}

// New constructs a Mux via Builder and returns a close func for convenience.
func New(cfg Config, init func(b *Builder)) (*Mux, func() error, error) {
	bb := NewBuilder(cfg)
	if init != nil {
		init(bb)
	}
	m, err := bb.Build(context.Background())
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return m.Close(context.Background()) }
	return m, closeFn, nil
}
