package memory

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xmux"
)

// Broker implements the xmux broker facade with in-process channels.
// Every named subscription of a topic receives a copy of every envelope
// sent to it. Not suitable for production but excellent for local
// development and tests.
type Broker struct {
	cfg Config

	mu     sync.RWMutex
	topics map[string]*topic

	closed atomic.Bool

	metrics *brokerMetrics
}

type brokerMetrics struct {
	sent      atomic.Uint64
	delivered atomic.Uint64
	injected  atomic.Uint64
}

var (
	_ xmux.Broker = (*Broker)(nil)
	_ xmux.Admin  = (*Broker)(nil)
)

// NewBroker creates a new in-memory broker.
func NewBroker(cfg Config) *Broker {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	return &Broker{
		cfg:     cfg,
		topics:  make(map[string]*topic),
		metrics: &brokerMetrics{},
	}
}

// CreateSubscription implements the admin surface. Creating a name that
// already exists returns a BrokerError with CodeAlreadyExists, the
// distinguishable outcome provisioning treats as success.
func (b *Broker) CreateSubscription(_ context.Context, topicName, name string, _ xmux.SubscriptionOptions) error {
	if b.closed.Load() {
		return errClosed(topicName)
	}
	tp := b.ensureTopic(topicName)

	tp.mu.Lock()
	defer tp.mu.Unlock()
	if _, ok := tp.subs[name]; ok {
		return &xmux.BrokerError{
			Code:      xmux.CodeAlreadyExists,
			Entity:    topicName + "/" + name,
			Namespace: "memory",
			Err:       errors.New("subscription already exists"),
		}
	}
	tp.subs[name] = newSubQueue(name, b.cfg.BufferSize)
	return nil
}

// CreateSender returns a sender bound to one topic.
func (b *Broker) CreateSender(topicName string) (xmux.Sender, error) {
	if b.closed.Load() {
		return nil, errClosed(topicName)
	}
	return &sender{b: b, topic: topicName}, nil
}

// CreateReceiver returns a receiver for one named subscription.
func (b *Broker) CreateReceiver(topicName, subscription string) (xmux.Receiver, error) {
	if b.closed.Load() {
		return nil, errClosed(topicName)
	}
	return &receiver{b: b, topic: topicName, sub: subscription}, nil
}

// Close shuts the broker down.
func (b *Broker) Close(_ context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	b.topics = make(map[string]*topic)
	b.mu.Unlock()
	return nil
}

// InjectError feeds err into the receive loop of topic/subscription,
// exercising the engine's failure classification in tests.
func (b *Broker) InjectError(topicName, subscription string, err error) {
	b.mu.RLock()
	tp, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return
	}
	tp.mu.RLock()
	q, ok := tp.subs[subscription]
	tp.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case q.errCh <- err:
		b.metrics.injected.Add(1)
	default:
	}
}

// Stats returns broker telemetry.
type Stats struct {
	Sent      uint64
	Delivered uint64
	Injected  uint64
}

func (b *Broker) Stats() Stats {
	return Stats{
		Sent:      b.metrics.sent.Load(),
		Delivered: b.metrics.delivered.Load(),
		Injected:  b.metrics.injected.Load(),
	}
}

func (b *Broker) ensureTopic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tp, ok := b.topics[name]; ok {
		return tp
	}
	tp := &topic{subs: make(map[string]*subQueue)}
	b.topics[name] = tp
	return tp
}

func errClosed(entity string) error {
	return &xmux.BrokerError{
		Code:      xmux.CodeEntityDisabled,
		Entity:    entity,
		Namespace: "memory",
		Err:       errors.New("memory broker is closed"),
	}
}

// Internal types

type topic struct {
	mu   sync.RWMutex
	subs map[string]*subQueue
}

type subQueue struct {
	name  string
	ch    chan *xmux.Envelope
	errCh chan error
}

func newSubQueue(name string, buffer int) *subQueue {
	return &subQueue{
		name:  name,
		ch:    make(chan *xmux.Envelope, buffer),
		errCh: make(chan error, 16),
	}
}

type sender struct {
	b     *Broker
	topic string
}

// Send fans the envelope out to every named subscription of the topic.
// Each subscription gets its own clone so property maps are never shared.
func (s *sender) Send(ctx context.Context, env *xmux.Envelope) error {
	if s.b.closed.Load() {
		return errClosed(s.topic)
	}

	s.b.mu.RLock()
	tp, ok := s.b.topics[s.topic]
	s.b.mu.RUnlock()
	if !ok {
		// No subscriptions => nothing retains the message (dev semantics).
		s.b.metrics.sent.Add(1)
		return nil
	}

	tp.mu.RLock()
	defer tp.mu.RUnlock()
	for _, q := range tp.subs {
		select {
		case q.ch <- env.Clone():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.b.metrics.sent.Add(1)
	return nil
}

func (s *sender) Close(_ context.Context) error { return nil }

type receiver struct {
	b     *Broker
	topic string
	sub   string
}

// Listen drives delivery from the subscription queue on a single goroutine,
// preserving per-subscriber ordering.
func (r *receiver) Listen(ctx context.Context, h xmux.Handlers) (io.Closer, error) {
	if r.b.closed.Load() {
		return nil, errClosed(r.topic)
	}

	tp := r.b.ensureTopic(r.topic)
	tp.mu.Lock()
	q, ok := tp.subs[r.sub]
	if !ok {
		if !r.b.cfg.AutoCreate {
			tp.mu.Unlock()
			return nil, &xmux.BrokerError{
				Code:      xmux.CodeEntityNotFound,
				Entity:    r.topic + "/" + r.sub,
				Namespace: "memory",
				Err:       errors.New("subscription does not exist"),
			}
		}
		q = newSubQueue(r.sub, r.b.cfg.BufferSize)
		tp.subs[r.sub] = q
	}
	tp.mu.Unlock()

	innerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-innerCtx.Done():
				return
			case env := <-q.ch:
				if env != nil && h.OnMessage != nil {
					r.b.metrics.delivered.Add(1)
					h.OnMessage(env)
				}
			case err := <-q.errCh:
				if err != nil && h.OnError != nil {
					h.OnError(err)
				}
			}
		}
	}()

	return &listenCloser{cancel: cancel, done: done}, nil
}

type listenCloser struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func (c *listenCloser) Close() error {
	c.once.Do(c.cancel)
	<-c.done
	return nil
}
