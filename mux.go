package xmux

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// SubscriptionID is the opaque token returned by Subscribe. The engine's
// registry exclusively owns the record behind it.
type SubscriptionID string

// subscription is one live registry entry: event filter plus callback.
type subscription struct {
	id    SubscriptionID
	event string
	cb    Callback
}

// matches implements the fan-out filter: wildcard, or exact identity match.
// Untagged envelopes match nothing except the wildcard.
func (s *subscription) matches(eventName string, tagged bool) bool {
	if s.event == Wildcard {
		return true
	}
	return tagged && s.event == eventName
}

// Wildcard subscribes to every envelope regardless of tag.
const Wildcard = "*"

// Mux is the multiplexing engine: it owns the single broker-side
// subscription and fans the inbound stream out to every registered logical
// subscriber. At most one Receiver and one Sender are ever created per
// instance, no matter how many event names are subscribed.
type Mux struct {
	cfg         Config
	broker      Broker
	tagger      Tagger
	codec       Codec
	clock       xclock.Clock
	logger      *xlog.Logger
	middlewares []Middleware
	busyBackoff backoff.BackOff
	ownsBroker  bool
	baseCtx     context.Context

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	mu         sync.RWMutex
	registry   map[SubscriptionID]*subscription
	sender     Sender
	recvCloser io.Closer

	ready     bool
	stopped   atomic.Bool
	closed    atomic.Bool
	doneCh    chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	metrics   *muxMetrics
}

// muxMetrics uses lock-free atomics for telemetry on the hot path.
type muxMetrics struct {
	published      atomic.Uint64
	received       atomic.Uint64
	dispatched     atomic.Uint64
	callbackErrors atomic.Uint64
	receiveErrors  atomic.Uint64
	streamDrops    atomic.Uint64
	processingNs   atomic.Int64
}

// Codec returns the configured codec (Strategy).
func (m *Mux) Codec() Codec { return m.codec }

// Tagger returns the active tagging strategy.
func (m *Mux) Tagger() Tagger { return m.tagger }

// state gates every public call on the engine lifecycle.
func (m *Mux) state() error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.stopped.Load() {
		return ErrEngineStopped
	}
	if !m.ready {
		return ErrNotReady
	}
	return nil
}

// Publish encodes payload, tags it with event and sends it on the
// configured topic. Send failures surface as *SendError; there is no
// automatic retry at this layer.
func (m *Mux) Publish(ctx context.Context, event string, payload any, props map[string]any) error {
	if err := m.state(); err != nil {
		return err
	}
	if event == "" {
		return ErrInvalidEventName
	}
	if err := validateProperties(props); err != nil {
		return err
	}

	body, err := m.codec.Marshal(payload)
	if err != nil {
		return err
	}
	env := &Envelope{
		Body:       body,
		Properties: props,
		ProducedAt: m.clock.Now(),
	}
	return m.publishEnvelope(ctx, event, env)
}

// PublishEnvelope sends a caller-built envelope. The identity tag is still
// applied by the engine; a pre-existing tag on the envelope wins.
func (m *Mux) PublishEnvelope(ctx context.Context, event string, env *Envelope) error {
	if err := m.state(); err != nil {
		return err
	}
	if event == "" {
		return ErrInvalidEventName
	}
	if env == nil {
		return ErrInvalidEnvelope
	}
	if err := validateProperties(env.Properties); err != nil {
		return err
	}
	if env.ProducedAt.IsZero() {
		env = env.Clone()
		env.ProducedAt = m.clock.Now()
	}
	return m.publishEnvelope(ctx, event, env)
}

func (m *Mux) publishEnvelope(ctx context.Context, event string, env *Envelope) error {
	tagged, err := m.tagger.Tag(env, event)
	if err != nil {
		return err
	}

	s, err := m.lazySender()
	if err != nil {
		return err
	}

	m.notifyAsync(Event{Type: PublishStart, Topic: m.cfg.Topic, EventName: event})

	start := m.clock.Now()
	err = s.Send(ctx, tagged)
	duration := m.clock.Since(start)
	m.recordProcessingTime(duration.Nanoseconds())

	m.notifyAsync(Event{
		Type:      PublishDone,
		Topic:     m.cfg.Topic,
		EventName: event,
		Duration:  duration,
		Err:       err,
	})

	if err != nil {
		return &SendError{Topic: m.cfg.Topic, Event: event, Err: err}
	}
	m.metrics.published.Add(1)
	return nil
}

// lazySender creates the single broker sender on first use and reuses it
// for the engine's lifetime.
func (m *Mux) lazySender() (Sender, error) {
	m.mu.RLock()
	s := m.sender
	m.mu.RUnlock()
	if s != nil {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sender != nil {
		return m.sender, nil
	}
	s, err := m.broker.CreateSender(m.cfg.Topic)
	if err != nil {
		return nil, err
	}
	m.sender = s
	return s, nil
}

// Subscribe registers cb under event and returns a fresh subscription id.
// The first call attaches the shared receiver; subsequent calls reuse it.
// Duplicate event names are permitted and each entry is invoked
// independently per matching envelope.
func (m *Mux) Subscribe(ctx context.Context, event string, cb Callback) (SubscriptionID, error) {
	if err := m.state(); err != nil {
		return "", err
	}
	if event == "" {
		return "", ErrInvalidEventName
	}
	if cb == nil {
		return "", ErrNilCallback
	}

	// Panic recovery is always innermost so configured middlewares observe
	// a non-panicking callback.
	wrapped := Chain(RecoveryMiddleware()(cb), m.middlewares...)

	sub := &subscription{
		id:    SubscriptionID(uuid.NewString()),
		event: event,
		cb:    wrapped,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.attachReceiverLocked(); err != nil {
		return "", err
	}
	m.registry[sub.id] = sub
	return sub.id, nil
}

// attachReceiverLocked lazily creates the one shared broker receiver.
// Caller holds m.mu.
func (m *Mux) attachReceiverLocked() error {
	if m.recvCloser != nil {
		return nil
	}
	r, err := m.broker.CreateReceiver(m.cfg.Topic, m.cfg.Subscription)
	if err != nil {
		return err
	}
	// The receiver outlives any individual Subscribe call; its lifetime is
	// the engine's, not the caller's ctx.
	closer, err := r.Listen(m.baseCtx, Handlers{
		OnMessage: m.dispatch,
		OnError:   m.handleReceiveError,
	})
	if err != nil {
		return err
	}
	m.recvCloser = closer
	m.logger.Info().
		Str("topic", m.cfg.Topic).
		Str("subscription", m.cfg.Subscription).
		Msg("xmux: receiver attached")
	return nil
}

// Unsubscribe removes the registry entry and stops future dispatch to its
// callback. Unknown ids are a silent no-op; shutdown races are expected and
// must not crash callers. The shared receiver is never detached here.
func (m *Mux) Unsubscribe(id SubscriptionID) {
	m.mu.Lock()
	delete(m.registry, id)
	m.mu.Unlock()
}

// Subscriptions reports the number of live registry entries.
func (m *Mux) Subscriptions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.registry)
}

// dispatch fans one inbound envelope out to every matching registry entry.
// Runs on the receiver's delivery goroutine; entries are snapshotted under
// the read lock so a concurrent Unsubscribe cannot be invoked mid-dispatch.
func (m *Mux) dispatch(env *Envelope) {
	m.metrics.received.Add(1)
	m.busyBackoff.Reset()

	eventName, tagged := m.tagger.Extract(env)

	m.mu.RLock()
	matched := make([]*subscription, 0, len(m.registry))
	for _, sub := range m.registry {
		if sub.matches(eventName, tagged) {
			matched = append(matched, sub)
		}
	}
	m.mu.RUnlock()

	if len(matched) == 0 {
		return
	}

	body := m.tagger.Deliverable(env)

	ctx := injectCodec(m.baseCtx, m.codec)
	ctx = injectLogger(ctx, m.logger)
	ctx = injectClock(ctx, m.clock)

	for _, sub := range matched {
		start := m.clock.Now()
		err := sub.cb(ctx, body)
		duration := m.clock.Since(start)
		m.recordProcessingTime(duration.Nanoseconds())
		m.metrics.dispatched.Add(1)

		if err != nil {
			m.metrics.callbackErrors.Add(1)
			m.logger.Warn().
				Err(err).
				Str("event_name", eventName).
				Str("subscription_id", string(sub.id)).
				Msg("xmux: callback failed")
			m.notifyAsync(Event{
				Type:           CallbackError,
				Topic:          m.cfg.Topic,
				EventName:      eventName,
				SubscriptionID: sub.id,
				Duration:       duration,
				Err:            err,
			})
			continue
		}
		m.notifyAsync(Event{
			Type:           Dispatch,
			Topic:          m.cfg.Topic,
			EventName:      eventName,
			SubscriptionID: sub.id,
			Duration:       duration,
		})
	}
}

// handleReceiveError is the failure-classification state machine entered on
// every broker receive error. It runs on the receiver's error goroutine, so
// blocking here pauses intake, which is exactly what the busy path wants.
func (m *Mux) handleReceiveError(err error) {
	m.metrics.receiveErrors.Add(1)
	code := CodeOf(err)
	m.notifyAsync(Event{Type: ReceiverError, Topic: m.cfg.Topic, Code: code, Err: err})

	switch {
	case code == CodeBusy:
		d := m.busyBackoff.NextBackOff()
		if d == backoff.Stop {
			d = time.Second
		}
		m.logger.Warn().
			Err(err).
			Str("pause", d.String()).
			Str("topic", m.cfg.Topic).
			Msg("xmux: broker busy, pausing intake")
		m.notifyAsync(Event{Type: BackoffPause, Topic: m.cfg.Topic, Code: code, Duration: d})
		select {
		case <-time.After(d):
		case <-m.doneCh:
		}

	case code == CodeLockLost:
		// The broker redelivers per its own policy; no corrective action.
		m.logger.Warn().
			Err(err).
			Str("topic", m.cfg.Topic).
			Msg("xmux: message lock lost, awaiting redelivery")

	case isFatalCode(code):
		m.stop(err)

	default:
		m.logger.Warn().
			Err(err).
			Str("code", string(code)).
			Str("topic", m.cfg.Topic).
			Msg("xmux: unclassified broker error, continuing")
	}
}

// stop enters the terminal state: the receiver is closed, dispatch ends,
// and every later Subscribe/Publish fails with ErrEngineStopped.
// One-way degrade; there is no automatic reconnect.
func (m *Mux) stop(cause error) {
	if m.stopped.Swap(true) {
		return
	}
	m.doneOnce.Do(func() { close(m.doneCh) })

	m.mu.RLock()
	closer := m.recvCloser
	m.mu.RUnlock()
	if closer != nil {
		// The closer joins the delivery goroutine we may be running on;
		// close from the outside to avoid a self-join.
		go func() { _ = closer.Close() }()
	}

	m.logger.Error().
		Err(cause).
		Str("topic", m.cfg.Topic).
		Str("subscription", m.cfg.Subscription).
		Str("code", string(CodeOf(cause))).
		Msg("xmux: fatal broker error, engine stopped")
	m.notifyAsync(Event{Type: EngineStopped, Topic: m.cfg.Topic, Code: CodeOf(cause), Err: cause})
}

// Close gracefully shuts the engine down and releases the receiver, sender
// and observer pool. Idempotent.
func (m *Mux) Close(ctx context.Context) error {
	var closeErr error

	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.doneOnce.Do(func() { close(m.doneCh) })

		m.mu.Lock()
		closer := m.recvCloser
		sender := m.sender
		m.recvCloser = nil
		m.sender = nil
		m.mu.Unlock()

		if closer != nil {
			if err := closer.Close(); err != nil {
				m.logger.Warn().Err(err).Msg("xmux: receiver close failed")
				closeErr = err
			}
		}
		if sender != nil {
			if err := sender.Close(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("xmux: sender close failed")
				closeErr = err
			}
		}
		if m.observerPool != nil {
			if err := m.observerPool.Close(5 * time.Second); err != nil {
				m.logger.Warn().Err(err).Msg("xmux: observer pool shutdown timeout")
				closeErr = err
			}
		}
		if m.ownsBroker {
			if err := m.broker.Close(ctx); err != nil {
				m.logger.Error().Err(err).Msg("xmux: broker close failed")
				closeErr = err
			}
		}
	})

	return closeErr
}

// Metrics defines observable engine telemetry.
type Metrics struct {
	Published           uint64
	Received            uint64
	Dispatched          uint64
	CallbackErrors      uint64
	ReceiveErrors       uint64
	StreamDrops         uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// GetMetrics returns current engine metrics.
func (m *Mux) GetMetrics() Metrics {
	var poolDropped uint64
	if m.observerPool != nil {
		poolDropped = m.observerPool.Stats().Dropped
	}
	return Metrics{
		Published:           m.metrics.published.Load(),
		Received:            m.metrics.received.Load(),
		Dispatched:          m.metrics.dispatched.Load(),
		CallbackErrors:      m.metrics.callbackErrors.Load(),
		ReceiveErrors:       m.metrics.receiveErrors.Load(),
		StreamDrops:         m.metrics.streamDrops.Load(),
		EventsDropped:       poolDropped,
		AvgProcessingTimeMs: float64(m.metrics.processingNs.Load()) / 1e6,
	}
}

// HealthStatus indicates engine health for liveness probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}

// Health reports engine health.
func (m *Mux) Health(ctx context.Context) HealthStatus {
	if m.closed.Load() {
		return HealthStatus{Status: "unhealthy", Timestamp: time.Now(), Message: "engine is closed"}
	}
	if m.stopped.Load() {
		return HealthStatus{Status: "unhealthy", Timestamp: time.Now(), Message: "engine stopped after fatal broker error"}
	}

	metrics := m.GetMetrics()
	status := "healthy"

	// Degraded if callback error rate > 5%
	if metrics.CallbackErrors > 0 && metrics.Dispatched > 0 {
		errorRate := float64(metrics.CallbackErrors) / float64(metrics.Dispatched)
		if errorRate > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: time.Now(),
	}
}

// AddObserver registers an observer (thread-safe).
func (m *Mux) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	m.observersMu.Lock()
	m.observers = append(m.observers, obs)
	m.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (m *Mux) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	m.observersMu.Lock()
	defer m.observersMu.Unlock()

	for i, o := range m.observers {
		if o == obs {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync dispatches events asynchronously (non-blocking).
func (m *Mux) notifyAsync(e Event) {
	if m.observerPool == nil || m.closed.Load() {
		return
	}

	m.observersMu.RLock()
	observerCount := len(m.observers)
	if observerCount == 0 {
		m.observersMu.RUnlock()
		return
	}

	if observerCount == 1 {
		obs := m.observers[0]
		m.observersMu.RUnlock()
		m.observerPool.Notify(e, []Observer{obs})
		return
	}

	observers := make([]Observer, observerCount)
	copy(observers, m.observers)
	m.observersMu.RUnlock()

	m.observerPool.Notify(e, observers)
}

// recordProcessingTime keeps an exponential moving average.
func (m *Mux) recordProcessingTime(ns int64) {
	const alpha = 0.2 // 20% weight to new sample
	current := m.metrics.processingNs.Load()
	if current == 0 {
		m.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	m.metrics.processingNs.Store(newAvg)
}
