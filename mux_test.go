package xmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker delivers published envelopes synchronously into the attached
// receiver handlers, making dispatch deterministic in tests.
type fakeBroker struct {
	mu               sync.Mutex
	sendersCreated   int
	receiversCreated int
	closerCloses     int
	sent             []*Envelope
	sendErr          error
	handlers         Handlers
	adminErr         error
	adminCalls       int
}

func (f *fakeBroker) CreateSender(topic string) (Sender, error) {
	f.mu.Lock()
	f.sendersCreated++
	f.mu.Unlock()
	return &fakeSender{f: f}, nil
}

func (f *fakeBroker) CreateReceiver(topic, subscription string) (Receiver, error) {
	f.mu.Lock()
	f.receiversCreated++
	f.mu.Unlock()
	return &fakeReceiver{f: f}, nil
}

func (f *fakeBroker) Close(context.Context) error { return nil }

func (f *fakeBroker) CreateSubscription(_ context.Context, topic, name string, _ SubscriptionOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adminCalls++
	return f.adminErr
}

// deliver pushes an envelope straight into the receiver handlers.
func (f *fakeBroker) deliver(env *Envelope) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	if h.OnMessage != nil {
		h.OnMessage(env)
	}
}

// emitError feeds a receive-loop error into the engine.
func (f *fakeBroker) emitError(err error) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (f *fakeBroker) receivers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receiversCreated
}

func (f *fakeBroker) senders() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendersCreated
}

func (f *fakeBroker) sentEnvelopes() []*Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeSender struct{ f *fakeBroker }

func (s *fakeSender) Send(_ context.Context, env *Envelope) error {
	s.f.mu.Lock()
	err := s.f.sendErr
	if err == nil {
		s.f.sent = append(s.f.sent, env)
	}
	h := s.f.handlers
	s.f.mu.Unlock()
	if err != nil {
		return err
	}
	if h.OnMessage != nil {
		h.OnMessage(env.Clone())
	}
	return nil
}

func (s *fakeSender) Close(context.Context) error { return nil }

type fakeReceiver struct{ f *fakeBroker }

func (r *fakeReceiver) Listen(_ context.Context, h Handlers) (io.Closer, error) {
	r.f.mu.Lock()
	r.f.handlers = h
	r.f.mu.Unlock()
	return closerFunc(func() error {
		r.f.mu.Lock()
		r.f.closerCloses++
		r.f.mu.Unlock()
		return nil
	}), nil
}

type closerFunc func() error

func (c closerFunc) Close() error { return c() }

func testConfig() Config {
	return Config{
		Topic:        "orders",
		Subscription: "orders-worker",
	}
}

func newTestMux(t *testing.T, broker *fakeBroker) *Mux {
	t.Helper()
	m, err := NewBuilder(testConfig()).
		WithBrokerInstance(broker).
		WithBusyBackoff(backoff.NewConstantBackOff(time.Millisecond)).
		Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestSubscribe_SingleReceiverInvariant(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestMux(t, broker)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := m.Subscribe(ctx, fmt.Sprintf("Event%d", i%3), func(context.Context, []byte) error { return nil })
		require.NoError(t, err)
	}

	assert.Equal(t, 1, broker.receivers())
	assert.Equal(t, 10, m.Subscriptions())
}

func TestPublish_SingleSenderInvariant(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestMux(t, broker)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Publish(ctx, "A", map[string]string{"n": fmt.Sprint(i)}, nil))
	}
	assert.Equal(t, 1, broker.senders())
}

func TestDispatch_FanOut(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestMux(t, broker)
	ctx := context.Background()

	var gotA, gotB []string
	_, err := m.Subscribe(ctx, "A", func(_ context.Context, body []byte) error {
		gotA = append(gotA, string(body))
		return nil
	})
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "B", func(_ context.Context, body []byte) error {
		gotB = append(gotB, string(body))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "A", map[string]string{"id": "1234", "status": "Ready"}, nil))

	require.Len(t, gotA, 1)
	assert.Empty(t, gotB)
	assert.JSONEq(t, `{"id":"1234","status":"Ready"}`, gotA[0])
}

func TestDispatch_DuplicateEventNames(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestMux(t, broker)
	ctx := context.Background()

	var first, second int
	_, err := m.Subscribe(ctx, "A", func(context.Context, []byte) error { first++; return nil })
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "A", func(context.Context, []byte) error { second++; return nil })
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "A", "x", nil))

	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestDispatch_Wildcard(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestMux(t, broker)
	ctx := context.Background()

	var got []string
	_, err := m.Subscribe(ctx, Wildcard, func(_ context.Context, body []byte) error {
		got = append(got, string(body))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "A", "a", nil))
	require.NoError(t, m.Publish(ctx, "B", "b", nil))

	assert.Len(t, got, 2)
}

func TestDispatch_UntaggedMatchesOnlyWildcard(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestMux(t, broker)
	ctx := context.Background()

	var named, wild int
	_, err := m.Subscribe(ctx, "A", func(context.Context, []byte) error { named++; return nil })
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, Wildcard, func(context.Context, []byte) error { wild++; return nil })
	require.NoError(t, err)

	// An untagged envelope straight off the wire.
	broker.deliver(&Envelope{Body: []byte(`{}`)})

	assert.Zero(t, named)
	assert.Equal(t, 1, wild)
}

func TestUnsubscribe_Isolation(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestMux(t, broker)
	ctx := context.Background()

	var x, y int
	idX, err := m.Subscribe(ctx, "A", func(context.Context, []byte) error { x++; return nil })
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "A", func(context.Context, []byte) error { y++; return nil })
	require.NoError(t, err)

	m.Unsubscribe(idX)
	require.NoError(t, m.Publish(ctx, "A", "payload", nil))

	assert.Zero(t, x)
	assert.Equal(t, 1, y)
	// The shared receiver stays attached.
	broker.mu.Lock()
	closes := broker.closerCloses
	broker.mu.Unlock()
	assert.Zero(t, closes)
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestMux(t, broker)
	ctx := context.Background()

	id, err := m.Subscribe(ctx, "A", func(context.Context, []byte) error { return nil })
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.Unsubscribe(id)
		m.Unsubscribe(id)
		m.Unsubscribe(SubscriptionID("does-not-exist"))
	})
	assert.Zero(t, m.Subscriptions())
}

func TestPublish_TagsEnvelope(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestMux(t, broker)

	require.NoError(t, m.Publish(context.Background(), "StatusUpdate", "x", map[string]any{"tenant": "acme"}))

	sent := broker.sentEnvelopes()
	require.Len(t, sent, 1)
	assert.Equal(t, "StatusUpdate", sent[0].Properties[DefaultEventKey])
	assert.Equal(t, "acme", sent[0].Properties["tenant"])
	assert.False(t, sent[0].ProducedAt.IsZero())
}

func TestPublish_NonScalarProperty(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestMux(t, broker)

	err := m.Publish(context.Background(), "A", "x", map[string]any{"bad": []int{1}})
	var propErr *PropertyValueError
	assert.ErrorAs(t, err, &propErr)
}

func TestPublish_SendErrorSurfaced(t *testing.T) {
	broker := &fakeBroker{sendErr: errors.New("boom")}
	m := newTestMux(t, broker)

	err := m.Publish(context.Background(), "A", "x", nil)
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "orders", sendErr.Topic)
	assert.Equal(t, "A", sendErr.Event)
}

func TestPublishEnvelope_PrebuiltEnvelope(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestMux(t, broker)

	env := &Envelope{
		Body:       []byte(`{"id":"1"}`),
		Properties: map[string]any{"tenant": "acme"},
	}
	require.NoError(t, m.PublishEnvelope(context.Background(), "A", env))

	sent := broker.sentEnvelopes()
	require.Len(t, sent, 1)
	assert.Equal(t, "A", sent[0].Properties[DefaultEventKey])

	assert.ErrorIs(t, m.PublishEnvelope(context.Background(), "A", nil), ErrInvalidEnvelope)
}

func TestCallbackError_DoesNotAffectOthers(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestMux(t, broker)
	ctx := context.Background()

	var healthy int
	_, err := m.Subscribe(ctx, "A", func(context.Context, []byte) error { return errors.New("bad subscriber") })
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "A", func(context.Context, []byte) error { healthy++; return nil })
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "A", "x", nil))
	assert.Equal(t, 1, healthy)
	assert.Equal(t, uint64(1), m.GetMetrics().CallbackErrors)
}

func TestCallbackPanic_Recovered(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestMux(t, broker)
	ctx := context.Background()

	_, err := m.Subscribe(ctx, "A", func(context.Context, []byte) error { panic("kaboom") })
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		require.NoError(t, m.Publish(ctx, "A", "x", nil))
	})
	assert.Equal(t, uint64(1), m.GetMetrics().CallbackErrors)
}

func TestReceiveError_FatalStopsEngine(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestMux(t, broker)
	ctx := context.Background()

	_, err := m.Subscribe(ctx, "A", func(context.Context, []byte) error { return nil })
	require.NoError(t, err)

	broker.emitError(&BrokerError{Code: CodeEntityNotFound, Entity: "orders/orders-worker", Err: errors.New("gone")})

	_, err = m.Subscribe(ctx, "B", func(context.Context, []byte) error { return nil })
	assert.ErrorIs(t, err, ErrEngineStopped)
	assert.ErrorIs(t, m.Publish(ctx, "A", "x", nil), ErrEngineStopped)
	assert.Equal(t, "unhealthy", m.Health(ctx).Status)
}

func TestReceiveError_TransientContinues(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestMux(t, broker)
	ctx := context.Background()

	var got int
	_, err := m.Subscribe(ctx, "A", func(context.Context, []byte) error { got++; return nil })
	require.NoError(t, err)

	broker.emitError(&BrokerError{Code: CodeBusy, Err: errors.New("throttled")})
	broker.emitError(&BrokerError{Code: CodeLockLost, Err: errors.New("lock expired")})
	broker.emitError(errors.New("something unclassified"))

	require.NoError(t, m.Publish(ctx, "A", "x", nil))
	assert.Equal(t, 1, got)
	assert.Equal(t, uint64(3), m.GetMetrics().ReceiveErrors)
}

func TestClose_Idempotent(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestMux(t, broker)

	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, m.Close(context.Background()))
	assert.ErrorIs(t, m.Publish(context.Background(), "A", "x", nil), ErrClosed)
}

func TestZeroValueMux_NotReady(t *testing.T) {
	m := &Mux{}
	assert.ErrorIs(t, m.Publish(context.Background(), "A", "x", nil), ErrNotReady)
	_, err := m.Subscribe(context.Background(), "A", func(context.Context, []byte) error { return nil })
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestBuild_ProvisioningRunsBeforeReady(t *testing.T) {
	broker := &fakeBroker{}
	cfg := testConfig()
	cfg.Provisioning = Provisioning{Enabled: true, MaxDeliveryCount: 10}

	m, err := NewBuilder(cfg).WithBrokerInstance(broker).Build(context.Background())
	require.NoError(t, err)
	defer m.Close(context.Background())

	assert.Equal(t, 1, broker.adminCalls)
}

func TestBuild_ProvisioningAlreadyExistsIsSuccess(t *testing.T) {
	broker := &fakeBroker{adminErr: &BrokerError{Code: CodeAlreadyExists, Err: errors.New("exists")}}
	cfg := testConfig()
	cfg.Provisioning = Provisioning{Enabled: true}

	m, err := NewBuilder(cfg).WithBrokerInstance(broker).Build(context.Background())
	require.NoError(t, err)
	defer m.Close(context.Background())
}

func TestBuild_ProvisioningFailureIsFatal(t *testing.T) {
	broker := &fakeBroker{adminErr: &BrokerError{Code: CodeUnauthorized, Err: errors.New("denied")}}
	cfg := testConfig()
	cfg.Provisioning = Provisioning{Enabled: true}

	_, err := NewBuilder(cfg).WithBrokerInstance(broker).Build(context.Background())
	var provErr *ProvisioningError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "orders", provErr.Topic)
}

func TestBuild_Validation(t *testing.T) {
	broker := &fakeBroker{}

	_, err := NewBuilder(Config{Subscription: "s"}).WithBrokerInstance(broker).Build(context.Background())
	assert.Error(t, err)

	_, err = NewBuilder(Config{Topic: "t"}).WithBrokerInstance(broker).Build(context.Background())
	assert.Error(t, err)

	_, err = NewBuilder(testConfig()).Build(context.Background())
	assert.ErrorIs(t, err, ErrNoBrokerConfigured)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeBusy, CodeOf(&BrokerError{Code: CodeBusy}))
	assert.Equal(t, CodeBusy, CodeOf(fmt.Errorf("wrapped: %w", &BrokerError{Code: CodeBusy})))
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("plain")))
}
