package xmux

import (
	"context"
	"sync"
)

// defaultStreamBuffer bounds how many undrained payloads a Stream holds
// before the oldest is dropped.
const defaultStreamBuffer = 64

// Stream adapts one logical subscription into a pull-based asynchronous
// sequence, for integration with subscription-resolution frameworks. It is
// lazy, infinite and non-restartable: it terminates only on Close or when
// the engine stops.
type Stream struct {
	mux *Mux
	id  SubscriptionID
	ch  chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Stream registers a subscription on event and returns its pull adapter.
// Dispatch is never blocked by a slow consumer: when the buffer is full the
// oldest payload is dropped and counted.
func (m *Mux) Stream(ctx context.Context, event string) (*Stream, error) {
	s := &Stream{
		mux:  m,
		ch:   make(chan []byte, defaultStreamBuffer),
		done: make(chan struct{}),
	}

	id, err := m.Subscribe(ctx, event, func(_ context.Context, body []byte) error {
		for {
			select {
			case s.ch <- body:
				return nil
			default:
			}
			// Buffer full: evict the oldest entry and retry.
			select {
			case <-s.ch:
				m.metrics.streamDrops.Add(1)
				m.notifyAsync(Event{Type: StreamDrop, Topic: m.cfg.Topic, EventName: event, SubscriptionID: s.id})
			default:
			}
		}
	})
	if err != nil {
		return nil, err
	}
	s.id = id
	return s, nil
}

// ID returns the underlying subscription id.
func (s *Stream) ID() SubscriptionID { return s.id }

// Next blocks until the next matching payload is available. Buffered
// payloads drain before termination is reported. Returns ErrStreamClosed
// after Close, ErrEngineStopped when the engine stopped, or ctx.Err().
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	// Prefer already-delivered payloads over termination.
	select {
	case body := <-s.ch:
		return body, nil
	default:
	}

	select {
	case body := <-s.ch:
		return body, nil
	case <-s.done:
		return nil, ErrStreamClosed
	case <-s.mux.doneCh:
		return nil, ErrEngineStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unsubscribes and terminates the sequence. Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.mux.Unsubscribe(s.id)
	close(s.done)
}
