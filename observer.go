package xmux

import (
	"time"

	"github.com/trickstertwo/xlog"
)

// EventType enumerates engine lifecycle events for the Observer pattern.
type EventType string

const (
	PublishStart  EventType = "publish_start"
	PublishDone   EventType = "publish_done"
	Dispatch      EventType = "dispatch"
	CallbackError EventType = "callback_error"
	ReceiverError EventType = "receiver_error"
	BackoffPause  EventType = "backoff_pause"
	EngineStopped EventType = "engine_stopped"
	StreamDrop    EventType = "stream_drop"
)

// Event carries telemetry for observers.
type Event struct {
	Type           EventType
	Topic          string
	EventName      string
	SubscriptionID SubscriptionID
	Code           ErrorCode
	Duration       time.Duration
	Err            error

	// Internal: attached for async dispatch
	observers []Observer
}

// Observer receives engine lifecycle events. Implementations should be
// non-blocking; slow observers are isolated by the ObserverPool.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits engine events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("topic", e.Topic),
		xlog.Str("event_name", e.EventName),
		xlog.Str("subscription_id", string(e.SubscriptionID)),
	)
	switch e.Type {
	case CallbackError, ReceiverError, EngineStopped:
		ev.Warn().Err(e.Err).Str("code", string(e.Code)).Msg("xmux event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xmux event")
	}
}
