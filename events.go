package avenc

import (
	"time"

	"github.com/kelindar/event"
)

// Event type constants for kelindar/event.
const (
	TypeBackendSelected uint32 = iota + 1
	TypeTargetAbandoned
	TypeKeyframeForced
	TypeSessionClosed
)

// Event is implemented by every session event.
type Event interface {
	Type() uint32
}

// BackendSelectedEvent is published once a video backend initialized.
type BackendSelectedEvent struct {
	Backend   string
	Codec     string
	Fallback  bool // A higher tier was tried first and failed
	Timestamp time.Time
}

// Type returns the event type identifier for BackendSelectedEvent.
func (e BackendSelectedEvent) Type() uint32 { return TypeBackendSelected }

// TargetAbandonedEvent is published when a mux target fails and is dropped.
type TargetAbandonedEvent struct {
	Target    string
	Error     string
	Timestamp time.Time
}

// Type returns the event type identifier for TargetAbandonedEvent.
func (e TargetAbandonedEvent) Type() uint32 { return TypeTargetAbandoned }

// KeyframeForcedEvent is published when a keyframe is requested.
type KeyframeForcedEvent struct {
	Reason    string // "snap", "sink" or "caller"
	PTS       int64
	Timestamp time.Time
}

// Type returns the event type identifier for KeyframeForcedEvent.
func (e KeyframeForcedEvent) Type() uint32 { return TypeKeyframeForced }

// SessionClosedEvent is published when Close finished.
type SessionClosedEvent struct {
	VideoPackets int64
	AudioPackets int64
	Error        string
	Timestamp    time.Time
}

// Type returns the event type identifier for SessionClosedEvent.
func (e SessionClosedEvent) Type() uint32 { return TypeSessionClosed }

// Events wraps a kelindar/event dispatcher. A nil *Events drops everything.
type Events struct {
	dispatcher *event.Dispatcher
}

// NewEvents creates an event bus.
func NewEvents() *Events {
	return &Events{dispatcher: event.NewDispatcher()}
}

// Publish delivers ev to subscribers of its concrete type.
func (b *Events) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case BackendSelectedEvent:
		event.Publish(b.dispatcher, e)
	case TargetAbandonedEvent:
		event.Publish(b.dispatcher, e)
	case KeyframeForcedEvent:
		event.Publish(b.dispatcher, e)
	case SessionClosedEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers handler, whose parameter type selects the events it
// receives. It returns the unsubscribe function.
func (b *Events) Subscribe(handler any) func() {
	if b == nil {
		return func() {}
	}
	switch h := handler.(type) {
	case func(BackendSelectedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(TargetAbandonedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(KeyframeForcedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(SessionClosedEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}
