package duplex

import (
	"encoding/json"
	"errors"
	"time"
)

// EventKind tags a notification delivered to subscribers.
type EventKind string

const (
	EventOpen    EventKind = "open"
	EventMessage EventKind = "message"
	EventError   EventKind = "error"
	EventClose   EventKind = "close"
)

// Event is a lifecycle notification or an unsolicited frame.
type Event struct {
	Kind EventKind
	// Data holds the raw JSON of an unsolicited frame. Empty for lifecycle events.
	Data json.RawMessage
	// Err is set for error events.
	Err error
	At  time.Time
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return errors.New("event carries no data")
	}
	return json.Unmarshal(e.Data, v)
}

// Subscriber receives every unsolicited frame and lifecycle event. Subscribers
// are registered by identity, so implementations must be comparable (pointer
// receivers are the usual choice).
//
// Notify runs on the goroutine that delivered the frame, usually the
// transport's read loop, and must return promptly. It must not wait on the
// client: a Notify that calls SendRequest or Call.Wait stalls the loop that
// would read its response, and the request ends in ErrTimeout. Issue the
// request with Client.Go and wait for the Call on another goroutine.
//
// Close delivers its close event on the caller's goroutine, which may overlap
// a delivery still in progress on the read loop. Implementations that keep
// state across events must synchronize it.
type Subscriber interface {
	Notify(Event)
}

// FuncSubscriber gives a plain function a stable identity.
type FuncSubscriber struct {
	fn func(Event)
}

// NewSubscriber wraps fn. Each call returns a distinct subscriber.
func NewSubscriber(fn func(Event)) *FuncSubscriber {
	return &FuncSubscriber{fn: fn}
}

// Notify invokes the wrapped function.
func (s *FuncSubscriber) Notify(ev Event) {
	if s.fn != nil {
		s.fn(ev)
	}
}
