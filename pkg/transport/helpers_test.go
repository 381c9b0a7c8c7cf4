package transport

import (
	"testing"
	"time"

	"github.com/rexliu/evolink/pkg/duplex"
)

type eventSink struct {
	events chan duplex.Event
}

func newEventSink() *eventSink {
	return &eventSink{events: make(chan duplex.Event, 64)}
}

func (s *eventSink) Notify(ev duplex.Event) {
	s.events <- ev
}

func (s *eventSink) next(t *testing.T) duplex.Event {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered")
		return duplex.Event{}
	}
}

func (s *eventSink) expect(t *testing.T, kind duplex.EventKind) duplex.Event {
	t.Helper()
	ev := s.next(t)
	if ev.Kind != kind {
		t.Fatalf("expected %s event, got %s (err=%v data=%s)", kind, ev.Kind, ev.Err, ev.Data)
	}
	return ev
}
