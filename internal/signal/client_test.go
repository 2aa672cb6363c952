package signal

import (
	"errors"
	"testing"
)

func newTestClient() *Client {
	return &Client{sinks: make(map[chan<- Event]struct{})}
}

func TestConnectionLossReachesLiveSinks(t *testing.T) {
	c := newTestClient()
	hostEvents := make(chan Event, 1)
	callEvents := make(chan Event, 1)
	c.addSink(hostEvents)
	c.addSink(callEvents)

	dropErr := errors.New("broker went away")
	c.connectionLost(dropErr)

	for name, events := range map[string]chan Event{"registration": hostEvents, "call": callEvents} {
		select {
		case ev := <-events:
			if ev.Kind != EventError {
				t.Fatalf("%s got kind %s, want error", name, ev.Kind)
			}
			if KindOf(ev.Err) != KindRelayUnreachable {
				t.Fatalf("%s error kind = %v, want relay-unreachable", name, KindOf(ev.Err))
			}
			if !errors.Is(ev.Err, dropErr) {
				t.Fatalf("%s error does not wrap the transport failure: %v", name, ev.Err)
			}
		default:
			t.Fatalf("no error event delivered to the %s", name)
		}
	}
}

func TestConnectionLossSkipsClosedSinks(t *testing.T) {
	c := newTestClient()
	events := make(chan Event, 1)
	c.addSink(events)
	c.removeSink(events)

	c.connectionLost(errors.New("broker went away"))

	select {
	case ev := <-events:
		t.Fatalf("closed sink received %s", ev.Kind)
	default:
	}
}
