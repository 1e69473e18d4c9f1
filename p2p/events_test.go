package p2p

import (
	"testing"
	"time"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	first, cancelFirst := bus.Subscribe(4)
	second, cancelSecond := bus.Subscribe(4)
	defer cancelFirst()
	defer cancelSecond()

	bus.publish(Event{Kind: EventPeerActive, NodePubKey: "aa01"})

	for _, ch := range []<-chan Event{first, second} {
		select {
		case ev := <-ch:
			if ev.Kind != EventPeerActive || ev.NodePubKey != "aa01" {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.publish(Event{Kind: EventPeerActive})
	bus.publish(Event{Kind: EventPeerClose})

	<-ch
	select {
	case ev := <-ch:
		t.Fatalf("expected drop, got %s", ev.Kind)
	default:
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
	// A publish after cancel must not panic.
	bus.publish(Event{Kind: EventPeerActive})
	cancel()
}
