package diag

import "testing"

func TestPublishFansOutToRegisteredClients(t *testing.T) {
	s := NewServer()
	c := &client{send: make(chan Event, 1)}
	s.register(c)

	s.Publish(Event{Kind: EventUplinkReceived, Timestamp: 1})

	select {
	case ev := <-c.send:
		if ev.Kind != EventUplinkReceived {
			t.Fatalf("unexpected event kind: %v", ev.Kind)
		}
	default:
		t.Fatal("expected event to be delivered to registered client")
	}
}

func TestPublishDropsWhenClientBufferFull(t *testing.T) {
	s := NewServer()
	c := &client{send: make(chan Event, 1)}
	s.register(c)

	s.Publish(Event{Kind: EventUplinkReceived, Timestamp: 1})
	// buffer now full; this one must be dropped, not block.
	s.Publish(Event{Kind: EventDownlinkDispatched, Timestamp: 2})

	ev := <-c.send
	if ev.Kind != EventUplinkReceived {
		t.Fatalf("expected the first event to survive, got %v", ev.Kind)
	}
	select {
	case <-c.send:
		t.Fatal("expected the second event to have been dropped")
	default:
	}
}

func TestRingReplayedToNewClient(t *testing.T) {
	s := NewServer()
	s.Publish(Event{Kind: EventThrottleDecision, Timestamp: 1})
	s.Publish(Event{Kind: EventBeaconMatched, Timestamp: 2})

	c := &client{send: make(chan Event, ringSize)}
	s.register(c)

	first := <-c.send
	second := <-c.send
	if first.Kind != EventThrottleDecision || second.Kind != EventBeaconMatched {
		t.Fatalf("ring replay out of order: %v, %v", first.Kind, second.Kind)
	}
}

func TestRingBoundedAtRingSize(t *testing.T) {
	s := NewServer()
	for i := 0; i < ringSize+10; i++ {
		s.Publish(Event{Kind: EventUplinkReceived, Timestamp: int64(i)})
	}
	if len(s.ring) != ringSize {
		t.Fatalf("ring size = %d, want %d", len(s.ring), ringSize)
	}
	if s.ring[0].Timestamp != 10 {
		t.Fatalf("expected oldest surviving event to have timestamp 10, got %d", s.ring[0].Timestamp)
	}
}

func TestUnregisterClosesSendChannel(t *testing.T) {
	s := NewServer()
	c := &client{send: make(chan Event, 1)}
	s.register(c)
	s.unregister(c)

	_, ok := <-c.send
	if ok {
		t.Fatal("expected send channel to be closed after unregister")
	}
}
