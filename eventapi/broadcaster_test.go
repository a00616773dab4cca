package eventapi

import "testing"

func TestSubscribeReceivesMatchingEventOnly(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	sub := b.Subscribe([]EventType{EventVMState})
	b.Publish(Event{Type: EventMemAccess, Data: map[string]any{"x": 1}})
	b.Publish(Event{Type: EventVMState, Data: map[string]any{"event": "basic_block_entry"}})

	select {
	case e := <-sub.Channel:
		if e.Type != EventVMState {
			t.Fatalf("got event type %q, want %q", e.Type, EventVMState)
		}
	default:
		t.Fatal("expected a buffered matching event")
	}

	select {
	case e := <-sub.Channel:
		t.Fatalf("did not expect a second event, got %+v", e)
	default:
	}
}

func TestSubscribeWithNoTypesReceivesEverything(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	sub := b.Subscribe(nil)
	b.Publish(Event{Type: EventOutput})
	b.Publish(Event{Type: EventMemAccess})

	seen := 0
	for i := 0; i < 2; i++ {
		select {
		case <-sub.Channel:
			seen++
		default:
		}
	}
	if seen != 2 {
		t.Fatalf("expected both events delivered, saw %d", seen)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	sub := b.Subscribe(nil)
	b.Unsubscribe(sub)

	// register/unregister are unbuffered, so both calls above only return
	// once the run loop has applied them; draining to closed just confirms it.
	for range sub.Channel {
	}
}

func TestSubscriptionCountTracksLifecycle(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	if b.SubscriptionCount() != 0 {
		t.Fatalf("SubscriptionCount() = %d, want 0", b.SubscriptionCount())
	}
	sub := b.Subscribe(nil)
	if b.SubscriptionCount() != 1 {
		t.Fatalf("SubscriptionCount() = %d, want 1", b.SubscriptionCount())
	}
	b.Unsubscribe(sub)
	for range sub.Channel {
	}
	if b.SubscriptionCount() != 0 {
		t.Fatalf("SubscriptionCount() = %d, want 0 after unsubscribe", b.SubscriptionCount())
	}
}
