// Package eventapi exposes a running tinybdi.VM's events over a websocket,
// for a UI or log shipper that wants to watch instrumentation fire without
// embedding the engine itself (spec.md §6's VM-event surface, put on the
// network).
//
// Grounded on the teacher's api.Broadcaster/WebSocketClient/Server trio: a
// fan-out goroutine owns the subscriber set and a channel-per-client
// buffers slow readers, generalised here to a single VM's event stream
// instead of the teacher's multi-session debugger API (this package has no
// notion of "session" — one process instruments one VM).
package eventapi

import "sync"

// EventType classifies a broadcast Event.
type EventType string

const (
	EventVMState   EventType = "vm_state"
	EventMemAccess EventType = "mem_access"
	EventOutput    EventType = "output"
)

// Event is one message sent to every matching subscriber.
type Event struct {
	Type EventType      `json:"type"`
	Data map[string]any `json:"data"`
}

// Subscription is a client's channel of matching events.
type Subscription struct {
	types   map[EventType]bool
	Channel chan Event
}

// Broadcaster fans Publish calls out to every current Subscription,
// dropping events for subscribers whose channel is full rather than
// blocking the publisher.
type Broadcaster struct {
	mu            sync.RWMutex
	subscriptions map[*Subscription]bool
	publish       chan Event
	register      chan *Subscription
	unregister    chan *Subscription
	done          chan struct{}
}

// NewBroadcaster starts a broadcaster's fan-out goroutine.
func NewBroadcaster() *Broadcaster {
	b := &Broadcaster{
		subscriptions: make(map[*Subscription]bool),
		publish:       make(chan Event, 256),
		register:      make(chan *Subscription),
		unregister:    make(chan *Subscription),
		done:          make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broadcaster) run() {
	for {
		select {
		case sub := <-b.register:
			b.mu.Lock()
			b.subscriptions[sub] = true
			b.mu.Unlock()

		case sub := <-b.unregister:
			b.mu.Lock()
			if b.subscriptions[sub] {
				delete(b.subscriptions, sub)
				close(sub.Channel)
			}
			b.mu.Unlock()

		case event := <-b.publish:
			b.mu.RLock()
			for sub := range b.subscriptions {
				if len(sub.types) > 0 && !sub.types[event.Type] {
					continue
				}
				select {
				case sub.Channel <- event:
				default:
				}
			}
			b.mu.RUnlock()

		case <-b.done:
			b.mu.Lock()
			for sub := range b.subscriptions {
				close(sub.Channel)
			}
			b.subscriptions = make(map[*Subscription]bool)
			b.mu.Unlock()
			return
		}
	}
}

// Subscribe registers a new subscription; an empty types list matches
// every event.
func (b *Broadcaster) Subscribe(types []EventType) *Subscription {
	typeSet := make(map[EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	sub := &Subscription{types: typeSet, Channel: make(chan Event, 64)}
	b.register <- sub
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) { b.unregister <- sub }

// Publish sends event to every matching subscriber, dropping it if the
// broadcaster's internal queue is full.
func (b *Broadcaster) Publish(event Event) {
	select {
	case b.publish <- event:
	default:
	}
}

// Close shuts the broadcaster down and closes every subscription.
func (b *Broadcaster) Close() { close(b.done) }

// SubscriptionCount reports how many subscribers are currently registered.
func (b *Broadcaster) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}
