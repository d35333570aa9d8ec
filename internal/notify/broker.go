package notify

import (
	"context"
	"sync"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// AllReleases is the topic that receives every event.
const AllReleases = "*"

// Broker is an in-process pub/sub Sink feeding live dashboards. Subscribers
// pick a release id, or AllReleases. It is safe for concurrent use.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

type topic struct {
	subs   map[int]chan Event
	nextID int
}

// NewBroker creates a new broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel receiving events for the given topic and an
// unsubscribe function. After Close the returned channel is already closed.
func (b *Broker) Subscribe(name string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[name] = t
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// Notify publishes e to subscribers of its release and of AllReleases.
// Events are dropped for subscribers whose buffers are full.
func (b *Broker) Notify(_ context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.publish(AllReleases, e)
	if e.ReleaseID != "" {
		b.publish(e.ReleaseID, e)
	}
	return nil
}

func (b *Broker) publish(name string, e Event) {
	t, ok := b.topics[name]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
			// Drop for slow subscribers.
		}
	}
}

// Close closes every subscriber channel. Later subscribers get a closed
// channel and later events are discarded.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for name, t := range b.topics {
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		delete(b.topics, name)
	}
}
