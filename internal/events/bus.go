package events

import (
	"sync"
)

// Bus is a channel-based pub-sub bus for engine lifecycle, health and
// metric notifications. Publishing never blocks: when a subscriber's
// buffer is full the event is dropped for that subscriber.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event
	closed  bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]chan Event),
	}
}

// Subscribe returns a channel receiving events published to topic.
// bufSize defaults to 256 when <= 0.
func (b *Bus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := make(chan Event, bufferSize(bufSize))

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	ch := make(chan Event, bufferSize(bufSize))

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, ch)
	return ch
}

// SubscribeFunc delivers events of topic to fn on a dedicated goroutine.
// An empty topic subscribes to all topics. Panics in fn are recovered.
// The returned function unsubscribes and stops the goroutine.
func (b *Bus) SubscribeFunc(topic string, fn func(Event)) func() {
	var ch <-chan Event
	if topic == "" {
		ch = b.SubscribeAll(0)
	} else {
		ch = b.Subscribe(topic, 0)
	}

	go func() {
		for ev := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(ev)
			}()
		}
	}()

	return func() { b.unsubscribe(topic, ch) }
}

func (b *Bus) unsubscribe(topic string, target <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	list := b.allSubs
	if topic != "" {
		list = b.subs[topic]
	}
	for i, ch := range list {
		if ch == target {
			close(ch)
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if topic == "" {
		b.allSubs = list
	} else {
		b.subs[topic] = list
	}
}

// Publish sends event to the topic's subscribers and to all-topic subscribers.
func (b *Bus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes every subscriber channel. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
	b.subs = nil
	b.allSubs = nil
}

func bufferSize(n int) int {
	if n <= 0 {
		return 256
	}
	return n
}
