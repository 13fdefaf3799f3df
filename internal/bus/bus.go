package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Uint64
}

type subscription struct {
	namespace string
	ch        chan Event
	onDrop    func(Event)
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// OnDrop registers fn to run, on the publishing goroutine, for every event
// dropped because this subscriber's buffer was full. fn must not block or
// call back into the bus.
func OnDrop(fn func(Event)) SubscribeOption {
	return func(s *subscription) { s.onDrop = fn }
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
				b.dropped.Add(1)
				if sub.onDrop != nil {
					sub.onDrop(evt)
				}
			}
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int, opts ...SubscribeOption) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	sub := &subscription{namespace: namespace, ch: ch}
	for _, opt := range opts {
		opt(sub)
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// SubscribeFunc runs fn for every matching event on a dedicated goroutine
// until the returned function is called. The returned function waits for an
// in-progress fn call to finish.
func (b *Bus) SubscribeFunc(namespace string, bufSize int, fn func(Event), opts ...SubscribeOption) func() {
	ch, unsub := b.Subscribe(namespace, bufSize, opts...)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case evt := <-ch:
				fn(evt)
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			close(done)
			<-stopped
		})
	}
}

// Dropped returns how many deliveries were dropped on full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
