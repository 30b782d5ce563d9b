// Package bus carries auth and fetch lifecycle events between daemon
// components without coupling them to each other.
package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bus fans events out to subscriptions. Publishing never blocks: a
// subscription that cannot keep up loses events and counts the loss.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Watch registers a listener for one namespace ("auth", "fetch"); the
// empty namespace receives everything. buf bounds the delivery channel.
func (b *Bus) Watch(namespace string, buf int) *Subscription {
	s := &Subscription{bus: b, namespace: namespace, ch: make(chan Event, buf)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers evt to every matching subscription.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.matches(evt.Kind) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscription is one registered listener.
type Subscription struct {
	bus       *Bus
	namespace string
	ch        chan Event
	dropped   atomic.Uint64
}

// Events returns the delivery channel. It is never closed; stop
// listening by calling Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many events were lost to a full buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close deregisters the subscription. Buffered events stay readable.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
}

func (s *Subscription) matches(k Kind) bool {
	return s.namespace == "" || k.Namespace() == s.namespace
}
