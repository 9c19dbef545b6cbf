// Package bus is the in-process event bus that carries run and upload job
// lifecycle events to the history recorder and other observers.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bus fans events out to subscribers by kind prefix. Publish never blocks.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	prefix  string
	ch      chan Event
	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
// A subscriber with a full buffer misses the event.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscription is a live registration returned by Subscribe.
type Subscription struct {
	C <-chan Event

	bus  *Bus
	id   int
	sub  *subscription
	once sync.Once
}

// Subscribe registers for events whose kind starts with prefix. An empty
// prefix receives everything.
func (b *Bus) Subscribe(prefix string, bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 1
	}
	sub := &subscription{prefix: prefix, ch: make(chan Event, bufSize)}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()
	return &Subscription{C: sub.ch, bus: b, id: id, sub: sub}
}

// Dropped counts events this subscription missed.
func (s *Subscription) Dropped() uint64 { return s.sub.dropped.Load() }

// Close unregisters and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.sub.ch)
	})
}
