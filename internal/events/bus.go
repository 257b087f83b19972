// Package events fans store mutations out to the readers that have to
// refresh when data changes (page views, followers in the CLI).
//
// Publishing never blocks and never drops information: each subscriber
// accumulates the statuses touched since it last looked, so a slow
// reader sees one merged change instead of a backlog.
package events

import (
	"sync"

	"github.com/hubenchang0515/todo/internal/store"
	"github.com/hubenchang0515/todo/internal/task"
)

// Bus delivers store changes to subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish records c for every subscriber. Safe to use as a store change hook.
func (b *Bus) Publish(c store.Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		sub.add(c)
	}
}

// Subscribe registers a new subscriber. Call Close on it when done.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		bus:     b,
		ready:   make(chan struct{}, 1),
		pending: make(map[task.Status]struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ready)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Close detaches every subscriber; their Ready channels are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ready)
		delete(b.subs, sub)
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ready)
	}
}

// Subscription is one reader's view of the bus.
type Subscription struct {
	bus   *Bus
	ready chan struct{}

	mu      sync.Mutex
	pending map[task.Status]struct{}
	ops     int
	last    store.Change
}

func (s *Subscription) add(c store.Change) {
	s.mu.Lock()
	for _, st := range c.Statuses {
		s.pending[st] = struct{}{}
	}
	s.ops++
	s.last = c
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled when changes are pending. It is closed when the
// subscription or the bus is closed.
func (s *Subscription) Ready() <-chan struct{} {
	return s.ready
}

// Take returns the changes accumulated since the previous call merged
// into one, and whether there were any.
func (s *Subscription) Take() (store.Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ops == 0 {
		return store.Change{}, false
	}

	merged := store.Change{Op: s.last.Op, ID: s.last.ID}
	for _, st := range task.Statuses {
		if _, ok := s.pending[st]; ok {
			merged.Statuses = append(merged.Statuses, st)
			delete(s.pending, st)
		}
	}
	s.ops = 0
	return merged, true
}

// Close detaches the subscription from its bus.
func (s *Subscription) Close() {
	s.bus.remove(s)
}
