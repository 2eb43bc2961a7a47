// Package events implements the harness's typed pub/sub fan-out: every
// subscriber gets its own bounded buffer, and a slow subscriber drops its
// oldest buffered event rather than stall publication for everyone else.
// Grounded on haasonsaas-nexus's internal/agent event_emitter.go/event_sink.go
// pair (sequenced construction, multi-sink fan-out), adapted from single-
// channel backpressure to one bounded channel per subscriber with an
// explicit drop-oldest policy and a ConsumerLag counter, per spec.md §4.13.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/hama-jp/open-harness/pkg/models"
)

// DefaultBufferSize is a subscriber's channel capacity when none is given.
const DefaultBufferSize = 256

// Bus fans out Events to every live subscription. Publish is best-effort:
// a subscriber that cannot keep up loses its oldest buffered events, never
// blocks the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscription
	next uint64
}

type subscription struct {
	ch      chan models.Event
	dropped uint64
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscription)}
}

// Subscription is a live subscriber's handle: read Events off C, call
// Unsubscribe when done listening.
type Subscription struct {
	C           <-chan models.Event
	id          uint64
	bus         *Bus
}

// Subscribe registers a new subscriber with a bufSize-capacity channel
// (DefaultBufferSize if bufSize <= 0) and returns its handle.
func (b *Bus) Subscribe(bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	sub := &subscription{ch: make(chan models.Event, bufSize)}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	return &Subscription{C: sub.ch, id: id, bus: b}
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	sub, ok := s.bus.subs[s.id]
	if ok {
		delete(s.bus.subs, s.id)
	}
	s.bus.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish fans e out to every live subscriber. A full subscriber buffer has
// its oldest event dropped (a non-blocking receive) to make room, and the
// subscriber's drop counter is incremented; the bus does not itself emit
// ConsumerLag here since that would recurse through Publish — callers that
// want lag visibility should poll Dropped per-subscription.
func (b *Bus) Publish(e models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.send(e)
	}
}

func (s *subscription) send(e models.Event) {
	select {
	case s.ch <- e:
		return
	default:
	}

	// Buffer full: drop the oldest queued event to make room for e.
	select {
	case <-s.ch:
		atomic.AddUint64(&s.dropped, 1)
	default:
	}

	select {
	case s.ch <- e:
	default:
		// Lost a race with another publisher; count this one dropped too.
		atomic.AddUint64(&s.dropped, 1)
	}
}

// Dropped returns how many events this subscription has lost to backpressure
// so far.
func (s *Subscription) Dropped() uint64 {
	s.bus.mu.RLock()
	sub, ok := s.bus.subs[s.id]
	s.bus.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadUint64(&sub.dropped)
}

// ConsumerLagEvent builds the models.EventConsumerLag event a caller should
// publish when a Dropped() poll finds a non-zero count, per spec.md §4.13.
func ConsumerLagEvent(dropped int) models.Event {
	return models.Event{Type: models.EventConsumerLag, Dropped: dropped}
}
