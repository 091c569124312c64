// Package events implements the small typed publish channel called for in
// the design notes: each fleet component publishes onto a shared Bus and
// callers subscribe with an optional name filter. This replaces the
// teacher's in-process proto.AgentMsg dispatcher with something that can be
// exercised in tests without standing up a global dispatcher.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Name enumerates the event names emitted to collaborators (spec external
// interfaces, §6).
type Name string

const (
	StudioLaunched  Name = "studioLaunched"
	StudioAdopted   Name = "studioAdopted"
	StudioStopped   Name = "studioStopped"
	StudioUnhealthy Name = "studioUnhealthy"
	StudioRecovered Name = "studioRecovered"
	RecoveryFailed  Name = "recoveryFailed"
	HealthCheck     Name = "healthCheck"
)

// Event is the envelope carried on the bus. Payload is component-specific
// (an instance snapshot, a health report, an error message) and is left
// untyped so any component can publish without an events-package dependency
// cycle; subscribers type-assert Payload to the shape they expect.
type Event struct {
	ID        string
	Name      Name
	Source    string // component name, e.g. "registry", "health"
	Port      int
	Timestamp time.Time
	Payload   any
}

// Subscription is a handle returned by Bus.Subscribe. Call Unsubscribe to
// stop receiving events and release the channel.
type Subscription struct {
	ch     chan Event
	bus    *Bus
	id     int
	filter map[Name]bool
}

// Events returns the channel this subscription delivers events on.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(s.ch)
	}
}

// Bus is a typed, in-process publish/subscribe channel. A nil filter on
// Subscribe receives every event; a non-nil filter receives only the named
// events. Publish never blocks on a slow subscriber: each subscriber has a
// bounded buffer and a full buffer drops the event for that subscriber only.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*Subscription
	nextID  int
	bufSize int
}

// NewBus creates an event bus. bufSize controls the per-subscriber channel
// buffer; 0 selects a sensible default.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{subs: make(map[int]*Subscription), bufSize: bufSize}
}

// Subscribe registers a new subscriber. names restricts delivery to those
// event names; pass no names to receive everything.
func (b *Bus) Subscribe(names ...Name) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filter map[Name]bool
	if len(names) > 0 {
		filter = make(map[Name]bool, len(names))
		for _, n := range names {
			filter[n] = true
		}
	}

	b.nextID++
	sub := &Subscription{
		ch:     make(chan Event, b.bufSize),
		bus:    b,
		id:     b.nextID,
		filter: filter,
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers an event to every matching subscriber. It stamps ID and
// Timestamp if unset so callers only need to supply Name, Source, Port and
// Payload.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter[ev.Name] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber: drop rather than block the publisher.
		}
	}
}

// Close tears down every live subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
