// Package telemetry carries the controller's observability events:
// handover records, health transitions, cache evictions, and controller
// state changes. Emission is strictly best-effort; a slow or full sink
// never blocks the control loop.
package telemetry

import (
	"time"

	"github.com/google/uuid"

	"github.com/fieldlink/ddil-go/internal/ch"
	"github.com/fieldlink/ddil-go/link"
)

// HandoverEvent records one handover attempt.
type HandoverEvent struct {
	DecisionID      uuid.UUID
	From            link.ID
	To              link.ID
	Reason          string
	RequeuedEntries int
	BytesPreserved  int64
	Duration        time.Duration
	Superseded      bool
	Timestamp       time.Time
}

// HealthTransition records one debounced link state change.
type HealthTransition struct {
	LinkID    link.ID
	Kind      link.Kind
	From      link.State
	To        link.State
	Quality   float64
	Reason    string
	Timestamp time.Time
}

// CacheEviction records entries dropped from the disconnection cache.
type CacheEviction struct {
	Count     int
	Bytes     int64
	Reason    string
	Timestamp time.Time
}

// StateChange records a controller state machine transition.
type StateChange struct {
	From       string
	To         string
	ActiveLink link.ID
	Timestamp  time.Time
}

// Event is any telemetry event.
type Event any

// Sink receives telemetry events. Implementations must return quickly
// and must never block: the controller emits from its control loop.
type Sink interface {
	Handover(e HandoverEvent)
	Health(e HealthTransition)
	Eviction(e CacheEviction)
	State(e StateChange)
}

type nopSink struct{}

// NewNopSink returns a Sink that discards everything.
func NewNopSink() Sink {
	return &nopSink{}
}

func (s *nopSink) Handover(HandoverEvent)  {}
func (s *nopSink) Health(HealthTransition) {}
func (s *nopSink) Eviction(CacheEviction)  {}
func (s *nopSink) State(StateChange)       {}

// ChannelSink buffers events on a channel for an external consumer.
// Events are dropped when the consumer falls behind.
type ChannelSink struct {
	events chan Event
}

// NewChannelSink returns a ChannelSink with the given buffer depth.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 64
	}
	return &ChannelSink{events: make(chan Event, size)}
}

// Events returns the event stream.
func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

func (s *ChannelSink) Handover(e HandoverEvent)  { ch.TryWrite(Event(e), s.events) }
func (s *ChannelSink) Health(e HealthTransition) { ch.TryWrite(Event(e), s.events) }
func (s *ChannelSink) Eviction(e CacheEviction)  { ch.TryWrite(Event(e), s.events) }
func (s *ChannelSink) State(e StateChange)       { ch.TryWrite(Event(e), s.events) }

// MultiSink fans every event out to each sink in order.
type MultiSink []Sink

func (m MultiSink) Handover(e HandoverEvent) {
	for _, s := range m {
		s.Handover(e)
	}
}

func (m MultiSink) Health(e HealthTransition) {
	for _, s := range m {
		s.Health(e)
	}
}

func (m MultiSink) Eviction(e CacheEviction) {
	for _, s := range m {
		s.Eviction(e)
	}
}

func (m MultiSink) State(e StateChange) {
	for _, s := range m {
		s.State(e)
	}
}
