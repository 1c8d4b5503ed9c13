// Package eventsink implements the Event Sink & Status API of spec §4's
// component table and §6: a one-way publish/subscribe interface (the
// publisher never awaits subscriber delivery, spec §5/§9) plus a queryable
// execution status view. Grounded on mbflow's infrastructure/websocket.Hub
// (register/unregister/broadcast channels driven by one goroutine) and
// infrastructure/monitoring's observer registry, generalized from a single
// WebSocket destination to an arbitrary number of topic subscribers.
package eventsink

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/smilemakc/flowkernel/internal/domain"
)

// Subscriber receives events published on topics it is registered for. It
// runs on the Sink's dispatch goroutine, never the publisher's — a slow or
// panicking subscriber therefore cannot block node completion, but it can
// starve other subscribers, so implementations should hand off long work to
// their own goroutine (the WebSocket broadcaster does this).
type Subscriber func(topic string, evt domain.Event)

const bufferSize = 1024

// Sink is the kernel's EventSink (spec §4.4/§4.5/§6): Publish enqueues into
// an internal buffered channel and returns immediately; a single dispatch
// goroutine drains it and fans out to every subscriber of the event's topic,
// satisfying "publish call enqueues into an internal buffer; subscriber
// notification runs on a separate task and is best-effort" (spec §5).
type Sink struct {
	log zerolog.Logger

	queue chan queued

	mu          sync.RWMutex
	subscribers map[string][]Subscriber // topic -> subscribers; "" means all topics

	dropped uint64 // events dropped because the buffer was full (best-effort)
}

type queued struct {
	topic string
	evt   domain.Event
}

func New(log zerolog.Logger) *Sink {
	s := &Sink{
		log:         log.With().Str("component", "eventsink").Logger(),
		queue:       make(chan queued, bufferSize),
		subscribers: make(map[string][]Subscriber),
	}
	return s
}

// Run drives the dispatch goroutine until done is closed. Callers start it
// once at process startup.
func (s *Sink) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case q := <-s.queue:
			s.dispatch(q.topic, q.evt)
		}
	}
}

// Publish implements domain.EventSink. It never blocks on subscriber
// delivery; if the internal buffer is full the event is dropped and counted
// rather than the publisher stalling (best-effort delivery, spec §5).
func (s *Sink) Publish(topic string, evt domain.Event) {
	select {
	case s.queue <- queued{topic: topic, evt: evt}:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.log.Warn().Str("topic", topic).Msg("event sink buffer full, dropping event")
	}
}

// Subscribe registers fn for every event published to topic. Pass "" to
// receive every topic (used by the WebSocket broadcaster).
func (s *Sink) Subscribe(topic string, fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[topic] = append(s.subscribers[topic], fn)
}

func (s *Sink) dispatch(topic string, evt domain.Event) {
	s.mu.RLock()
	subs := append([]Subscriber(nil), s.subscribers[topic]...)
	subs = append(subs, s.subscribers[""]...)
	s.mu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).Str("topic", topic).Msg("event subscriber panicked")
				}
			}()
			fn(topic, evt)
		}()
	}
}

// Dropped returns the number of events dropped so far because the internal
// buffer was full — an observability counter, not a correctness signal.
func (s *Sink) Dropped() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}
