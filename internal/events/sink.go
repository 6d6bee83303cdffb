package events

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pttdictation/dictation-gateway/internal/observability"
)

// Sink receives relay events. Implementations must be safe for concurrent
// use and must not block the caller for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Nop discards every event
var Nop Sink = SinkFunc(func(Event) {})

// LogSink writes each event as a structured log line
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink logging at info level
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: observability.WithComponent(logger, "events")}
}

func (s *LogSink) Emit(e Event) {
	// Partials arrive many times per second
	if p, ok := e.(PartialText); ok {
		s.logger.Debug().
			Str("event", p.Name()).
			Str("client_id", p.ClientID).
			Str("session_id", p.SessionID).
			Uint64("seq", p.Seq).
			Msg("Event")
		return
	}

	ev := s.logger.Info().
		Str("event", e.Name()).
		Str("client_id", e.Client())

	switch e := e.(type) {
	case ClientConnected:
		ev = ev.Str("device_model", e.DeviceModel)
	case PttStarted:
		ev = ev.Str("session_id", e.SessionID)
	case FinalText:
		ev = ev.Str("session_id", e.SessionID).Int("text_len", len(e.Text)).Float64("confidence", e.Confidence)
	}

	ev.Msg("Event")
}

// MultiSink forwards each event to every sink in order
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// MetricsSink counts events by kind before forwarding them
type MetricsSink struct {
	next Sink
}

// NewMetricsSink wraps next; a nil next only counts
func NewMetricsSink(next Sink) *MetricsSink {
	if next == nil {
		next = Nop
	}
	return &MetricsSink{next: next}
}

func (s *MetricsSink) Emit(e Event) {
	observability.RecordEvent(string(e.Kind()))
	s.next.Emit(e)
}

// Subscription is one UI listener attached to a Broadcaster. Encoded events
// are delivered on C until Close is called.
type Subscription struct {
	id      uint64
	ch      chan []byte
	b       *Broadcaster
	mu      sync.Mutex
	dropped uint64
}

// C returns the channel of JSON encoded events
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription and closes its channel
func (s *Subscription) Close() {
	s.b.unsubscribe(s.id)
}

// Broadcaster fans events out to UI subscribers. A subscriber whose buffer is
// full misses the event; Emit never waits on a subscriber.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	logger zerolog.Logger
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to buffer events
func NewBroadcaster(buffer int, logger zerolog.Logger) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		logger: observability.WithComponent(logger, "broadcaster"),
	}
}

// Subscribe attaches a new listener
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id: b.nextID,
		ch: make(chan []byte, b.buffer),
		b:  b,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of attached listeners
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) Emit(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		b.logger.Error().Err(err).Str("event", e.Name()).Msg("Failed to encode event")
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- data:
		default:
			sub.mu.Lock()
			sub.dropped++
			sub.mu.Unlock()
			observability.RecordEventDropped()
		}
	}
}

// Recorder stores every event it receives. It is meant for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events in emission order
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds of the recorded events in emission order
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind()
	}
	return out
}

// Count returns how many recorded events have kind k
func (r *Recorder) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind() == k {
			n++
		}
	}
	return n
}

// Reset discards recorded events
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
