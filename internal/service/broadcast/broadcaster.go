// Package broadcast fans session events out to live subscribers.
package broadcast

import (
	"sync"

	"github.com/rs/zerolog"

	"turn-transcription-service/internal/models"
	"turn-transcription-service/internal/observability/logging"
	"turn-transcription-service/internal/observability/metrics"
)

// DefaultBuffer is the per-subscriber event buffer.
const DefaultBuffer = 64

// Subscription is one subscriber's view of a session's event stream.
// The channel is closed after the session's closed event, or on Close.
type Subscription struct {
	id        uint64
	sessionID string
	ch        chan models.Event
	b         *Broadcaster
	once      sync.Once
}

// Events returns the event channel.
func (s *Subscription) Events() <-chan models.Event { return s.ch }

// SessionID returns the subscribed session.
func (s *Subscription) SessionID() string { return s.sessionID }

// Close detaches the subscriber. Safe to call more than once and after
// the session closed.
func (s *Subscription) Close() {
	s.once.Do(func() { s.b.unsubscribe(s) })
}

// Broadcaster delivers events to every current subscriber of a session.
// Delivery never blocks: a subscriber whose buffer is full misses the
// event. There is no replay; late subscribers can be given a snapshot.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[string]map[uint64]*Subscription
	nextID  uint64
	buffer  int
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a broadcaster with the given per-subscriber buffer.
func New(buffer int, m *metrics.Metrics) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Broadcaster{
		subs:    make(map[string]map[uint64]*Subscription),
		buffer:  buffer,
		metrics: m,
		logger:  logging.WithComponent("broadcaster"),
	}
}

// Subscribe attaches a subscriber. A non-nil snapshot is delivered as the
// first event.
func (b *Broadcaster) Subscribe(sessionID string, snapshot *models.Event) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{
		id:        b.nextID,
		sessionID: sessionID,
		ch:        make(chan models.Event, b.buffer),
		b:         b,
	}
	if snapshot != nil {
		s.ch <- *snapshot
	}
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[uint64]*Subscription)
	}
	b.subs[sessionID][s.id] = s
	b.metrics.SubscribersActive.Inc()

	b.logger.Debug().Str("sessionId", sessionID).Uint64("subscriberId", s.id).Msg("Subscriber attached")
	return s
}

// Publish delivers ev to all subscribers of the session and returns how
// many received it.
func (b *Broadcaster) Publish(sessionID string, ev models.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for _, s := range b.subs[sessionID] {
		select {
		case s.ch <- ev:
			delivered++
		default:
			b.metrics.RecordEventDropped(ev.EventType)
			b.logger.Warn().
				Str("sessionId", sessionID).
				Uint64("subscriberId", s.id).
				Str("eventType", ev.EventType).
				Msg("Subscriber buffer full, event dropped")
		}
	}
	return delivered
}

// CloseSession sends final to every subscriber and closes their channels.
// The final event is always delivered: if a buffer is full its oldest
// event is discarded to make room.
func (b *Broadcaster) CloseSession(sessionID string, final models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, s := range b.subs[sessionID] {
		select {
		case s.ch <- final:
		default:
			select {
			case <-s.ch:
				b.metrics.RecordEventDropped("evicted")
			default:
			}
			s.ch <- final
		}
		close(s.ch)
		delete(b.subs[sessionID], id)
		b.metrics.SubscribersActive.Dec()
	}
	delete(b.subs, sessionID)
}

// Subscribers returns the number of subscribers of the session.
func (b *Broadcaster) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

func (b *Broadcaster) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subs[s.sessionID]
	if _, ok := set[s.id]; !ok {
		return // already closed with the session
	}
	delete(set, s.id)
	if len(set) == 0 {
		delete(b.subs, s.sessionID)
	}
	close(s.ch)
	b.metrics.SubscribersActive.Dec()
	b.logger.Debug().Str("sessionId", s.sessionID).Uint64("subscriberId", s.id).Msg("Subscriber detached")
}
