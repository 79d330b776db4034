package stream

import (
	"context"
	"sync"
	"time"

	"attendly.org/internal/checkin"
)

// CheckinEvent is one scan outcome as shown on a live dashboard.
type CheckinEvent struct {
	EventID         string     `json:"event_id"`
	Outcome         string     `json:"outcome"`
	Reason          string     `json:"reason,omitempty"`
	ParticipantID   string     `json:"user_id,omitempty"`
	ParticipantName string     `json:"user_name,omitempty"`
	CheckedInAt     *time.Time `json:"checked_in_at,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

type subscriber struct {
	eventID string
	ch      chan CheckinEvent
}

// Stream fan-outs check-in events to subscribers of the same event.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
	now  func() time.Time
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{
		subs: make(map[int]subscriber),
		now:  time.Now,
	}
}

// Subscribe registers a subscriber for eventID and returns a channel which
// will receive its events. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, eventID string) <-chan CheckinEvent {
	ch := make(chan CheckinEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{eventID: eventID, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Subscribers reports the number of open subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Publish delivers evt to subscribers of evt.EventID. Slow subscribers miss
// events rather than block the scan path.
func (s *Stream) Publish(evt CheckinEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.eventID != evt.EventID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// ObserveCheckin publishes a check-in result. Results that never resolved
// to an event are not published.
func (s *Stream) ObserveCheckin(r checkin.Result) {
	if r.EventID == "" {
		return
	}
	s.Publish(CheckinEvent{
		EventID:         r.EventID,
		Outcome:         string(r.Outcome),
		Reason:          string(r.Reason),
		ParticipantID:   r.ParticipantID,
		ParticipantName: r.ParticipantName,
		CheckedInAt:     r.CheckedInAt,
		Timestamp:       s.now().UTC(),
	})
}
