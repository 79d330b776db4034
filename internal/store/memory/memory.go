package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"attendly.org/internal/attendance"
	"attendly.org/internal/auth"
	"attendly.org/internal/event"
)

// Store keeps events, attendance and users in process memory. A single
// mutex serialises writers, which makes every conditional update atomic.
type Store struct {
	mu      sync.RWMutex
	events  map[string]event.Event
	records map[string]attendance.Record // id -> record
	byPair  map[pairKey]string
	byToken map[string]string
	users   map[string]auth.User
}

type pairKey struct{ eventID, participantID string }

// New returns an empty Store.
func New() *Store {
	return &Store{
		events:  make(map[string]event.Event),
		records: make(map[string]attendance.Record),
		byPair:  make(map[pairKey]string),
		byToken: make(map[string]string),
		users:   make(map[string]auth.User),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateEvent(_ context.Context, e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = e
	return nil
}

func (s *Store) GetEvent(_ context.Context, id string) (event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return event.Event{}, event.ErrNotFound
	}
	return e, nil
}

func (s *Store) UpdateEvent(_ context.Context, e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; !ok {
		return event.ErrNotFound
	}
	s.events[e.ID] = e
	return nil
}

func (s *Store) DeleteEvent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[id]; !ok {
		return event.ErrNotFound
	}
	delete(s.events, id)
	for rid, r := range s.records {
		if r.EventID != id {
			continue
		}
		delete(s.records, rid)
		delete(s.byToken, r.Token)
		delete(s.byPair, pairKey{r.EventID, r.ParticipantID})
	}
	return nil
}

func (s *Store) ListEvents(_ context.Context) ([]event.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]event.Summary, 0, len(s.events))
	for _, e := range s.events {
		attendees, checkedIn := s.countLocked(e.ID)
		out = append(out, event.Summary{Event: e, AttendeeCount: attendees, CheckedInCount: checkedIn})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Date.Compare(out[j].Date); c != 0 {
			return c > 0
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) CountAttendance(_ context.Context, eventID string) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attendees, checkedIn := s.countLocked(eventID)
	return attendees, checkedIn, nil
}

func (s *Store) countLocked(eventID string) (attendees, checkedIn int) {
	for _, r := range s.records {
		if r.EventID != eventID {
			continue
		}
		attendees++
		if r.CheckedIn {
			checkedIn++
		}
	}
	return attendees, checkedIn
}

func (s *Store) DeactivateEvent(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return false, event.ErrNotFound
	}
	if !e.Active {
		return false, nil
	}
	e.Active = false
	e.UpdatedAt = at
	s.events[id] = e
	return true, nil
}

func (s *Store) FindByToken(_ context.Context, token, eventID string) (attendance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recordByTokenLocked(token)
	if !ok || r.EventID != eventID {
		return attendance.Record{}, attendance.ErrNotFound
	}
	return r, nil
}

func (s *Store) LookupToken(_ context.Context, token string) (attendance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recordByTokenLocked(token)
	if !ok {
		return attendance.Record{}, attendance.ErrNotFound
	}
	return r, nil
}

func (s *Store) recordByTokenLocked(token string) (attendance.Record, bool) {
	id, ok := s.byToken[token]
	if !ok {
		return attendance.Record{}, false
	}
	return s.withNameLocked(s.records[id]), true
}

func (s *Store) FindByParticipant(_ context.Context, eventID, participantID string) (attendance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPair[pairKey{eventID, participantID}]
	if !ok {
		return attendance.Record{}, attendance.ErrNotFound
	}
	return s.withNameLocked(s.records[id]), nil
}

// ListByEvent returns the event's records in creation order.
func (s *Store) ListByEvent(_ context.Context, eventID string) ([]attendance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]attendance.Record, 0)
	for _, r := range s.records {
		if r.EventID == eventID {
			out = append(out, s.withNameLocked(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) withNameLocked(r attendance.Record) attendance.Record {
	if u, ok := s.users[r.ParticipantID]; ok {
		r.ParticipantName = u.DisplayName()
		r.ParticipantEmail = u.Email
	}
	return r
}

func (s *Store) GetOrCreate(_ context.Context, candidate attendance.Record) (attendance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byPair[pairKey{candidate.EventID, candidate.ParticipantID}]; ok {
		return s.withNameLocked(s.records[id]), nil
	}
	if err := s.insertLocked(candidate); err != nil {
		return attendance.Record{}, err
	}
	return s.withNameLocked(candidate), nil
}

func (s *Store) insertLocked(r attendance.Record) error {
	if _, ok := s.events[r.EventID]; !ok {
		return event.ErrNotFound
	}
	key := pairKey{r.EventID, r.ParticipantID}
	if _, ok := s.byPair[key]; ok {
		return attendance.ErrDuplicate
	}
	if _, ok := s.byToken[r.Token]; ok {
		return attendance.ErrDuplicate
	}
	r.ParticipantName, r.ParticipantEmail = "", ""
	r.CheckedIn, r.CheckedInAt = false, nil
	s.records[r.ID] = r
	s.byPair[key] = r.ID
	s.byToken[r.Token] = r.ID
	return nil
}

func (s *Store) MarkCheckedIn(_ context.Context, id string, at time.Time) (attendance.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return attendance.Record{}, false, attendance.ErrNotFound
	}
	if r.CheckedIn {
		return s.withNameLocked(r), false, nil
	}
	r.CheckedIn = true
	r.CheckedInAt = &at
	s.records[id] = r
	return s.withNameLocked(r), true, nil
}

func (s *Store) CreateUser(_ context.Context, u auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createUserLocked(u)
}

func (s *Store) createUserLocked(u auth.User) error {
	for _, existing := range s.users {
		if existing.ID == u.ID || existing.Username == u.Username || existing.Email == u.Email {
			return auth.ErrAlreadyExists
		}
	}
	s.users[u.ID] = u
	return nil
}

func (s *Store) FindUser(_ context.Context, id string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return u, nil
}

func (s *Store) FindUserByUsername(_ context.Context, username string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			return u, nil
		}
	}
	return auth.User{}, auth.ErrNotFound
}

// ProvisionParticipant inserts the user and the record, or neither.
func (s *Store) ProvisionParticipant(_ context.Context, u auth.User, r attendance.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[r.EventID]; !ok {
		return event.ErrNotFound
	}
	if err := s.createUserLocked(u); err != nil {
		return err
	}
	if err := s.insertLocked(r); err != nil {
		delete(s.users, u.ID)
		return err
	}
	return nil
}
