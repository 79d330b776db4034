package event

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"attendly.org/internal/ids"
)

const maxNameLen = 200

// Draft carries the fields of a new event.
type Draft struct {
	Name        string     `json:"name"`
	Description *string    `json:"description"`
	Location    *string    `json:"location"`
	Date        Date       `json:"event_date"`
	StartTime   *TimeOfDay `json:"start_time"`
	EndTime     *TimeOfDay `json:"end_time"`
}

// Service manages events. Every read applies lazy deactivation before
// returning.
type Service struct {
	store Store
	eval  *Evaluator
}

// NewService constructs a Service over store using eval for lifecycle checks.
func NewService(store Store, eval *Evaluator) (*Service, error) {
	if store == nil || eval == nil {
		return nil, errors.New("event: store and evaluator are required")
	}
	return &Service{store: store, eval: eval}, nil
}

// Create stores a new active event owned by createdBy.
func (s *Service) Create(ctx context.Context, d Draft, createdBy string) (Event, error) {
	now := s.eval.Now().UTC()
	e := Event{
		ID:          ids.NewAt(now),
		Name:        strings.TrimSpace(d.Name),
		Description: d.Description,
		Location:    d.Location,
		Date:        d.Date,
		StartTime:   d.StartTime,
		EndTime:     d.EndTime,
		CreatedBy:   createdBy,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := validate(e); err != nil {
		return Event{}, err
	}
	if err := s.store.CreateEvent(ctx, e); err != nil {
		return Event{}, err
	}
	return e, nil
}

func validate(e Event) error {
	if e.Name == "" || utf8.RuneCountInString(e.Name) > maxNameLen {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidInput, maxNameLen)
	}
	if e.Date.IsZero() {
		return fmt.Errorf("%w: event_date is required", ErrInvalidInput)
	}
	if e.StartTime != nil && e.EndTime != nil && e.EndTime.Compare(*e.StartTime) < 0 {
		return fmt.Errorf("%w: end_time precedes start_time", ErrInvalidInput)
	}
	return nil
}

// Load fetches an event and enforces its lifecycle.
func (s *Service) Load(ctx context.Context, id string) (State, Event, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return StateInactive, Event{}, err
	}
	return s.eval.Enforce(ctx, e)
}

// Get returns the event with its attendance counters.
func (s *Service) Get(ctx context.Context, id string) (Summary, error) {
	_, e, err := s.Load(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	attendees, checkedIn, err := s.store.CountAttendance(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Event: e, AttendeeCount: attendees, CheckedInCount: checkedIn}, nil
}

// List returns all events, most recent date first.
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	list, err := s.store.ListEvents(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		_, e, err := s.eval.Enforce(ctx, list[i].Event)
		if err != nil {
			return nil, err
		}
		list[i].Event = e
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Date.Compare(list[j].Date) > 0
	})
	return list, nil
}

// Update applies p and re-evaluates the lifecycle, so re-enabling an event
// whose window has passed does not leave it active.
func (s *Service) Update(ctx context.Context, id string, p Patch) (Event, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return Event{}, err
	}
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		p.Name = &name
	}
	e = p.Apply(e)
	if err := validate(e); err != nil {
		return Event{}, err
	}
	e.UpdatedAt = s.eval.Now().UTC()
	if err := s.store.UpdateEvent(ctx, e); err != nil {
		return Event{}, err
	}
	_, e, err = s.eval.Enforce(ctx, e)
	return e, err
}

// Delete removes the event and its attendance records.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteEvent(ctx, id)
}

// Expired reports whether e's window has elapsed on the evaluator's clock.
func (s *Service) Expired(e Event) bool {
	return IsExpired(e, s.eval.Now())
}
