package event

import (
	"context"
	"errors"
	"time"
)

// Event is a scheduled occasion participants check in to.
//
// Active is the persisted flag. It is a lazily written-back cache of the
// lifecycle evaluation and may lag the schedule until the event is next read.
type Event struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description *string    `json:"description"`
	Location    *string    `json:"location"`
	Date        Date       `json:"event_date"`
	StartTime   *TimeOfDay `json:"start_time"`
	EndTime     *TimeOfDay `json:"end_time"`
	CreatedBy   string     `json:"created_by"`
	Active      bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Summary is an event with its attendance counters.
type Summary struct {
	Event
	AttendeeCount  int `json:"attendee_count"`
	CheckedInCount int `json:"checked_in_count"`
}

// Patch carries a partial update. Nil fields are left untouched; the
// Clear* flags unset optional columns.
type Patch struct {
	Name           *string
	Description    *string
	Location       *string
	Date           *Date
	StartTime      *TimeOfDay
	EndTime        *TimeOfDay
	ClearStartTime bool
	ClearEndTime   bool
	Active         *bool
}

// Apply returns a copy of e with p applied.
func (p Patch) Apply(e Event) Event {
	if p.Name != nil {
		e.Name = *p.Name
	}
	if p.Description != nil {
		e.Description = p.Description
	}
	if p.Location != nil {
		e.Location = p.Location
	}
	if p.Date != nil {
		e.Date = *p.Date
	}
	if p.ClearStartTime {
		e.StartTime = nil
	} else if p.StartTime != nil {
		e.StartTime = p.StartTime
	}
	if p.ClearEndTime {
		e.EndTime = nil
	} else if p.EndTime != nil {
		e.EndTime = p.EndTime
	}
	if p.Active != nil {
		e.Active = *p.Active
	}
	return e
}

var (
	ErrNotFound     = errors.New("event: not found")
	ErrInvalidInput = errors.New("event: invalid input")
)

// Store persists events. Deleting an event removes its attendance records.
type Store interface {
	CreateEvent(ctx context.Context, e Event) error
	GetEvent(ctx context.Context, id string) (Event, error)
	UpdateEvent(ctx context.Context, e Event) error
	DeleteEvent(ctx context.Context, id string) error
	ListEvents(ctx context.Context) ([]Summary, error)
	CountAttendance(ctx context.Context, eventID string) (attendees, checkedIn int, err error)

	// DeactivateEvent clears the active flag only if it is still set and
	// reports whether this call performed the transition.
	DeactivateEvent(ctx context.Context, id string, at time.Time) (bool, error)
}
