package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("attendance: not found")
	ErrDuplicate = errors.New("attendance: record already exists")
)

// Record is the attendance of one participant at one event.
//
// CheckedInAt is set iff CheckedIn, and CheckedIn never reverts to false.
type Record struct {
	ID               string     `json:"id"`
	EventID          string     `json:"event_id"`
	ParticipantID    string     `json:"user_id"`
	ParticipantName  string     `json:"user_name,omitempty"`
	ParticipantEmail string     `json:"user_email,omitempty"`
	Token            string     `json:"qr_token"`
	CheckedIn        bool       `json:"is_checked_in"`
	CheckedInAt      *time.Time `json:"checked_in_at"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Status is the participant-visible check-in state.
type Status struct {
	CheckedIn   bool       `json:"is_checked_in"`
	CheckedInAt *time.Time `json:"checked_in_at"`
}

// Status projects r onto its check-in state.
func (r Record) Status() Status {
	return Status{CheckedIn: r.CheckedIn, CheckedInAt: r.CheckedInAt}
}

// Store persists attendance records. Records are unique by (EventID,
// ParticipantID) and by Token.
type Store interface {
	// FindByToken resolves a durable token scoped to eventID.
	FindByToken(ctx context.Context, token, eventID string) (Record, error)
	// LookupToken resolves a durable token regardless of event.
	LookupToken(ctx context.Context, token string) (Record, error)
	// FindByParticipant resolves the record for a pair.
	FindByParticipant(ctx context.Context, eventID, participantID string) (Record, error)
	// GetOrCreate returns the record for the pair, inserting candidate when
	// none exists. Concurrent callers for the same pair observe one record.
	GetOrCreate(ctx context.Context, candidate Record) (Record, error)
	// ListByEvent returns every record of the event in creation order.
	ListByEvent(ctx context.Context, eventID string) ([]Record, error)
	// MarkCheckedIn sets the record checked in at the given instant only if
	// it is not checked in yet. won reports whether this call made the
	// transition; the returned record always carries the stored timestamp.
	MarkCheckedIn(ctx context.Context, id string, at time.Time) (rec Record, won bool, err error)
}

// NewToken returns a fresh durable token. Durable tokens are random
// version 4 UUIDs and carry no structure.
func NewToken() string {
	return uuid.NewString()
}
