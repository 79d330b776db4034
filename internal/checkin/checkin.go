package checkin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"attendly.org/internal/attendance"
	"attendly.org/internal/auth"
	"attendly.org/internal/event"
	"attendly.org/internal/token"
)

// Outcome is the result class of a scan.
type Outcome string

const (
	Success          Outcome = "success"
	AlreadyCheckedIn Outcome = "already_checked_in"
	EventInactive    Outcome = "event_inactive"
	InvalidToken     Outcome = "invalid_token"
)

// Reason qualifies EventInactive for messaging only.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonExpired  Reason = "expired"
	ReasonDisabled Reason = "disabled"
)

// Result describes one check-in attempt. Participant and event details are
// populated only once the credential resolved to a record.
type Result struct {
	Outcome          Outcome
	Reason           Reason
	ParticipantID    string
	ParticipantName  string
	ParticipantEmail string
	EventID          string
	EventName        string
	CheckedInAt      *time.Time
}

// Accepted reports whether the participant is checked in after this call.
// Repeat scans are accepted.
func (r Result) Accepted() bool {
	return r.Outcome == Success || r.Outcome == AlreadyCheckedIn
}

var (
	// ErrEventExpired and ErrEventDisabled are returned by participant
	// facing operations that require an effectively active event.
	ErrEventExpired  = errors.New("checkin: event has ended")
	ErrEventDisabled = errors.New("checkin: event is disabled")
)

// Events resolves events with lifecycle enforcement applied.
type Events interface {
	Load(ctx context.Context, id string) (event.State, event.Event, error)
	// Expired reports whether e's window has elapsed on the configured clock.
	Expired(e event.Event) bool
}

// Store is the persistence the verifier needs beyond events.
type Store interface {
	attendance.Store
	FindUser(ctx context.Context, id string) (auth.User, error)
	// ProvisionParticipant inserts u and r atomically.
	ProvisionParticipant(ctx context.Context, u auth.User, r attendance.Record) error
}

// Service verifies scans and issues participant credentials. It is the only
// component that transitions attendance records to checked in.
type Service struct {
	events  Events
	store   Store
	codec   *token.Codec
	now     func() time.Time
	observe func(Result)
}

// Option configures a Service.
type Option func(*Service) error

// WithClock overrides the time source used for check-in timestamps.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithObserver registers fn to receive every check-in result.
func WithObserver(fn func(Result)) Option {
	return func(s *Service) error {
		s.observe = fn
		return nil
	}
}

// NewService constructs a Service.
func NewService(events Events, store Store, codec *token.Codec, opts ...Option) (*Service, error) {
	if events == nil || store == nil || codec == nil {
		return nil, errors.New("checkin: events, store and codec are required")
	}
	s := &Service{events: events, store: store, codec: codec, now: time.Now}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CheckIn verifies a presented credential for eventID and records the
// check-in. Presented credentials are either durable tokens, looked up in
// storage, or signed badges minted by MintBadge. Outcomes are values; err is
// only set for storage failures, in which case no transition was reported.
func (s *Service) CheckIn(ctx context.Context, presented, eventID string) (Result, error) {
	res, err := s.checkIn(ctx, presented, eventID)
	if err != nil {
		return Result{}, err
	}
	if s.observe != nil {
		s.observe(res)
	}
	return res, nil
}

func (s *Service) checkIn(ctx context.Context, presented, eventID string) (Result, error) {
	invalid := Result{Outcome: InvalidToken}

	rec, err := s.resolve(ctx, presented, eventID)
	if errors.Is(err, attendance.ErrNotFound) || errors.Is(err, token.ErrInvalidToken) {
		return invalid, nil
	}
	if err != nil {
		return Result{}, err
	}

	state, ev, err := s.events.Load(ctx, rec.EventID)
	if errors.Is(err, event.ErrNotFound) {
		return invalid, nil
	}
	if err != nil {
		return Result{}, err
	}

	res := Result{
		ParticipantID:    rec.ParticipantID,
		ParticipantName:  rec.ParticipantName,
		ParticipantEmail: rec.ParticipantEmail,
		EventID:          ev.ID,
		EventName:        ev.Name,
	}
	switch state {
	case event.StateExpiredNow:
		res.Outcome, res.Reason = EventInactive, ReasonExpired
		return res, nil
	case event.StateInactive:
		res.Outcome, res.Reason = EventInactive, ReasonDisabled
		if s.events.Expired(ev) {
			res.Reason = ReasonExpired
		}
		return res, nil
	}

	if rec.CheckedIn {
		res.Outcome, res.CheckedInAt = AlreadyCheckedIn, rec.CheckedInAt
		return res, nil
	}
	stored, won, err := s.store.MarkCheckedIn(ctx, rec.ID, s.now().UTC())
	if errors.Is(err, attendance.ErrNotFound) {
		return invalid, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("mark checked in: %w", err)
	}
	res.CheckedInAt = stored.CheckedInAt
	if won {
		res.Outcome = Success
	} else {
		res.Outcome = AlreadyCheckedIn
	}
	return res, nil
}

// resolve maps a presented credential to its attendance record at eventID.
// A signed badge must verify for eventID and name a subject that holds a
// record there; there is no path for badges without a backing record.
func (s *Service) resolve(ctx context.Context, presented, eventID string) (attendance.Record, error) {
	if presented == "" || eventID == "" {
		return attendance.Record{}, attendance.ErrNotFound
	}
	if token.KindOf(presented) == token.KindEphemeral {
		claims, err := s.codec.VerifyCheckin(presented, eventID)
		if err != nil {
			return attendance.Record{}, err
		}
		return s.store.FindByParticipant(ctx, eventID, claims.Subject)
	}
	return s.store.FindByToken(ctx, presented, eventID)
}

// MintCheckin issues a signed badge for subjectID at eventID.
func (s *Service) MintCheckin(subjectID, eventID, displayName string) (string, time.Time, error) {
	return s.codec.MintCheckin(subjectID, eventID, displayName)
}

// VerifyCheckin verifies a signed badge minted for expectedEventID.
func (s *Service) VerifyCheckin(raw, expectedEventID string) (*token.Claims, error) {
	return s.codec.VerifyCheckin(raw, expectedEventID)
}

func (s *Service) inactiveErr(state event.State, ev event.Event) error {
	if state == event.StateExpiredNow || s.events.Expired(ev) {
		return ErrEventExpired
	}
	return ErrEventDisabled
}
