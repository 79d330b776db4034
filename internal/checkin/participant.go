package checkin

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"attendly.org/internal/attendance"
	"attendly.org/internal/auth"
	"attendly.org/internal/event"
	"attendly.org/internal/ids"
)

// ErrInvalidParticipant is returned for malformed provisioning requests.
var ErrInvalidParticipant = errors.New("checkin: invalid participant")

const maxParticipantNameLen = 100

// IssueStatus returns the check-in state of participantID at eventID,
// creating an unchecked record on first access. Concurrent first calls for
// the same pair observe the same record.
func (s *Service) IssueStatus(ctx context.Context, eventID, participantID string) (attendance.Status, error) {
	if _, _, err := s.events.Load(ctx, eventID); err != nil {
		return attendance.Status{}, err
	}
	rec, err := s.ensureRecord(ctx, eventID, participantID)
	if err != nil {
		return attendance.Status{}, err
	}
	return rec.Status(), nil
}

func (s *Service) ensureRecord(ctx context.Context, eventID, participantID string) (attendance.Record, error) {
	now := s.now().UTC()
	rec, err := s.store.GetOrCreate(ctx, attendance.Record{
		ID:            ids.NewAt(now),
		EventID:       eventID,
		ParticipantID: participantID,
		Token:         attendance.NewToken(),
		CreatedAt:     now,
	})
	if err != nil {
		return attendance.Record{}, fmt.Errorf("get or create attendance: %w", err)
	}
	return rec, nil
}

// Badge is a signed presentation token for the live badge screen.
type Badge struct {
	Token       string    `json:"qr_code"`
	ExpiresIn   int       `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
	GeneratedAt time.Time `json:"generated_at"`
}

// MintBadge issues a short-lived badge for p at eventID. The event must be
// effectively active. The caller's attendance record is created if missing so
// the badge resolves when scanned.
func (s *Service) MintBadge(ctx context.Context, eventID string, p auth.Principal) (Badge, error) {
	state, ev, err := s.events.Load(ctx, eventID)
	if err != nil {
		return Badge{}, err
	}
	if state != event.StateActive {
		return Badge{}, s.inactiveErr(state, ev)
	}
	if _, err := s.ensureRecord(ctx, eventID, p.UserID); err != nil {
		return Badge{}, err
	}
	name := p.Name
	if name == "" {
		name = p.Username
	}
	generatedAt := s.now().UTC()
	raw, expiresAt, err := s.codec.MintCheckin(p.UserID, eventID, name)
	if err != nil {
		return Badge{}, err
	}
	return Badge{
		Token:       raw,
		ExpiresIn:   int(s.codec.CheckinTTL() / time.Second),
		ExpiresAt:   expiresAt,
		GeneratedAt: generatedAt,
	}, nil
}

// Participant is a provisioned attendee and their durable credential.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	EventID   string `json:"event_id"`
	Token     string `json:"qr_code"`
	ShareLink string `json:"share_link"`
}

// ShareLink is the participant page path for a durable token.
func ShareLink(durable string) string {
	return "/participants/" + durable
}

// AddParticipant provisions an attendee who signs in with their QR code
// only. The account gets an unusable password and a synthetic unique login.
func (s *Service) AddParticipant(ctx context.Context, eventID, name, email string) (Participant, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" || utf8.RuneCountInString(name) > maxParticipantNameLen {
		return Participant{}, fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidParticipant, maxParticipantNameLen)
	}
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return Participant{}, fmt.Errorf("%w: email is malformed", ErrInvalidParticipant)
		}
	}
	if _, _, err := s.events.Load(ctx, eventID); err != nil {
		return Participant{}, err
	}

	hash, err := auth.UnusablePasswordHash()
	if err != nil {
		return Participant{}, fmt.Errorf("hash password: %w", err)
	}
	now := s.now().UTC()
	userID := ids.NewAt(now)
	handle := "participant_" + strings.ToLower(userID[len(userID)-10:])
	u := auth.User{
		ID:           userID,
		Username:     handle,
		Email:        handle + "@local",
		PasswordHash: hash,
		FullName:     &name,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	rec := attendance.Record{
		ID:              ids.NewAt(now),
		EventID:         eventID,
		ParticipantID:   userID,
		ParticipantName: name,
		Token:           attendance.NewToken(),
		CreatedAt:       now,
	}
	if err := s.store.ProvisionParticipant(ctx, u, rec); err != nil {
		return Participant{}, err
	}
	return Participant{
		ID:        userID,
		Name:      name,
		Email:     email,
		EventID:   eventID,
		Token:     rec.Token,
		ShareLink: ShareLink(rec.Token),
	}, nil
}

// Roster lists the participants of eventID with their durable credentials,
// in the order they joined.
func (s *Service) Roster(ctx context.Context, eventID string) ([]Participant, error) {
	if _, _, err := s.events.Load(ctx, eventID); err != nil {
		return nil, err
	}
	recs, err := s.store.ListByEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	out := make([]Participant, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Participant{
			ID:        rec.ParticipantID,
			Name:      rec.ParticipantName,
			Email:     rec.ParticipantEmail,
			EventID:   rec.EventID,
			Token:     rec.Token,
			ShareLink: ShareLink(rec.Token),
		})
	}
	return out, nil
}

// Link is what a participant page learns from a durable token.
type Link struct {
	Valid           bool
	Reason          Reason
	ParticipantName string
	Event           event.Event
}

// VerifyLink resolves a durable token for the participant page. Unknown
// tokens yield an invalid link rather than an error.
func (s *Service) VerifyLink(ctx context.Context, durable string) (Link, error) {
	durable = strings.TrimSpace(durable)
	if durable == "" {
		return Link{}, nil
	}
	rec, err := s.store.LookupToken(ctx, durable)
	if errors.Is(err, attendance.ErrNotFound) {
		return Link{}, nil
	}
	if err != nil {
		return Link{}, err
	}
	state, ev, err := s.events.Load(ctx, rec.EventID)
	if errors.Is(err, event.ErrNotFound) {
		return Link{}, nil
	}
	if err != nil {
		return Link{}, err
	}
	switch state {
	case event.StateActive:
	case event.StateExpiredNow:
		return Link{Reason: ReasonExpired}, nil
	default:
		if errors.Is(s.inactiveErr(state, ev), ErrEventExpired) {
			return Link{Reason: ReasonExpired}, nil
		}
		return Link{Reason: ReasonDisabled}, nil
	}
	name := rec.ParticipantName
	if name == "" {
		name = "Participant"
	}
	return Link{Valid: true, ParticipantName: name, Event: ev}, nil
}
