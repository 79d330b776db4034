package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"attendly.org/internal/config"
)

// State is the effective lifecycle state of an event as observed by one read.
type State int

const (
	// StateActive means the event accepts check-ins.
	StateActive State = iota
	// StateExpiredNow means this read found the event past its window and
	// performed the deactivation.
	StateExpiredNow
	// StateInactive means the event was already deactivated, either by an
	// operator or by an earlier read.
	StateInactive
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpiredNow:
		return "expired"
	default:
		return "inactive"
	}
}

// IsExpired reports whether the scheduled window of e has elapsed at now.
// Dates and times are compared on now's wall clock. An event without an end
// time never expires on its own day.
func IsExpired(e Event, now time.Time) bool {
	switch e.Date.Compare(DateOf(now)) {
	case 1:
		return false
	case -1:
		return true
	}
	if e.EndTime == nil {
		return false
	}
	return e.EndTime.Compare(TimeOfDayOf(now)) <= 0
}

// Deactivator is the part of Store the evaluator writes through.
type Deactivator interface {
	DeactivateEvent(ctx context.Context, id string, at time.Time) (bool, error)
}

// Evaluator applies the lazy deactivation rule on event reads.
type Evaluator struct {
	store Deactivator
	loc   *time.Location
	now   func() time.Time
	// onDeactivate, when set, is called once per performed deactivation.
	onDeactivate func(Event)
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator) error

// WithLocation sets the wall clock event schedules are interpreted in.
func WithLocation(loc *time.Location) EvaluatorOption {
	return func(ev *Evaluator) error {
		if loc != nil {
			ev.loc = loc
		}
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) EvaluatorOption {
	return func(ev *Evaluator) error {
		if fn != nil {
			ev.now = fn
		}
		return nil
	}
}

// WithDeactivationHook registers fn to observe deactivations won by this process.
func WithDeactivationHook(fn func(Event)) EvaluatorOption {
	return func(ev *Evaluator) error {
		ev.onDeactivate = fn
		return nil
	}
}

// NewEvaluator constructs an Evaluator writing flag changes through store.
func NewEvaluator(store Deactivator, opts ...EvaluatorOption) (*Evaluator, error) {
	if store == nil {
		return nil, errors.New("event: store is required")
	}
	ev := &Evaluator{store: store, loc: time.UTC, now: time.Now}
	for _, opt := range opts {
		if err := opt(ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// EvaluatorFromConfig builds an Evaluator using the configured time zone.
func EvaluatorFromConfig(cfg config.Config, store Deactivator, opts ...EvaluatorOption) (*Evaluator, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return NewEvaluator(store, append([]EvaluatorOption{WithLocation(loc)}, opts...)...)
}

// Now returns the current instant on the evaluator's wall clock.
func (ev *Evaluator) Now() time.Time { return ev.now().In(ev.loc) }

// Location returns the configured wall clock.
func (ev *Evaluator) Location() *time.Location { return ev.loc }

// Enforce evaluates e and, when it is flagged active but past its window,
// clears the flag with a conditional update. Exactly one concurrent caller
// observes StateExpiredNow; the others observe StateInactive. The returned
// event reflects the flag after enforcement.
func (ev *Evaluator) Enforce(ctx context.Context, e Event) (State, Event, error) {
	if !e.Active {
		return StateInactive, e, nil
	}
	now := ev.Now()
	if !IsExpired(e, now) {
		return StateActive, e, nil
	}
	won, err := ev.store.DeactivateEvent(ctx, e.ID, now.UTC())
	if err != nil {
		return StateInactive, e, fmt.Errorf("deactivate event %s: %w", e.ID, err)
	}
	e.Active = false
	if !won {
		return StateInactive, e, nil
	}
	e.UpdatedAt = now.UTC()
	if ev.onDeactivate != nil {
		ev.onDeactivate(e)
	}
	return StateExpiredNow, e, nil
}
