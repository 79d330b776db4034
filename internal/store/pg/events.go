package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"attendly.org/internal/event"
)

var _ event.Store = (*Store)(nil)

// Civil columns travel as text so the driver's date/time mapping never
// shifts them into a time zone. The date is formatted explicitly because its
// text cast follows the session DateStyle; time output does not.
const eventColumns = `e.id, e.name, e.description, e.location, to_char(e.event_date, 'YYYY-MM-DD'),
	e.start_time::text, e.end_time::text, coalesce(e.created_by, ''), e.is_active, e.created_at, e.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner, extra ...any) (event.Event, error) {
	var (
		e                  event.Event
		desc, loc          sql.NullString
		date               string
		startTime, endTime sql.NullString
	)
	dest := append([]any{&e.ID, &e.Name, &desc, &loc, &date, &startTime, &endTime,
		&e.CreatedBy, &e.Active, &e.CreatedAt, &e.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return event.Event{}, err
	}
	e.Description = stringPtr(desc)
	e.Location = stringPtr(loc)
	var err error
	if e.Date, err = event.ParseDate(date); err != nil {
		return event.Event{}, fmt.Errorf("scan event %s: %w", e.ID, err)
	}
	if e.StartTime, err = parseTimeColumn(startTime); err != nil {
		return event.Event{}, fmt.Errorf("scan event %s: %w", e.ID, err)
	}
	if e.EndTime, err = parseTimeColumn(endTime); err != nil {
		return event.Event{}, fmt.Errorf("scan event %s: %w", e.ID, err)
	}
	return e, nil
}

func parseTimeColumn(ns sql.NullString) (*event.TimeOfDay, error) {
	if !ns.Valid {
		return nil, nil
	}
	// Fractional seconds are dropped.
	whole, _, _ := strings.Cut(ns.String, ".")
	t, err := event.ParseTimeOfDay(whole)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func timeArg(t *event.TimeOfDay) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.String(), Valid: true}
}

func (s *Store) CreateEvent(ctx context.Context, e event.Event) error {
	_, err := s.db.ExecContext(ctx, `
		insert into events (id, name, description, location, event_date, start_time, end_time,
			created_by, is_active, created_at, updated_at)
		values ($1, $2, $3, $4, $5::date, $6::time, $7::time, nullif($8, ''), $9, $10, $11)
	`, e.ID, e.Name, nullString(e.Description), nullString(e.Location), e.Date.String(),
		timeArg(e.StartTime), timeArg(e.EndTime), e.CreatedBy, e.Active, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (event.Event, error) {
	row := s.db.QueryRowContext(ctx, `select `+eventColumns+` from events e where e.id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, event.ErrNotFound
	}
	if err != nil {
		return event.Event{}, err
	}
	return e, nil
}

func (s *Store) UpdateEvent(ctx context.Context, e event.Event) error {
	res, err := s.db.ExecContext(ctx, `
		update events
		set name = $2, description = $3, location = $4, event_date = $5::date,
			start_time = $6::time, end_time = $7::time, is_active = $8, updated_at = $9
		where id = $1
	`, e.ID, e.Name, nullString(e.Description), nullString(e.Location), e.Date.String(),
		timeArg(e.StartTime), timeArg(e.EndTime), e.Active, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return expectOne(res, event.ErrNotFound)
}

// DeleteEvent relies on the foreign key cascade to remove attendance.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from events where id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return expectOne(res, event.ErrNotFound)
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context) ([]event.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+eventColumns+`,
			count(a.id),
			count(a.id) filter (where a.is_checked_in)
		from events e
		left join event_attendances a on a.event_id = e.id
		group by e.id
		order by e.event_date desc, e.id desc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.Summary
	for rows.Next() {
		var sum event.Summary
		e, err := scanEvent(rows, &sum.AttendeeCount, &sum.CheckedInCount)
		if err != nil {
			return nil, err
		}
		sum.Event = e
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CountAttendance(ctx context.Context, eventID string) (int, int, error) {
	var attendees, checkedIn int
	err := s.db.QueryRowContext(ctx, `
		select count(*), count(*) filter (where is_checked_in)
		from event_attendances where event_id = $1
	`, eventID).Scan(&attendees, &checkedIn)
	if err != nil {
		return 0, 0, err
	}
	return attendees, checkedIn, nil
}

// DeactivateEvent is a conditional update: among concurrent callers only the
// one whose statement flips the flag sees a row affected.
func (s *Store) DeactivateEvent(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update events set is_active = false, updated_at = $2
		where id = $1 and is_active
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("deactivate event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
