package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"attendly.org/internal/attendance"
	"attendly.org/internal/auth"
	"attendly.org/internal/event"
)

var _ attendance.Store = (*Store)(nil)

const recordColumns = `a.id, a.event_id, a.user_id,
	coalesce(nullif(btrim(u.full_name), ''), u.username, ''), coalesce(u.email, ''),
	a.qr_token, a.is_checked_in, a.checked_in_at, a.created_at`

func scanRecord(row rowScanner) (attendance.Record, error) {
	var (
		r  attendance.Record
		at sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.EventID, &r.ParticipantID, &r.ParticipantName, &r.ParticipantEmail,
		&r.Token, &r.CheckedIn, &at, &r.CreatedAt); err != nil {
		return attendance.Record{}, err
	}
	if at.Valid {
		t := at.Time.UTC()
		r.CheckedInAt = &t
	}
	return r, nil
}

func (s *Store) queryRecord(ctx context.Context, where string, args ...any) (attendance.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+recordColumns+`
		from event_attendances a
		left join users u on u.id = a.user_id
		where `+where, args...)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Record{}, attendance.ErrNotFound
	}
	if err != nil {
		return attendance.Record{}, err
	}
	return r, nil
}

func (s *Store) FindByToken(ctx context.Context, token, eventID string) (attendance.Record, error) {
	return s.queryRecord(ctx, `a.qr_token = $1 and a.event_id = $2`, token, eventID)
}

func (s *Store) LookupToken(ctx context.Context, token string) (attendance.Record, error) {
	return s.queryRecord(ctx, `a.qr_token = $1`, token)
}

func (s *Store) FindByParticipant(ctx context.Context, eventID, participantID string) (attendance.Record, error) {
	return s.queryRecord(ctx, `a.event_id = $1 and a.user_id = $2`, eventID, participantID)
}

// GetOrCreate inserts the candidate unless the pair exists, then reads the
// surviving row. The unique (event_id, user_id) constraint arbitrates races.
func (s *Store) GetOrCreate(ctx context.Context, c attendance.Record) (attendance.Record, error) {
	_, err := s.db.ExecContext(ctx, `
		insert into event_attendances (id, event_id, user_id, qr_token, is_checked_in, created_at)
		values ($1, $2, $3, $4, false, $5)
		on conflict (event_id, user_id) do nothing
	`, c.ID, c.EventID, c.ParticipantID, c.Token, c.CreatedAt)
	if err != nil {
		return attendance.Record{}, mapInsertErr(err)
	}
	return s.FindByParticipant(ctx, c.EventID, c.ParticipantID)
}

func (s *Store) ListByEvent(ctx context.Context, eventID string) ([]attendance.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+recordColumns+`
		from event_attendances a
		left join users u on u.id = a.user_id
		where a.event_id = $1
		order by a.created_at, a.id
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	defer rows.Close()

	out := make([]attendance.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, db execer, r attendance.Record) error {
	_, err := db.ExecContext(ctx, `
		insert into event_attendances (id, event_id, user_id, qr_token, is_checked_in, created_at)
		values ($1, $2, $3, $4, false, $5)
	`, r.ID, r.EventID, r.ParticipantID, r.Token, r.CreatedAt)
	if err != nil {
		return mapInsertErr(err)
	}
	return nil
}

func mapInsertErr(err error) error {
	pgErr, ok := maybePgError(err)
	if !ok {
		return fmt.Errorf("insert attendance: %w", err)
	}
	switch pgErr.Code {
	case pgErrUniqueViolation:
		return attendance.ErrDuplicate
	case pgErrForeignKeyViolation:
		if pgErr.ConstraintName == "event_attendances_user_id_fkey" {
			return auth.ErrNotFound
		}
		return event.ErrNotFound
	}
	return fmt.Errorf("insert attendance: %w", err)
}

// MarkCheckedIn is a compare-and-set on is_checked_in. When the update loses
// the race the stored row is re-read so the caller sees the winner's time.
func (s *Store) MarkCheckedIn(ctx context.Context, id string, at time.Time) (attendance.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		with updated as (
			update event_attendances
			set is_checked_in = true, checked_in_at = $2
			where id = $1 and not is_checked_in
			returning *
		)
		select `+recordColumns+`
		from updated a
		left join users u on u.id = a.user_id
	`, id, at)
	r, err := scanRecord(row)
	if err == nil {
		return r, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return attendance.Record{}, false, fmt.Errorf("check in: %w", err)
	}
	r, err = s.queryRecord(ctx, `a.id = $1`, id)
	if err != nil {
		return attendance.Record{}, false, err
	}
	return r, false, nil
}
