package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"attendly.org/internal/attendance"
	"attendly.org/internal/auth"
	"attendly.org/internal/event"
)

var _ auth.UserStore = (*Store)(nil)

const userColumns = `id, username, email, password_hash, full_name, is_admin, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, u auth.User) error {
	return insertUser(ctx, s.db, u)
}

func insertUser(ctx context.Context, db execer, u auth.User) error {
	_, err := db.ExecContext(ctx, `
		insert into users (`+userColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, u.ID, u.Username, u.Email, u.PasswordHash, nullString(u.FullName), u.IsAdmin, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isCode(err, pgErrUniqueViolation) {
			return auth.ErrAlreadyExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) queryUser(ctx context.Context, where string, arg any) (auth.User, error) {
	var (
		u        auth.User
		fullName sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where `+where, arg).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &fullName, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	u.FullName = stringPtr(fullName)
	return u, nil
}

func (s *Store) FindUser(ctx context.Context, id string) (auth.User, error) {
	return s.queryUser(ctx, `id = $1`, id)
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (auth.User, error) {
	return s.queryUser(ctx, `username = $1`, username)
}

// ProvisionParticipant inserts the participant account and its attendance
// record in one transaction.
func (s *Store) ProvisionParticipant(ctx context.Context, u auth.User, r attendance.Record) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `select 1 from events where id = $1 for share`, r.EventID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return event.ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := insertUser(ctx, tx, u); err != nil {
			return err
		}
		return insertRecord(ctx, tx, r)
	})
}
