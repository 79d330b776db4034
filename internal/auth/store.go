package auth

import "context"

// UserStore manages users. Usernames and emails are unique; Create fails
// with ErrAlreadyExists on conflict.
type UserStore interface {
	CreateUser(ctx context.Context, u User) error
	FindUser(ctx context.Context, id string) (User, error)
	FindUserByUsername(ctx context.Context, username string) (User, error)
}
