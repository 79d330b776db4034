package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"attendly.org/internal/ids"
	"attendly.org/internal/token"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 50
	minPasswordLen = 6
	maxFullNameLen = 100
)

// Service registers users, logs them in and authenticates access tokens.
type Service struct {
	users UserStore
	codec *token.Codec
	now   func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(users UserStore, codec *token.Codec, opts ...ServiceOption) (*Service, error) {
	if users == nil {
		return nil, errors.New("auth: user store is required")
	}
	if codec == nil {
		return nil, errors.New("auth: token codec is required")
	}
	svc := &Service{users: users, codec: codec, now: time.Now}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Register creates an account.
func (s *Service) Register(ctx context.Context, reg Registration) (User, error) {
	reg.Username = strings.TrimSpace(reg.Username)
	reg.Email = strings.TrimSpace(strings.ToLower(reg.Email))
	if err := validateRegistration(reg); err != nil {
		return User{}, err
	}
	hash, err := HashPassword(reg.Password)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	now := s.now().UTC()
	u := User{
		ID:           ids.New(),
		Username:     reg.Username,
		Email:        reg.Email,
		PasswordHash: hash,
		FullName:     trimOptional(reg.FullName),
		IsAdmin:      reg.IsAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

func validateRegistration(reg Registration) error {
	if n := utf8.RuneCountInString(reg.Username); n < minUsernameLen || n > maxUsernameLen {
		return fmt.Errorf("%w: username must be %d-%d characters", ErrInvalidInput, minUsernameLen, maxUsernameLen)
	}
	if _, err := mail.ParseAddress(reg.Email); err != nil {
		return fmt.Errorf("%w: email is malformed", ErrInvalidInput)
	}
	if len(reg.Password) < minPasswordLen {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}
	if reg.FullName != nil && utf8.RuneCountInString(*reg.FullName) > maxFullNameLen {
		return fmt.Errorf("%w: full name is too long", ErrInvalidInput)
	}
	return nil
}

func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// Login checks credentials and issues an access token. Unknown users and
// wrong passwords are indistinguishable.
func (s *Service) Login(ctx context.Context, username, password string) (Session, User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Session{}, User{}, ErrInvalidCredentials
	}
	u, err := s.users.FindUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, User{}, ErrInvalidCredentials
		}
		return Session{}, User{}, err
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		return Session{}, User{}, ErrInvalidCredentials
	}
	raw, expiresAt, err := s.codec.MintAccess(u.ID, u.Username, u.IsAdmin)
	if err != nil {
		return Session{}, User{}, err
	}
	return Session{AccessToken: raw, TokenType: "bearer", ExpiresAt: expiresAt}, u, nil
}

// Authenticate validates an access token and resolves its principal from
// the current user record, so revoked admin rights take effect immediately.
func (s *Service) Authenticate(ctx context.Context, raw string) (Principal, error) {
	claims, err := s.codec.VerifyAccess(raw)
	if err != nil {
		return Principal{}, ErrUnauthorized
	}
	u, err := s.users.FindUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrUnauthorized
		}
		return Principal{}, err
	}
	return NewPrincipal(u), nil
}

// Me returns the user record behind p.
func (s *Service) Me(ctx context.Context, p Principal) (User, error) {
	return s.users.FindUser(ctx, p.UserID)
}
