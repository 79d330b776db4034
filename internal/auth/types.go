package auth

import (
	"strings"
	"time"
)

// User is an account that can log in. Participants provisioned by an
// organizer are users with an unusable password.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FullName     *string   `json:"full_name"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DisplayName is the name shown on badges and scan results.
func (u User) DisplayName() string {
	if u.FullName != nil {
		if name := strings.TrimSpace(*u.FullName); name != "" {
			return name
		}
	}
	return u.Username
}

// Registration carries the fields accepted when creating an account.
type Registration struct {
	Username string  `json:"username"`
	Email    string  `json:"email"`
	Password string  `json:"password"`
	FullName *string `json:"full_name"`
	IsAdmin  bool    `json:"is_admin"`
}

// Session is an issued access token.
type Session struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}
