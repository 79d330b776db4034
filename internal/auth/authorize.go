package auth

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID   string
	Username string
	Name     string
	IsAdmin  bool
}

// NewPrincipal derives a principal from a stored user.
func NewPrincipal(u User) Principal {
	return Principal{UserID: u.ID, Username: u.Username, Name: u.DisplayName(), IsAdmin: u.IsAdmin}
}

// RequireAdmin returns ErrForbidden unless p is an administrator.
func (p Principal) RequireAdmin() error {
	if !p.IsAdmin {
		return ErrForbidden
	}
	return nil
}
