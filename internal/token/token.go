package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"attendly.org/internal/config"
)

const (
	// TypeCheckin tags short-lived presentation tokens shown as a live badge.
	TypeCheckin = "checkin"
	// TypeAccess tags login session tokens.
	TypeAccess = "access"

	defaultIssuer     = "attendly"
	defaultCheckinTTL = 60 * time.Second
	defaultAccessTTL  = 7 * 24 * time.Hour

	// issuedAtSkew tolerates clocks of neighbouring instances running slightly ahead.
	issuedAtSkew = 5 * time.Second
)

// ErrInvalidToken indicates the token failed validation. Malformed, forged and
// expired tokens are deliberately indistinguishable to callers.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the payload carried by every token minted by a Codec.
type Claims struct {
	Type        string `json:"type"`
	EventID     string `json:"event_id,omitempty"`
	DisplayName string `json:"name,omitempty"`
	Username    string `json:"username,omitempty"`
	IsAdmin     bool   `json:"is_admin,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies tokens with a single HMAC secret.
type Codec struct {
	secret     []byte
	method     jwt.SigningMethod
	issuer     string
	checkinTTL time.Duration
	accessTTL  time.Duration
	now        func() time.Time
}

// Option configures a Codec.
type Option func(*Codec) error

// WithSigningMethod selects the HMAC variant used for signing and accepted on verify.
func WithSigningMethod(alg string) Option {
	return func(c *Codec) error {
		method, ok := jwt.GetSigningMethod(strings.ToUpper(strings.TrimSpace(alg))).(*jwt.SigningMethodHMAC)
		if !ok {
			return fmt.Errorf("token: unsupported signing method %q", alg)
		}
		c.method = method
		return nil
	}
}

// WithIssuer overrides the issuer claim.
func WithIssuer(issuer string) Option {
	return func(c *Codec) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
		return nil
	}
}

// WithCheckinTTL sets the lifetime of check-in presentation tokens.
func WithCheckinTTL(ttl time.Duration) Option {
	return func(c *Codec) error {
		if ttl > 0 {
			c.checkinTTL = ttl
		}
		return nil
	}
}

// WithAccessTTL sets the lifetime of login access tokens.
func WithAccessTTL(ttl time.Duration) Option {
	return func(c *Codec) error {
		if ttl > 0 {
			c.accessTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Codec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// New constructs a Codec signing with secret.
func New(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: secret is required")
	}
	c := &Codec{
		secret:     append([]byte(nil), secret...),
		method:     jwt.SigningMethodHS256,
		issuer:     defaultIssuer,
		checkinTTL: defaultCheckinTTL,
		accessTTL:  defaultAccessTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// FromConfig builds a Codec from process configuration. Extra options are
// applied after the configured ones.
func FromConfig(cfg config.Config, opts ...Option) (*Codec, error) {
	base := []Option{
		WithSigningMethod(cfg.AuthAlgorithm),
		WithIssuer(cfg.AuthIssuer),
		WithCheckinTTL(cfg.CheckinTTL),
		WithAccessTTL(cfg.AccessTokenTTL),
	}
	return New([]byte(cfg.AuthSecret), append(base, opts...)...)
}

// CheckinTTL reports the configured presentation token lifetime.
func (c *Codec) CheckinTTL() time.Duration { return c.checkinTTL }

// AccessTTL reports the configured access token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.accessTTL }

// Mint signs claims with an absolute expiry of now+ttl, rounded up to the
// second. Issuer, issued-at, expiry and token id are always set by the codec.
func (c *Codec) Mint(claims Claims, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(claims.Subject) == "" {
		return "", time.Time{}, errors.New("token: subject is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("token: ttl must be greater than zero")
	}
	now := c.now().UTC()
	claims.Issuer = c.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(expiryAt(now, ttl))
	claims.ID = uuid.NewString()

	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// expiryAt returns now+ttl rounded up to the whole second the exp claim can
// carry, so a token never lives shorter than ttl.
func expiryAt(now time.Time, ttl time.Duration) time.Time {
	exp := now.Add(ttl)
	if floor := exp.Truncate(time.Second); !floor.Equal(exp) {
		return floor.Add(time.Second)
	}
	return exp
}

// Verify checks signature, issuer and expiry. Claim semantics such as the
// token type or the event it was minted for are left to the caller.
func (c *Codec) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := c.validateClaims(&claims); err != nil {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

func (c *Codec) validateClaims(claims *Claims) error {
	if claims.Issuer != c.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := c.now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	if claims.IssuedAt.Time.After(now.Add(issuedAtSkew)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

// MintCheckin issues a presentation token for subject at eventID.
func (c *Codec) MintCheckin(subjectID, eventID, displayName string) (string, time.Time, error) {
	if strings.TrimSpace(eventID) == "" {
		return "", time.Time{}, errors.New("token: event id is required")
	}
	return c.Mint(Claims{
		Type:             TypeCheckin,
		EventID:          eventID,
		DisplayName:      displayName,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subjectID},
	}, c.checkinTTL)
}

// VerifyCheckin verifies raw and additionally requires it to be a check-in
// token minted for expectedEventID. A badge for one event never verifies
// against another, and a session token never passes as a badge.
func (c *Codec) VerifyCheckin(raw, expectedEventID string) (*Claims, error) {
	claims, err := c.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.Type != TypeCheckin {
		return nil, ErrInvalidToken
	}
	if claims.EventID == "" || claims.EventID != expectedEventID {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// MintAccess issues a login session token.
func (c *Codec) MintAccess(userID, username string, isAdmin bool) (string, time.Time, error) {
	return c.Mint(Claims{
		Type:             TypeAccess,
		Username:         username,
		IsAdmin:          isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}, c.accessTTL)
}

// VerifyAccess verifies raw as a login session token.
func (c *Codec) VerifyAccess(raw string) (*Claims, error) {
	claims, err := c.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.Type != TypeAccess {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
