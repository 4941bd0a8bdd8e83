// Package auth verifies caller sessions and their scopes.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/org/phivault/internal/phierr"
)

// Session is a verified caller identity.
type Session struct {
	Subject   string
	Scopes    []string
	ExpiresAt time.Time
}

// Require returns an insufficient-scope error unless the session grants
// scope.
func (s *Session) Require(scope string) error {
	if s == nil {
		return phierr.ErrNotAuthenticated
	}
	if !HasScope(s.Scopes, scope) {
		return phierr.NewInsufficientScopeError(scope)
	}
	return nil
}

// Claims is the session token payload.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Sessions signs and verifies HS256 session tokens.
type Sessions struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option configures Sessions.
type Option func(*Sessions)

// WithIssuer sets the iss claim on minted tokens and requires it on
// verified ones.
func WithIssuer(iss string) Option {
	return func(s *Sessions) { s.issuer = iss }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sessions) { s.now = now }
}

// NewSessions creates a verifier. An empty secret verifies nothing.
func NewSessions(secret []byte, opts ...Option) *Sessions {
	s := &Sessions{secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mint issues a session token for subject.
func (s *Sessions) Mint(subject string, scopes []string, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", phierr.NewConfigurationError("PHIVAULT_SESSION_SECRET", "not set")
	}
	now := s.now()
	claims := Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing session: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token. Every failure is reported
// as phierr.ErrNotAuthenticated.
func (s *Sessions) Verify(tokenString string) (*Session, error) {
	if len(s.secret) == 0 || tokenString == "" {
		return nil, phierr.ErrNotAuthenticated
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", phierr.ErrNotAuthenticated, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, phierr.ErrNotAuthenticated
	}

	return &Session{
		Subject:   claims.Subject,
		Scopes:    ParseScopes(claims.Scope),
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", errors.New("expected Bearer authorization")
	}
	return strings.TrimSpace(header[len(prefix):]), nil
}
