package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles accepted by the API surface.
const (
	RoleTeacher = "teacher"
	RoleDevice  = "device"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the JWT payload for teachers and classroom camera devices.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 tokens.
type Authenticator struct {
	key    []byte
	issuer string
	ttl    time.Duration
}

// New creates an authenticator with the shared signing key.
func New(key, issuer string, ttl time.Duration) *Authenticator {
	return &Authenticator{key: []byte(key), issuer: issuer, ttl: ttl}
}

// Issue signs a token for a subject with the given role and returns the
// token plus its expiry.
func (a *Authenticator) Issue(subject, email, role string) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(a.ttl)

	claims := Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Verify parses and validates a token string.
func (a *Authenticator) Verify(tokenStr string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return a.key, nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return Claims{}, ErrInvalidToken
	}
	return *claims, nil
}
