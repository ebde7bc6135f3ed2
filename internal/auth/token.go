// Package auth issues and checks the hub's session tokens and hashes
// account passwords.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "huddle"

var (
	ErrShortSecret  = errors.New("auth: token secret must be at least 16 characters")
	ErrTokenExpired = errors.New("auth: token expired")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims identify the signed-in user. Name and Email travel with the token so
// the hub can authorize store writes without a database lookup.
type Claims struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// UID returns the account id carried in the subject claim.
func (c *Claims) UID() string { return c.Subject }

// TokenService signs and validates HS256 tokens with a shared secret.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, ErrShortSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// Generate signs a token for the given account.
func (s *TokenService) Generate(uid, name, email string) (string, error) {
	now := time.Now()
	c := Claims{
		Name:  name,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate parses tokenStr and returns its claims.
func (s *TokenService) Validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{},
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || c.Subject == "" {
		return nil, ErrInvalidToken
	}
	return c, nil
}
