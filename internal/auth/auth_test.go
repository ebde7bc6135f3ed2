package auth

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func newTokens(t *testing.T, ttl time.Duration) *TokenService {
	t.Helper()
	ts, err := NewTokenService("test-secret-at-least-16-chars", ttl)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return ts
}

func TestNewTokenServiceRejectsShortSecret(t *testing.T) {
	if _, err := NewTokenService("short", time.Hour); !errors.Is(err, ErrShortSecret) {
		t.Fatalf("got %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	ts := newTokens(t, time.Hour)
	tok, err := ts.Generate("u1", "Ann", "ann@example.com")
	if err != nil {
		t.Fatal(err)
	}
	c, err := ts.Validate(tok)
	if err != nil {
		t.Fatal(err)
	}
	if c.UID() != "u1" || c.Name != "Ann" || c.Email != "ann@example.com" {
		t.Fatalf("unexpected claims %+v", c)
	}
}

func TestExpiredToken(t *testing.T) {
	ts := newTokens(t, time.Hour)
	ts.ttl = -time.Minute
	tok, _ := ts.Generate("u1", "Ann", "ann@example.com")
	if _, err := ts.Validate(tok); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("got %v", err)
	}
}

func TestTokenFromOtherSecret(t *testing.T) {
	a := newTokens(t, time.Hour)
	b, _ := NewTokenService("another-secret-of-16+chars", time.Hour)
	tok, _ := b.Generate("u1", "Ann", "a@b.c")
	if _, err := a.Validate(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v", err)
	}
	if _, err := a.Validate("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v", err)
	}
}

func TestPasswordHashing(t *testing.T) {
	h := Hasher{Cost: bcrypt.MinCost}
	hash, err := h.Hash("correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Check(hash, "correct horse"); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := h.Check(hash, "wrong horse"); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("got %v", err)
	}
	if _, err := h.Hash("short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("got %v", err)
	}
}
