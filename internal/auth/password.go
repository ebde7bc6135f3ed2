package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	defaultCost    = 12
	minPasswordLen = 8
	maxPasswordLen = 72 // bcrypt ignores anything beyond 72 bytes
)

var (
	ErrPasswordTooShort = fmt.Errorf("auth: password must be at least %d characters", minPasswordLen)
	ErrPasswordTooLong  = fmt.Errorf("auth: password must be at most %d bytes", maxPasswordLen)
	ErrWrongPassword    = errors.New("auth: wrong password")
)

// Hasher hashes passwords with a fixed bcrypt cost. Tests use MinCost.
type Hasher struct {
	Cost int
}

func NewHasher() Hasher { return Hasher{Cost: defaultCost} }

func (h Hasher) Hash(password string) (string, error) {
	if len(password) < minPasswordLen {
		return "", ErrPasswordTooShort
	}
	if len(password) > maxPasswordLen {
		return "", ErrPasswordTooLong
	}
	cost := h.Cost
	if cost == 0 {
		cost = defaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}
	return string(b), nil
}

// Check compares password against hash. A mismatch is ErrWrongPassword.
func (Hasher) Check(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrWrongPassword
	}
	return err
}
