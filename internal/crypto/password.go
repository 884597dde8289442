package crypto

import (
	"errors"
	"log/slog"
	"regexp"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcrypt work factor, matching the cost the stored hashes were
	// produced with. Raising it only affects newly written hashes.
	hashCost = 10

	minPasswordLength = 8
	maxPasswordLength = 128
)

var (
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")
	ErrPasswordTooLong  = errors.New("password must be at most 128 characters")
)

var bcryptPrefix = regexp.MustCompile(`^\$2[aby]\$\d{2}\$`)

// HashPassword hashes a plaintext password with a per-call random salt.
// Two hashes of the same input differ.
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", ErrPasswordTooShort
	}
	if len(password) > maxPasswordLength {
		return "", ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), hashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a bcrypt hash. It
// never fails hard: malformed hash input is logged and reported as a
// mismatch. The underlying comparison is constant time with respect to the
// stored hash.
func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err == nil {
		return true
	}
	if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		slog.Warn("password compare on malformed hash", "error", err)
	}
	return false
}

// IsBcryptHash reports whether a stored credential value is structurally a
// bcrypt hash. Anything else is treated as a legacy plaintext password
// pending migration-on-login.
func IsBcryptHash(value string) bool {
	return bcryptPrefix.MatchString(value)
}
