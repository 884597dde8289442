package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("secret-password")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	if !CheckPassword("secret-password", hash) {
		t.Fatalf("expected password to match")
	}
	if CheckPassword("wrong-password", hash) {
		t.Fatalf("expected password mismatch")
	}
}

func TestHashPasswordSalted(t *testing.T) {
	first, err := HashPassword("secret-password")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	second, err := HashPassword("secret-password")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct salts to produce distinct hashes")
	}
}

func TestHashPasswordLengthBounds(t *testing.T) {
	if _, err := HashPassword("short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
	if _, err := HashPassword(strings.Repeat("x", 129)); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}
	if _, err := HashPassword(strings.Repeat("x", 128)); err != nil {
		t.Fatalf("expected 128-char password to hash, got %v", err)
	}
}

func TestCheckPasswordMalformedHash(t *testing.T) {
	if CheckPassword("whatever", "not-a-bcrypt-hash") {
		t.Fatalf("expected malformed hash to report mismatch")
	}
	if CheckPassword("whatever", "") {
		t.Fatalf("expected empty hash to report mismatch")
	}
}

func TestIsBcryptHash(t *testing.T) {
	hash, err := HashPassword("secret-password")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	if !IsBcryptHash(hash) {
		t.Fatalf("expected generated hash to be recognized")
	}
	for _, value := range []string{"", "plaintext123", "$1$legacy", "$2z$10$foo"} {
		if IsBcryptHash(value) {
			t.Fatalf("expected %q to be unrecognized", value)
		}
	}
}
