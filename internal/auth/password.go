// Package auth holds reviewer credential helpers: bcrypt password hashing
// and opaque session token generation.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultBcryptCost = 12
	MinPasswordLength = 10

	sessionTokenBytes = 32
)

// HashPassword enforces the length policy and returns a bcrypt hash.
func HashPassword(password string) (string, error) {
	trimmed := strings.TrimSpace(password)
	if err := ValidatePassword(trimmed); err != nil {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(trimmed), DefaultBcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func ValidatePassword(password string) error {
	trimmed := strings.TrimSpace(password)
	if trimmed == "" {
		return fmt.Errorf("password is required")
	}
	if len(trimmed) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}

func VerifyPassword(password, hash string) bool {
	trimmedPassword := strings.TrimSpace(password)
	trimmedHash := strings.TrimSpace(hash)
	if trimmedPassword == "" || trimmedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(trimmedHash), []byte(trimmedPassword)) == nil
}

func NormalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// NewSessionToken returns a random opaque token for reviewer sessions.
func NewSessionToken() (string, error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
