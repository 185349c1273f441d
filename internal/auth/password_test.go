package auth

import (
	"strings"
	"testing"
)

func TestHashAndVerifyPassword(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("correct-horse-battery")
	if err != nil {
		t.Fatalf("HashPassword returned error: %v", err)
	}
	if hash == "" || hash == "correct-horse-battery" {
		t.Fatal("hash is empty or equals the plaintext")
	}

	if !VerifyPassword("correct-horse-battery", hash) {
		t.Error("correct password rejected")
	}
	if VerifyPassword("wrong-password-here", hash) {
		t.Error("wrong password accepted")
	}
}

func TestHashPasswordEnforcesPolicy(t *testing.T) {
	t.Parallel()

	if _, err := HashPassword(""); err == nil {
		t.Error("empty password accepted")
	}
	if _, err := HashPassword("short"); err == nil {
		t.Error("short password accepted")
	}
	if _, err := HashPassword("   "); err == nil {
		t.Error("whitespace password accepted")
	}
}

func TestVerifyPasswordEmptyInputs(t *testing.T) {
	t.Parallel()

	if VerifyPassword("", "somehash") {
		t.Error("empty password verified")
	}
	if VerifyPassword("password12", "") {
		t.Error("empty hash verified")
	}
}

func TestNormalizeUsername(t *testing.T) {
	t.Parallel()

	if got := NormalizeUsername("  Reviewer@Example.ORG "); got != "reviewer@example.org" {
		t.Fatalf("NormalizeUsername = %q", got)
	}
}

func TestNewSessionTokenUnique(t *testing.T) {
	t.Parallel()

	first, err := NewSessionToken()
	if err != nil {
		t.Fatalf("NewSessionToken returned error: %v", err)
	}
	second, err := NewSessionToken()
	if err != nil {
		t.Fatalf("NewSessionToken returned error: %v", err)
	}
	if first == second {
		t.Fatal("two tokens are identical")
	}
	if len(first) != sessionTokenBytes*2 {
		t.Fatalf("token length %d, want %d", len(first), sessionTokenBytes*2)
	}
	if strings.ToLower(first) != first {
		t.Error("token is not lowercase hex")
	}
}
