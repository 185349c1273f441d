// Package fingerprint computes exact and fuzzy content identifiers for
// extracted resource candidates. The content hash detects byte-identical
// resubmissions; the fingerprint detects near-identical content that only
// differs in case, punctuation, or whitespace.
package fingerprint

import (
	"crypto/sha256"
	"strings"
	"unicode"
)

// FingerprintPrefixLength caps the normalized key so that trailing boilerplate
// cannot split otherwise-identical descriptions.
const FingerprintPrefixLength = 256

// ContentHash returns the exact digest of the candidate's composed text.
func ContentHash(title, description, contactInfo string) []byte {
	composed := ComposeText(title, description, contactInfo)
	sum := sha256.Sum256([]byte(composed))
	return sum[:]
}

// Fingerprint returns the normalized fuzzy key: lowercased, punctuation and
// whitespace stripped, truncated to FingerprintPrefixLength runes. It is a
// deterministic function of the text and is used only for duplicate
// pre-filtering, never as identity on its own.
func Fingerprint(title, description string) string {
	normalized := normalizeForFingerprint(title + " " + description)
	runes := []rune(normalized)
	if len(runes) > FingerprintPrefixLength {
		runes = runes[:FingerprintPrefixLength]
	}
	return string(runes)
}

// ComposeText joins the candidate fields into the canonical hashing input.
func ComposeText(title, description, contactInfo string) string {
	parts := make([]string, 0, 3)
	for _, part := range []string{title, description, contactInfo} {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, "\n")
}

// NormalizeText collapses whitespace and strips control characters while
// keeping case and punctuation. Used for display-stable comparisons.
func NormalizeText(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	lastSpace := false
	for _, r := range trimmed {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimSpace(b.String())
}

func normalizeForFingerprint(input string) string {
	lowered := strings.ToLower(strings.TrimSpace(input))
	if lowered == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(lowered))
	for _, r := range lowered {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
