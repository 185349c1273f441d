package fingerprint

import (
	"bytes"
	"strings"
	"testing"
)

func TestFingerprint_StableUnderWhitespaceAndCase(t *testing.T) {
	t.Parallel()

	base := Fingerprint("Food Pantry Volunteers Needed", "Help sort donations every Saturday morning.")
	noisy := Fingerprint("  food   pantry VOLUNTEERS needed ", "Help sort donations — every Saturday, morning!")

	if base == "" {
		t.Fatalf("expected non-empty fingerprint")
	}
	if base != noisy {
		t.Fatalf("fingerprint not stable under reformat: %q vs %q", base, noisy)
	}
}

func TestFingerprint_DiffersForDifferentContent(t *testing.T) {
	t.Parallel()

	left := Fingerprint("Food pantry volunteers", "Sort donations on Saturdays.")
	right := Fingerprint("Shelter overnight staff", "Supervise the warming shelter overnight.")
	if left == right {
		t.Fatalf("expected distinct fingerprints for distinct content")
	}
}

func TestFingerprint_TruncatesToPrefix(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("community resource listing ", 40)
	fp := Fingerprint("Title", long)
	if got := len([]rune(fp)); got != FingerprintPrefixLength {
		t.Fatalf("expected fingerprint capped at %d runes, got %d", FingerprintPrefixLength, got)
	}
}

func TestContentHash_ExactAndOrderSensitive(t *testing.T) {
	t.Parallel()

	a := ContentHash("Title", "Description", "call 555-0100")
	b := ContentHash("Title", "Description", "call 555-0100")
	c := ContentHash("Title", "Description", "call 555-0199")

	if !bytes.Equal(a, b) {
		t.Fatalf("identical input must hash identically")
	}
	if bytes.Equal(a, c) {
		t.Fatalf("different contact info must change the hash")
	}
}

func TestContentHash_IgnoresEmptyContact(t *testing.T) {
	t.Parallel()

	withEmpty := ContentHash("Title", "Description", "  ")
	without := ContentHash("Title", "Description", "")
	if !bytes.Equal(withEmpty, without) {
		t.Fatalf("blank contact info should not perturb the hash")
	}
}

func TestNormalizeText_CollapsesWhitespace(t *testing.T) {
	t.Parallel()

	got := NormalizeText("  Hello\t\tworld \n again ")
	if got != "Hello world again" {
		t.Fatalf("unexpected normalization: %q", got)
	}
}
