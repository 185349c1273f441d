package extraction

import (
	"strings"
	"testing"
)

func TestCleanTextCollapsesWhitespace(t *testing.T) {
	t.Parallel()

	raw := "  Food  pantry \r\n\r\n open   Tuesdays \r\n"
	want := "Food pantry\n\nopen Tuesdays"
	if got := CleanText(raw); got != want {
		t.Fatalf("CleanText = %q, want %q", got, want)
	}
}

func TestCleanTextEmpty(t *testing.T) {
	t.Parallel()

	if got := CleanText("   \n\r\n  "); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestLooksLikeHTML(t *testing.T) {
	t.Parallel()

	if !looksLikeHTML("<!DOCTYPE html><html><body>hi</body></html>") {
		t.Error("doctype page not recognized as HTML")
	}
	if !looksLikeHTML(`<div class="listing">Free meals</div>`) {
		t.Error("div fragment not recognized as HTML")
	}
	if looksLikeHTML("Free meals at the community center, call 555-0100.") {
		t.Error("plain text misidentified as HTML")
	}
}

func TestReadableTextPlain(t *testing.T) {
	t.Parallel()

	got := readableText("Free meals\n\nEvery Tuesday", "https://example.org/aid")
	if got != "Free meals\n\nEvery Tuesday" {
		t.Fatalf("unexpected text: %q", got)
	}
}

func TestClipRunes(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 50)
	if got := clipRunes(long, 10); len(got) != 10 {
		t.Fatalf("expected 10 runes, got %d", len(got))
	}
	if got := clipRunes("short", 10); got != "short" {
		t.Fatalf("short text should pass through, got %q", got)
	}
	if got := clipRunes(long, 0); got != long {
		t.Fatalf("zero limit should pass through")
	}
}
