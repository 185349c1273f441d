// Package langdetect tags candidate text with an ISO 639-1 language code.
// Detection is best effort; "und" means the text was too short or ambiguous.
package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

// Undetermined is stored when no language can be assigned.
const Undetermined = "und"

// Detection beyond this many runes adds latency without accuracy.
const maxSampleRunes = 2000

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

// Detect returns the two-letter ISO 639-1 code for the dominant language of
// the text, or Undetermined.
func Detect(text string) string {
	sample := strings.TrimSpace(text)
	if sample == "" {
		return Undetermined
	}
	if runes := []rune(sample); len(runes) > maxSampleRunes {
		sample = string(runes[:maxSampleRunes])
	}

	letterCount := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letterCount++
		}
	}
	if letterCount < 6 {
		return Undetermined
	}

	language, exists := getDetector().DetectLanguageOf(sample)
	if !exists {
		return Undetermined
	}

	code := strings.ToLower(language.IsoCode639_1().String())
	if len(code) != 2 {
		return Undetermined
	}
	return code
}

func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromAllLanguages().
			WithPreloadedLanguageModels().
			Build()
	})
	return detector
}
