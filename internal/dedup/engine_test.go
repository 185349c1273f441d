package dedup

import (
	"testing"
	"time"

	"aidbeacon.org/beacon/internal/lifecycle"
)

func TestBandThresholds(t *testing.T) {
	t.Parallel()

	const (
		autoMerge = 0.93
		reviewMin = 0.85
	)

	cases := []struct {
		cosine float64
		want   int
	}{
		{0.99, bandAutoMerge},
		{0.93, bandAutoMerge},
		{0.9299, bandReview},
		{0.85, bandReview},
		{0.8499, bandDistinct},
		{0.10, bandDistinct},
		{-0.2, bandDistinct},
	}
	for _, tc := range cases {
		if got := band(tc.cosine, autoMerge, reviewMin); got != tc.want {
			t.Errorf("band(%v) = %d, want %d", tc.cosine, got, tc.want)
		}
	}
}

func TestInsertVersionRecordCarriesNearMatchEvidence(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	candidate := pendingCandidate{
		CandidateID: 41,
		PageID:      9,
		Title:       "Food pantry on Oak St",
		Description: "Weekly groceries, no registration.",
		Urgency:     "normal",
		Confidence:  0.9,
		Language:    "en",
	}
	near := &semanticMatch{ResourceID: 12, Cosine: 0.88}

	// A candidate the adjudicator ruled distinct still records what it was
	// compared against.
	record := insertVersionRecord(50, candidate, lifecycle.DecisionNew, near, "different providers at different addresses", now)
	if record.Decision != lifecycle.DecisionNew {
		t.Errorf("decision = %q, want %q", record.Decision, lifecycle.DecisionNew)
	}
	if record.MatchedResourceID == nil || *record.MatchedResourceID != 12 {
		t.Errorf("matched resource not carried: %+v", record.MatchedResourceID)
	}
	if record.Similarity == nil || *record.Similarity != 0.88 {
		t.Errorf("similarity not carried: %+v", record.Similarity)
	}
	if record.Reasoning == nil || *record.Reasoning != "different providers at different addresses" {
		t.Errorf("reasoning not carried: %+v", record.Reasoning)
	}

	staged := insertVersionRecord(51, candidate, lifecycle.DecisionReviewStage, near, "texts too short to tell", now)
	if staged.Decision != lifecycle.DecisionReviewStage {
		t.Errorf("decision = %q, want %q", staged.Decision, lifecycle.DecisionReviewStage)
	}
	if staged.MatchedResourceID == nil || *staged.MatchedResourceID != 12 {
		t.Errorf("matched resource not carried on staged row: %+v", staged.MatchedResourceID)
	}
}

func TestInsertVersionRecordWithoutNearMatch(t *testing.T) {
	t.Parallel()

	candidate := pendingCandidate{CandidateID: 7, PageID: 3, Title: "t", Description: "d", Urgency: "normal", Language: "en"}
	record := insertVersionRecord(60, candidate, lifecycle.DecisionNew, nil, "", time.Now())
	if record.MatchedResourceID != nil || record.Similarity != nil || record.Reasoning != nil {
		t.Errorf("no-match insert must carry no evidence: %+v", record)
	}
	if record.CandidateID == nil || *record.CandidateID != 7 {
		t.Errorf("candidate id not carried: %+v", record.CandidateID)
	}
}

func TestParseRuling(t *testing.T) {
	t.Parallel()

	verdict, reason, err := parseRuling(`{"verdict": "same", "reason": "identical provider and offer"}`)
	if err != nil {
		t.Fatalf("parseRuling returned error: %v", err)
	}
	if verdict != VerdictSame {
		t.Errorf("verdict = %q, want %q", verdict, VerdictSame)
	}
	if reason != "identical provider and offer" {
		t.Errorf("unexpected reason: %q", reason)
	}
}

func TestParseRulingNormalizesCase(t *testing.T) {
	t.Parallel()

	verdict, _, err := parseRuling(`{"verdict": " Different ", "reason": ""}`)
	if err != nil {
		t.Fatalf("parseRuling returned error: %v", err)
	}
	if verdict != VerdictDifferent {
		t.Errorf("verdict = %q, want %q", verdict, VerdictDifferent)
	}
}

func TestParseRulingFencedPayload(t *testing.T) {
	t.Parallel()

	raw := "```json\n{\"verdict\": \"uncertain\", \"reason\": \"texts too short\"}\n```"
	verdict, _, err := parseRuling(raw)
	if err != nil {
		t.Fatalf("parseRuling returned error: %v", err)
	}
	if verdict != VerdictUncertain {
		t.Errorf("verdict = %q, want %q", verdict, VerdictUncertain)
	}
}

func TestParseRulingRejectsUnknownVerdict(t *testing.T) {
	t.Parallel()

	if _, _, err := parseRuling(`{"verdict": "maybe", "reason": "x"}`); err == nil {
		t.Fatal("expected error for unknown verdict")
	}
	if _, _, err := parseRuling(`not json at all`); err == nil {
		t.Fatal("expected error for non-JSON payload")
	}
}
