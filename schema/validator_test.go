package payloadschema

import (
	"encoding/json"
	"testing"
)

func TestValidateCandidateList_Valid(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`[
		{"title":"Food pantry volunteers","description":"Sort donations Saturdays.","urgency":"urgent","confidence":0.9},
		{"title":"Shelter overnight staff","description":"Supervise the warming shelter.","contact_info":"555-0100"}
	]`)

	candidates, err := ValidateCandidateList(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].Urgency != "urgent" {
		t.Fatalf("unexpected urgency: %q", candidates[0].Urgency)
	}
	if candidates[1].Urgency != "normal" {
		t.Fatalf("expected urgency default to normal, got %q", candidates[1].Urgency)
	}
}

func TestValidateCandidateList_RejectsEmptyDescription(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`[{"title":"x","description":""}]`)
	if _, err := ValidateCandidateList(payload); err == nil {
		t.Fatalf("expected empty description to be rejected")
	}
}

func TestValidateCandidateList_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`[{"title":"x","description":"y","category":"food"}]`)
	if _, err := ValidateCandidateList(payload); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestValidateCandidateList_RejectsTrailingContent(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`[] trailing`)
	if _, err := ValidateCandidateList(payload); err == nil {
		t.Fatalf("expected trailing content to be rejected")
	}
}

func TestValidateJudgeResponse_Valid(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`[
		{"member_id":7,"is_relevant":true,"reason":"runs a food bank nearby"},
		{"member_id":9,"is_relevant":false,"reason":"different neighborhood"}
	]`)

	verdicts, err := ValidateJudgeResponse(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(verdicts) != 2 {
		t.Fatalf("expected 2 verdicts, got %d", len(verdicts))
	}
	if !verdicts[0].IsRelevant || verdicts[1].IsRelevant {
		t.Fatalf("unexpected relevance flags: %+v", verdicts)
	}
}

func TestValidateJudgeResponse_RejectsDuplicateMember(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`[
		{"member_id":7,"is_relevant":true,"reason":"a"},
		{"member_id":7,"is_relevant":false,"reason":"b"}
	]`)
	if _, err := ValidateJudgeResponse(payload); err == nil {
		t.Fatalf("expected duplicate member_id to be rejected")
	}
}

func TestValidateJudgeResponse_RejectsMissingReason(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`[{"member_id":7,"is_relevant":true}]`)
	if _, err := ValidateJudgeResponse(payload); err == nil {
		t.Fatalf("expected missing reason to be rejected")
	}
}
