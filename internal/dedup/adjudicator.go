package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"aidbeacon.org/beacon/internal/ai"
)

// Adjudicator verdicts for the ambiguous similarity band.
const (
	VerdictSame      = "same"
	VerdictDifferent = "different"
	VerdictUncertain = "uncertain"
)

const adjudicateAttempts = 3

const adjudicateSystemPrompt = `You compare two community resource listings and decide whether they describe the same real-world offer of help.
Two listings are the same offer when the provider, the kind of help, and the location or audience line up, even if wording differs.
Different schedules alone do not make them different; different providers or different kinds of help do.
Reply with JSON only: {"verdict": "same" | "different" | "uncertain", "reason": string}.
Use "uncertain" when the texts do not give enough to decide.`

// Adjudicator asks the chat model to rule on a near-duplicate pair. Used only
// inside the review similarity band; exact and high-confidence matches never
// reach it.
type Adjudicator struct {
	chat *ai.Client
}

func NewAdjudicator(chat *ai.Client) *Adjudicator {
	return &Adjudicator{chat: chat}
}

type adjudicateRuling struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
}

// Adjudicate returns one of VerdictSame, VerdictDifferent, VerdictUncertain
// plus the model's reasoning. A model that stays unparseable after retries
// degrades to VerdictUncertain so the pipeline keeps moving.
func (a *Adjudicator) Adjudicate(ctx context.Context, candidateTitle, candidateBody, resourceTitle, resourceBody string) (string, string, error) {
	prompt := fmt.Sprintf(
		"Listing A:\nTitle: %s\n%s\n\nListing B:\nTitle: %s\n%s",
		strings.TrimSpace(candidateTitle), strings.TrimSpace(candidateBody),
		strings.TrimSpace(resourceTitle), strings.TrimSpace(resourceBody),
	)

	var lastErr error
	for attempt := 1; attempt <= adjudicateAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", "", ctx.Err()
			case <-time.After(time.Duration(attempt-1) * time.Second):
			}
		}

		raw, err := a.chat.Complete(ctx, adjudicateSystemPrompt, prompt)
		if err != nil {
			lastErr = err
			continue
		}

		verdict, reason, err := parseRuling(raw)
		if err != nil {
			lastErr = err
			continue
		}
		return verdict, reason, nil
	}

	return VerdictUncertain, "", fmt.Errorf("adjudication failed after %d attempts: %w", adjudicateAttempts, lastErr)
}

func parseRuling(raw string) (string, string, error) {
	var ruling adjudicateRuling
	if err := json.Unmarshal([]byte(ai.ExtractJSONPayload(raw)), &ruling); err != nil {
		return "", "", fmt.Errorf("decode adjudication: %w", err)
	}

	verdict := strings.ToLower(strings.TrimSpace(ruling.Verdict))
	switch verdict {
	case VerdictSame, VerdictDifferent, VerdictUncertain:
		return verdict, strings.TrimSpace(ruling.Reason), nil
	}
	return "", "", fmt.Errorf("unknown adjudication verdict %q", ruling.Verdict)
}
