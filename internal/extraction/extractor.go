// Package extraction turns raw page snapshots into structured resource
// candidates. One page is claimed per transaction, so concurrent workers
// never double-extract.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
	"github.com/rs/zerolog"

	"aidbeacon.org/beacon/internal/ai"
	"aidbeacon.org/beacon/internal/db"
	"aidbeacon.org/beacon/internal/fingerprint"
	"aidbeacon.org/beacon/internal/globaltime"
	"aidbeacon.org/beacon/internal/langdetect"
	payloadschema "aidbeacon.org/beacon/schema"
)

const (
	// Text beyond this is clipped before prompting the extractor model.
	maxPromptRunes = 12000

	extractAttempts = 3
	retryBackoff    = 2 * time.Second
)

const extractSystemPrompt = `You extract community resource listings from web page text.
A resource is a concrete offer of help: food distribution, shelter, medical care, legal aid, supplies, services.
Reply with a JSON array only, no prose. Each element:
  {"title": string, "description": string, "contact_info": string or null, "urgency": "urgent" or "normal", "confidence": number between 0 and 1}
Rules:
- One element per distinct resource on the page.
- description must restate the offer in one or two sentences; never leave it empty.
- "urgent" only for time-critical offers (today, this week, emergency).
- confidence reflects how clearly the page states the offer.
- Return [] if the page contains no resources.`

type Extractor struct {
	pool   *db.Pool
	logger zerolog.Logger
	chat   *ai.Client
}

func NewExtractor(pool *db.Pool, logger zerolog.Logger, chat *ai.Client) *Extractor {
	return &Extractor{
		pool:   pool,
		logger: logger.With().Str("component", "extraction").Logger(),
		chat:   chat,
	}
}

type claimedPage struct {
	PageID   int64
	SourceID int64
	CycleID  int64
	URL      string
	RawText  string
}

// ProcessPending extracts candidates from pending pages, one claim per
// transaction, until no pages remain or limit is reached. Returns the number
// of pages processed.
func (e *Extractor) ProcessPending(ctx context.Context, limit int) (int, error) {
	processed := 0
	for limit <= 0 || processed < limit {
		ok, err := e.processOne(ctx)
		if err != nil {
			return processed, err
		}
		if !ok {
			break
		}
		processed++
	}
	return processed, nil
}

func (e *Extractor) processOne(ctx context.Context) (bool, error) {
	tx, err := e.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin extraction tx: %w", err)
	}
	defer tx.Rollback(ctx)

	page, ok, err := claimPageTx(ctx, tx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	logger := e.logger.With().Int64("page_id", page.PageID).Str("url", page.URL).Logger()

	text := readableText(page.RawText, page.URL)
	if text == "" {
		if err := finishPageTx(ctx, tx, page.PageID, db.ExtractionStatusFailed, "no readable text"); err != nil {
			return false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("commit extraction tx: %w", err)
		}
		logger.Warn().Msg("page had no readable text")
		return true, nil
	}

	candidates, err := e.extractCandidates(ctx, text)
	if err != nil {
		// Extraction is attempted inline with retries; a persistent failure
		// marks the page failed so the claim loop moves on.
		if finishErr := finishPageTx(ctx, tx, page.PageID, db.ExtractionStatusFailed, err.Error()); finishErr != nil {
			return false, finishErr
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return false, fmt.Errorf("commit extraction tx: %w", commitErr)
		}
		logger.Error().Err(err).Msg("candidate extraction failed")
		return true, nil
	}

	language := langdetect.Detect(text)

	inserted := 0
	for _, candidate := range candidates {
		contact := ""
		if candidate.ContactInfo != nil {
			contact = *candidate.ContactInfo
		}
		confidence := 0.0
		if candidate.Confidence != nil {
			confidence = *candidate.Confidence
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO beacon.extracted_candidates
				(page_id, source_id, cycle_id, title, description, contact_info, urgency, confidence, language, content_hash, fingerprint)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11)`,
			page.PageID, page.SourceID, page.CycleID,
			fingerprint.NormalizeText(candidate.Title),
			fingerprint.NormalizeText(candidate.Description),
			strings.TrimSpace(contact),
			candidate.Urgency,
			confidence,
			language,
			fingerprint.ContentHash(candidate.Title, candidate.Description, contact),
			fingerprint.Fingerprint(candidate.Title, candidate.Description),
		)
		if err != nil {
			return false, fmt.Errorf("insert candidate for page %d: %w", page.PageID, err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := finishPageTx(ctx, tx, page.PageID, db.ExtractionStatusDone, ""); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit extraction tx: %w", err)
	}

	logger.Info().Int("candidates", inserted).Str("language", language).Msg("page extracted")
	return true, nil
}

func claimPageTx(ctx context.Context, tx db.Tx) (claimedPage, bool, error) {
	const q = `
SELECT page_id, source_id, cycle_id, url, raw_text
FROM beacon.fetched_pages
WHERE extraction_status = 'pending'
ORDER BY page_id
LIMIT 1
FOR UPDATE SKIP LOCKED
`

	var page claimedPage
	err := tx.QueryRow(ctx, q).Scan(&page.PageID, &page.SourceID, &page.CycleID, &page.URL, &page.RawText)
	if err != nil {
		if db.IsNoRows(err) {
			return claimedPage{}, false, nil
		}
		return claimedPage{}, false, fmt.Errorf("claim pending page: %w", err)
	}
	return page, true, nil
}

func finishPageTx(ctx context.Context, tx db.Tx, pageID int64, status, errMessage string) error {
	_, err := tx.Exec(ctx, `
		UPDATE beacon.fetched_pages
		SET extraction_status = $2,
		    extraction_error = NULLIF($3, ''),
		    extracted_at = $4
		WHERE page_id = $1`,
		pageID, status, errMessage, globaltime.Now())
	if err != nil {
		return fmt.Errorf("finish page %d: %w", pageID, err)
	}
	return nil
}

func (e *Extractor) extractCandidates(ctx context.Context, text string) ([]payloadschema.Candidate, error) {
	prompt := clipRunes(text, maxPromptRunes)

	var lastErr error
	for attempt := 1; attempt <= extractAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * retryBackoff):
			}
		}

		raw, err := e.chat.Complete(ctx, extractSystemPrompt, prompt)
		if err != nil {
			lastErr = err
			continue
		}

		candidates, err := payloadschema.ValidateCandidateList(json.RawMessage(ai.ExtractJSONPayload(raw)))
		if err != nil {
			lastErr = fmt.Errorf("attempt %d: %w", attempt, err)
			continue
		}
		return candidates, nil
	}

	return nil, fmt.Errorf("extraction failed after %d attempts: %w", extractAttempts, lastErr)
}

// readableText reduces a raw snapshot to cleaned plain text. HTML goes
// through readability; anything else is treated as plain text.
func readableText(raw, pageURL string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if !looksLikeHTML(trimmed) {
		return CleanText(trimmed)
	}

	parsed, err := url.Parse(pageURL)
	if err != nil {
		parsed = nil
	}
	article, err := readability.FromReader(bytes.NewReader([]byte(trimmed)), parsed)
	if err != nil {
		return CleanText(trimmed)
	}

	var rendered bytes.Buffer
	if err := article.RenderText(&rendered); err != nil {
		return CleanText(trimmed)
	}
	text := CleanText(rendered.String())
	if text == "" {
		text = CleanText(article.Excerpt())
	}
	return text
}

func looksLikeHTML(text string) bool {
	lowered := strings.ToLower(text)
	return strings.Contains(lowered, "<html") ||
		strings.Contains(lowered, "<!doctype") ||
		strings.Contains(lowered, "<body") ||
		strings.Contains(lowered, "<div")
}

// CleanText normalizes line endings and collapses in-line whitespace while
// keeping paragraph boundaries.
func CleanText(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	lines := strings.Split(normalized, "\n")
	paragraphs := make([]string, 0, len(lines))
	for _, line := range lines {
		clean := strings.Join(strings.Fields(strings.TrimSpace(line)), " ")
		if clean == "" {
			continue
		}
		paragraphs = append(paragraphs, clean)
	}

	return strings.TrimSpace(strings.Join(paragraphs, "\n\n"))
}

func clipRunes(text string, limit int) string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	return strings.TrimSpace(string(runes[:limit]))
}
