package embed

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"aidbeacon.org/beacon/internal/db"
	"aidbeacon.org/beacon/internal/fingerprint"
)

type Service struct {
	pool         *db.Pool
	logger       zerolog.Logger
	client       *Client
	modelName    string
	modelVersion string
	batchSize    int
}

func NewService(pool *db.Pool, logger zerolog.Logger, client *Client, modelName, modelVersion string, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Service{
		pool:         pool,
		logger:       logger.With().Str("component", "embed").Logger(),
		client:       client,
		modelName:    modelName,
		modelVersion: modelVersion,
		batchSize:    batchSize,
	}
}

type candidateText struct {
	ID   int64
	Text string
}

// EmbedCandidates embeds extracted candidates that have no stored vector for
// the current model yet. Returns the number of candidates embedded.
func (s *Service) EmbedCandidates(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = s.batchSize
	}

	total := 0
	for total < limit {
		batch := s.batchSize
		if remaining := limit - total; remaining < batch {
			batch = remaining
		}

		processed, err := s.embedCandidateBatch(ctx, batch)
		if err != nil {
			return total, err
		}
		if processed == 0 {
			break
		}
		total += processed
	}

	return total, nil
}

func (s *Service) embedCandidateBatch(ctx context.Context, batch int) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.candidate_id, c.title, c.description
		FROM beacon.extracted_candidates c
		WHERE c.dedup_status = 'pending'
		  AND NOT EXISTS (
		        SELECT 1 FROM beacon.candidate_embeddings e
		        WHERE e.candidate_id = c.candidate_id AND e.model_name = $1 AND e.model_version = $2
		  )
		ORDER BY c.candidate_id
		LIMIT $3`, s.modelName, s.modelVersion, batch)
	if err != nil {
		return 0, fmt.Errorf("select candidates to embed: %w", err)
	}

	var pending []candidateText
	for rows.Next() {
		var (
			id          int64
			title       string
			description string
		)
		if err := rows.Scan(&id, &title, &description); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan candidate: %w", err)
		}
		pending = append(pending, candidateText{ID: id, Text: embeddingText(title, description)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate candidates: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	texts := make([]string, len(pending))
	for i, item := range pending {
		texts[i] = item.Text
	}

	vectors, err := s.client.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed %d candidates: %w", len(pending), err)
	}

	stored := 0
	for i, item := range pending {
		literal, err := s.client.VectorLiteral(vectors[i])
		if err != nil {
			return stored, fmt.Errorf("candidate %d: %w", item.ID, err)
		}
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO beacon.candidate_embeddings (candidate_id, model_name, model_version, embedding, embedded_at, service_endpoint)
			VALUES ($1, $2, $3, $4::vector, NOW(), $5)
			ON CONFLICT (candidate_id, model_name, model_version) DO NOTHING`,
			item.ID, s.modelName, s.modelVersion, literal, s.client.Endpoint())
		if err != nil {
			return stored, fmt.Errorf("store embedding for candidate %d: %w", item.ID, err)
		}
		if tag.RowsAffected() > 0 {
			stored++
		}
	}

	s.logger.Info().Int("embedded", stored).Msg("embedded candidate batch")
	return stored, nil
}

// EmbedMembers embeds member interest profiles missing a vector. Returns the
// number of members embedded.
func (s *Service) EmbedMembers(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = s.batchSize
	}

	rows, err := s.pool.Query(ctx, `
		SELECT member_id, profile_text
		FROM beacon.members
		WHERE embedding IS NULL AND active AND profile_text <> ''
		ORDER BY member_id
		LIMIT $1`, limit)
	if err != nil {
		return 0, fmt.Errorf("select members to embed: %w", err)
	}

	var pending []candidateText
	for rows.Next() {
		var (
			id      int64
			profile string
		)
		if err := rows.Scan(&id, &profile); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan member: %w", err)
		}
		pending = append(pending, candidateText{ID: id, Text: fingerprint.NormalizeText(profile)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate members: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	texts := make([]string, len(pending))
	for i, item := range pending {
		texts[i] = item.Text
	}

	vectors, err := s.client.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed %d members: %w", len(pending), err)
	}

	stored := 0
	for i, item := range pending {
		literal, err := s.client.VectorLiteral(vectors[i])
		if err != nil {
			return stored, fmt.Errorf("member %d: %w", item.ID, err)
		}
		if _, err := s.pool.Exec(ctx, `
			UPDATE beacon.members
			SET embedding = $2::vector, embedded_at = NOW(), updated_at = NOW()
			WHERE member_id = $1`, item.ID, literal); err != nil {
			return stored, fmt.Errorf("store embedding for member %d: %w", item.ID, err)
		}
		stored++
	}

	s.logger.Info().Int("embedded", stored).Msg("embedded member batch")
	return stored, nil
}

// embeddingText is the canonical text presented to the embedding model for a
// candidate. Title and description only; contact details add noise.
func embeddingText(title, description string) string {
	parts := make([]string, 0, 2)
	if t := fingerprint.NormalizeText(title); t != "" {
		parts = append(parts, t)
	}
	if d := fingerprint.NormalizeText(description); d != "" {
		parts = append(parts, d)
	}
	return strings.Join(parts, "\n")
}
