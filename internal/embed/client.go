// Package embed talks to the embedding collaborator and persists vectors for
// candidates and members. Vectors are fixed-dimension; the dimension is a
// startup-time configuration concern, so a short vector here is a bug in the
// collaborator, not a retryable condition.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBatchSize      = 32
	DefaultRequestTimeout = 45 * time.Second
)

type Client struct {
	endpoint   string
	dims       int
	httpClient *http.Client
}

type embedRequest struct {
	Texts []string `json:"texts,omitempty"`
	Input []string `json:"input,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Data       []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func NewClient(endpoint string, dims int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		endpoint:   normalizeEndpoint(endpoint),
		dims:       dims,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Endpoint() string {
	if c == nil {
		return ""
	}
	return c.endpoint
}

func (c *Client) Dims() int {
	if c == nil {
		return 0
	}
	return c.dims
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if c == nil {
		return nil, fmt.Errorf("embedding client is nil")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	payload := embedRequest{Texts: texts}
	if parsed, err := url.Parse(c.endpoint); err == nil && strings.HasSuffix(parsed.Path, "/v1/embeddings") {
		payload = embedRequest{Input: texts}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding service status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}

	vectors := parsed.Embeddings
	if len(vectors) == 0 && len(parsed.Data) > 0 {
		sort.Slice(parsed.Data, func(i, j int) bool {
			return parsed.Data[i].Index < parsed.Data[j].Index
		})
		vectors = make([][]float64, 0, len(parsed.Data))
		for _, row := range parsed.Data {
			vectors = append(vectors, row.Embedding)
		}
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding response count mismatch: requested=%d returned=%d", len(texts), len(vectors))
	}

	return vectors, nil
}

// VectorLiteral renders a vector as the pgvector text literal, validating the
// configured dimension.
func (c *Client) VectorLiteral(values []float64) (string, error) {
	if c == nil {
		return "", fmt.Errorf("embedding client is nil")
	}
	return toVectorLiteral(values, c.dims)
}

func toVectorLiteral(values []float64, dims int) (string, error) {
	if len(values) != dims {
		return "", fmt.Errorf("expected %d dimensions, got %d", dims, len(values))
	}

	var builder strings.Builder
	builder.Grow(len(values) * 8)
	builder.WriteByte('[')
	for i, value := range values {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return "", fmt.Errorf("vector has non-finite value at index %d", i)
		}
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(value, 'f', -1, 64))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

func normalizeEndpoint(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "http://127.0.0.1:8844/embed"
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/embed"
	}
	return parsed.String()
}
