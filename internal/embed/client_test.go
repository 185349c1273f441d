package embed

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestToVectorLiteral(t *testing.T) {
	t.Parallel()

	literal, err := toVectorLiteral([]float64{0.5, -1, 2.25}, 3)
	if err != nil {
		t.Fatalf("toVectorLiteral returned error: %v", err)
	}
	if literal != "[0.5,-1,2.25]" {
		t.Fatalf("unexpected literal: %s", literal)
	}
}

func TestToVectorLiteralRejectsWrongDims(t *testing.T) {
	t.Parallel()

	if _, err := toVectorLiteral([]float64{1, 2}, 3); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestToVectorLiteralRejectsNonFinite(t *testing.T) {
	t.Parallel()

	if _, err := toVectorLiteral([]float64{1, math.NaN()}, 2); err == nil {
		t.Fatal("expected error for NaN component")
	}
	if _, err := toVectorLiteral([]float64{1, math.Inf(1)}, 2); err == nil {
		t.Fatal("expected error for Inf component")
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"", "http://127.0.0.1:8844/embed"},
		{"http://embedder:9000", "http://embedder:9000/embed"},
		{"http://embedder:9000/", "http://embedder:9000/embed"},
		{"http://embedder:9000/v1/embeddings", "http://embedder:9000/v1/embeddings"},
	}
	for _, tc := range cases {
		if got := normalizeEndpoint(tc.in); got != tc.want {
			t.Errorf("normalizeEndpoint(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEmbedPreservesOrder(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		vectors := make([][]float64, len(req.Texts))
		for i := range req.Texts {
			vectors[i] = []float64{float64(i), float64(i)}
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: vectors})
	}))
	defer server.Close()

	client := NewClient(server.URL+"/embed", 2, time.Second)
	vectors, err := client.Embed(context.Background(), []string{"first", "second", "third"})
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vectors))
	}
	for i, vec := range vectors {
		if vec[0] != float64(i) {
			t.Errorf("vector %d out of order: %v", i, vec)
		}
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float64{{1, 2}}})
	}))
	defer server.Close()

	client := NewClient(server.URL+"/embed", 2, time.Second)
	if _, err := client.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected count mismatch error")
	}
}
