// Package payloadschema validates the JSON payloads returned by the AI
// collaborators before they touch the database. Malformed output is a
// data-quality error handled by the callers' bounded retry loops.
package payloadschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed candidate_list.schema.json
var candidateListSchemaJSON string

//go:embed judge_response.schema.json
var judgeResponseSchemaJSON string

// Candidate is one extractor output item.
type Candidate struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	ContactInfo *string  `json:"contact_info,omitempty"`
	Urgency     string   `json:"urgency,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

// JudgeVerdict is one relevance ruling from the batched judge call.
type JudgeVerdict struct {
	MemberID   int64  `json:"member_id"`
	IsRelevant bool   `json:"is_relevant"`
	Reason     string `json:"reason"`
}

var (
	compileOnce        sync.Once
	candidateSchema    *jsonschema.Schema
	judgeSchema        *jsonschema.Schema
	compiledSchemasErr error
)

// ValidateCandidateList validates and decodes the extractor's JSON array.
func ValidateCandidateList(payload json.RawMessage) ([]Candidate, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("decode candidate payload JSON: %w", err)
	}

	schema, _, err := loadSchemas()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("candidate schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize candidate payload JSON: %w", err)
	}

	var candidates []Candidate
	if err := json.Unmarshal(normalized, &candidates); err != nil {
		return nil, fmt.Errorf("unmarshal candidate payload: %w", err)
	}

	for i := range candidates {
		if strings.TrimSpace(candidates[i].Description) == "" {
			return nil, fmt.Errorf("candidate %d has an empty description", i)
		}
		if strings.TrimSpace(candidates[i].Urgency) == "" {
			candidates[i].Urgency = "normal"
		}
	}
	return candidates, nil
}

// ValidateJudgeResponse validates and decodes the relevance judge's JSON array.
func ValidateJudgeResponse(payload json.RawMessage) ([]JudgeVerdict, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("decode judge payload JSON: %w", err)
	}

	_, schema, err := loadSchemas()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("judge schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize judge payload JSON: %w", err)
	}

	var verdicts []JudgeVerdict
	if err := json.Unmarshal(normalized, &verdicts); err != nil {
		return nil, fmt.Errorf("unmarshal judge payload: %w", err)
	}

	seen := make(map[int64]struct{}, len(verdicts))
	for _, verdict := range verdicts {
		if _, dup := seen[verdict.MemberID]; dup {
			return nil, fmt.Errorf("judge response repeats member_id=%d", verdict.MemberID)
		}
		seen[verdict.MemberID] = struct{}{}
	}
	return verdicts, nil
}

func loadSchemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		entries := []struct {
			name   string
			source string
			target **jsonschema.Schema
		}{
			{name: "candidate_list.schema.json", source: candidateListSchemaJSON, target: &candidateSchema},
			{name: "judge_response.schema.json", source: judgeResponseSchemaJSON, target: &judgeSchema},
		}
		for _, entry := range entries {
			if err := compiler.AddResource(entry.name, strings.NewReader(entry.source)); err != nil {
				compiledSchemasErr = fmt.Errorf("add schema resource %s: %w", entry.name, err)
				return
			}
			schema, err := compiler.Compile(entry.name)
			if err != nil {
				compiledSchemasErr = fmt.Errorf("compile schema %s: %w", entry.name, err)
				return
			}
			*entry.target = schema
		}
	})

	if compiledSchemasErr != nil {
		return nil, nil, compiledSchemasErr
	}
	if candidateSchema == nil || judgeSchema == nil {
		return nil, nil, fmt.Errorf("schemas not initialized")
	}
	return candidateSchema, judgeSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}

	return value, nil
}
