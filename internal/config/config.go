package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"BEACON_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"BEACON_DB_MAX_CONNS" default:"8"`

	// Embedding collaborator. Dims must match the vector columns created at
	// migration time; a mismatch against a live schema fails startup.
	EmbeddingEndpoint     string `envconfig:"BEACON_EMBEDDING_ENDPOINT" default:"http://127.0.0.1:8844/embed"`
	EmbeddingModelName    string `envconfig:"BEACON_EMBEDDING_MODEL" default:"nomic-embed-text"`
	EmbeddingModelVersion string `envconfig:"BEACON_EMBEDDING_MODEL_VERSION" default:"v1"`
	EmbeddingDims         int    `envconfig:"BEACON_EMBEDDING_DIMS" default:"1536"`
	EmbeddingBatchSize    int    `envconfig:"BEACON_EMBEDDING_BATCH_SIZE" default:"32"`
	EmbeddingTimeoutSecs  int    `envconfig:"BEACON_EMBEDDING_TIMEOUT_SECS" default:"45"`

	// Chat-completion collaborator shared by extraction, the merge
	// adjudicator, and the relevance judge.
	ChatEndpoint    string `envconfig:"BEACON_CHAT_ENDPOINT" default:"http://127.0.0.1:11434/v1/chat/completions"`
	ChatModel       string `envconfig:"BEACON_CHAT_MODEL" default:"llama3.1"`
	ChatAPIKey      string `envconfig:"BEACON_CHAT_API_KEY" default:""`
	ChatTimeoutSecs int    `envconfig:"BEACON_CHAT_TIMEOUT_SECS" default:"30"`

	// Dedup semantic bands (cosine similarity).
	SemanticAutoMergeCosine float64 `envconfig:"BEACON_SEMANTIC_AUTO_MERGE_COSINE" default:"0.93"`
	SemanticReviewMinCosine float64 `envconfig:"BEACON_SEMANTIC_REVIEW_MIN_COSINE" default:"0.85"`
	SemanticCandidateLimit  int     `envconfig:"BEACON_SEMANTIC_CANDIDATE_LIMIT" default:"20"`

	// Relevance matching.
	MatchRetrievalLimit   int `envconfig:"BEACON_MATCH_RETRIEVAL_LIMIT" default:"20"`
	MatchBatchLimit       int `envconfig:"BEACON_MATCH_BATCH_LIMIT" default:"5"`
	WeeklyNotificationCap int `envconfig:"BEACON_WEEKLY_NOTIFICATION_CAP" default:"3"`
	JudgeMaxAttempts      int `envconfig:"BEACON_JUDGE_MAX_ATTEMPTS" default:"3"`

	// Lifecycle policy.
	UrgentTTLDays          int `envconfig:"BEACON_URGENT_TTL_DAYS" default:"7"`
	NormalTTLDays          int `envconfig:"BEACON_NORMAL_TTL_DAYS" default:"30"`
	DisappearMissThreshold int `envconfig:"BEACON_DISAPPEAR_MISS_THRESHOLD" default:"2"`
	// 0 disables the secondary disappeared->archived sweep.
	DisappearedArchiveDays int `envconfig:"BEACON_DISAPPEARED_ARCHIVE_DAYS" default:"0"`

	// Job coordination.
	JobLeaseSecs   int `envconfig:"BEACON_JOB_LEASE_SECS" default:"120"`
	JobMaxAttempts int `envconfig:"BEACON_JOB_MAX_ATTEMPTS" default:"5"`

	// Review API auth.
	DefaultReviewerUser               string `envconfig:"BEACON_DEFAULT_REVIEWER_USER" default:"admin"`
	DefaultReviewerPassword           string `envconfig:"BEACON_DEFAULT_REVIEWER_PASSWORD" default:""`
	DefaultReviewerMustChangePassword bool   `envconfig:"BEACON_DEFAULT_REVIEWER_MUST_CHANGE_PASSWORD" default:"false"`
	SessionTTLHours                   int    `envconfig:"BEACON_SESSION_TTL_HOURS" default:"168"`
	SessionCookieName                 string `envconfig:"BEACON_SESSION_COOKIE_NAME" default:"beacon_session"`
	SessionCookieSecure               bool   `envconfig:"BEACON_SESSION_COOKIE_SECURE" default:"false"`
	CORSAllowedOrigins                string `envconfig:"BEACON_CORS_ALLOWED_ORIGINS" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("BEACON_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("BEACON_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("BEACON_DB_MIN_CONNS (%d) cannot exceed BEACON_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.EmbeddingDims < 1 {
		return fmt.Errorf("BEACON_EMBEDDING_DIMS must be >= 1")
	}
	if c.SemanticReviewMinCosine < 0 || c.SemanticReviewMinCosine > 1 {
		return fmt.Errorf("BEACON_SEMANTIC_REVIEW_MIN_COSINE must be in [0, 1]")
	}
	if c.SemanticAutoMergeCosine <= c.SemanticReviewMinCosine || c.SemanticAutoMergeCosine > 1 {
		return fmt.Errorf(
			"BEACON_SEMANTIC_AUTO_MERGE_COSINE (%.3f) must be in (BEACON_SEMANTIC_REVIEW_MIN_COSINE, 1]",
			c.SemanticAutoMergeCosine,
		)
	}
	if c.MatchRetrievalLimit < 1 {
		return fmt.Errorf("BEACON_MATCH_RETRIEVAL_LIMIT must be >= 1")
	}
	if c.MatchBatchLimit < 1 {
		return fmt.Errorf("BEACON_MATCH_BATCH_LIMIT must be >= 1")
	}
	if c.WeeklyNotificationCap < 1 {
		return fmt.Errorf("BEACON_WEEKLY_NOTIFICATION_CAP must be >= 1")
	}
	if c.JudgeMaxAttempts < 1 {
		return fmt.Errorf("BEACON_JUDGE_MAX_ATTEMPTS must be >= 1")
	}
	if c.UrgentTTLDays < 1 || c.NormalTTLDays < 1 {
		return fmt.Errorf("lifecycle TTL days must be >= 1")
	}
	if c.DisappearMissThreshold < 1 {
		return fmt.Errorf("BEACON_DISAPPEAR_MISS_THRESHOLD must be >= 1")
	}
	if c.DisappearedArchiveDays < 0 {
		return fmt.Errorf("BEACON_DISAPPEARED_ARCHIVE_DAYS must be >= 0")
	}
	if c.JobLeaseSecs < 1 {
		return fmt.Errorf("BEACON_JOB_LEASE_SECS must be >= 1")
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("BEACON_JOB_MAX_ATTEMPTS must be >= 1")
	}
	if strings.TrimSpace(c.DefaultReviewerUser) == "" {
		return fmt.Errorf("BEACON_DEFAULT_REVIEWER_USER is required")
	}
	if c.SessionTTLHours < 1 {
		return fmt.Errorf("BEACON_SESSION_TTL_HOURS must be >= 1")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("BEACON_SESSION_COOKIE_NAME is required")
	}
	return nil
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	return origins
}
