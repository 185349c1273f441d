package db

import (
	"encoding/json"
	"time"
)

// Resource lifecycle statuses.
const (
	ResourceStatusPendingApproval = "pending_approval"
	ResourceStatusActive          = "active"
	ResourceStatusRejected        = "rejected"
	ResourceStatusExpired         = "expired"
	ResourceStatusDisappeared     = "disappeared"
	ResourceStatusArchived        = "archived"
	ResourceStatusMerged          = "merged"
)

// Matching progress, tracked separately from the lifecycle status so that a
// judge failure never corrupts the resource's review state.
const (
	MatchingStatusPending = "pending"
	MatchingStatusMatched = "matched"
	MatchingStatusFailed  = "failed"
)

// Urgency levels. Only used for review ordering and TTL selection.
const (
	UrgencyUrgent = "urgent"
	UrgencyNormal = "normal"
)

// Extraction progress for fetched pages. 'skipped' marks a byte-identical
// re-crawl whose resources were refreshed without re-extraction.
const (
	ExtractionStatusPending = "pending"
	ExtractionStatusDone    = "done"
	ExtractionStatusFailed  = "failed"
	ExtractionStatusSkipped = "skipped"
)

// Dedup progress for extracted candidates.
const (
	DedupStatusPending = "pending"
	DedupStatusDecided = "decided"
	DedupStatusFailed  = "failed"
)

// Source maps beacon.sources: a crawlable origin.
type Source struct {
	SourceID     int64     `gorm:"column:source_id;primaryKey;autoIncrement"`
	SourceUUID   string    `gorm:"column:source_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	Slug         string    `gorm:"column:slug;type:text;not null;unique"`
	Name         string    `gorm:"column:name;type:text;not null"`
	BaseURL      *string   `gorm:"column:base_url;type:text"`
	Enabled      bool      `gorm:"column:enabled;type:boolean;not null;default:true"`
	CurrentCycle int64     `gorm:"column:current_cycle;type:bigint;not null;default:0"`
	CreatedAt    time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt    time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Source) TableName() string { return "beacon.sources" }

// FetchedPage maps beacon.fetched_pages: one raw snapshot delivered by the
// crawl collaborator. Snapshots are never mutated after insert except for
// extraction bookkeeping.
type FetchedPage struct {
	PageID           int64      `gorm:"column:page_id;primaryKey;autoIncrement"`
	PageUUID         string     `gorm:"column:page_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	SourceID         int64      `gorm:"column:source_id;type:bigint;not null;index"`
	URL              string     `gorm:"column:url;type:text;not null"`
	CycleID          int64      `gorm:"column:cycle_id;type:bigint;not null"`
	RawText          string     `gorm:"column:raw_text;type:text;not null"`
	RawTextHash      []byte     `gorm:"column:raw_text_hash;type:bytea;not null"`
	FetchedAt        time.Time  `gorm:"column:fetched_at;type:timestamptz;not null"`
	ExtractionStatus string     `gorm:"column:extraction_status;type:text;not null;default:pending"`
	ExtractionError  *string    `gorm:"column:extraction_error;type:text"`
	ExtractedAt      *time.Time `gorm:"column:extracted_at;type:timestamptz"`
	CreatedAt        time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (FetchedPage) TableName() string { return "beacon.fetched_pages" }

// ExtractedCandidate maps beacon.extracted_candidates: one extractor output
// queued for the dedup engine. dedup_status flips to 'decided' exactly once.
type ExtractedCandidate struct {
	CandidateID   int64      `gorm:"column:candidate_id;primaryKey;autoIncrement"`
	CandidateUUID string     `gorm:"column:candidate_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	PageID        int64      `gorm:"column:page_id;type:bigint;not null;index"`
	SourceID      int64      `gorm:"column:source_id;type:bigint;not null;index"`
	CycleID       int64      `gorm:"column:cycle_id;type:bigint;not null"`
	Title         string     `gorm:"column:title;type:text;not null"`
	Description   string     `gorm:"column:description;type:text;not null"`
	ContactInfo   *string    `gorm:"column:contact_info;type:text"`
	Urgency       string     `gorm:"column:urgency;type:text;not null;default:normal"`
	Confidence    float64    `gorm:"column:confidence;type:double precision;not null;default:0"`
	Language      string     `gorm:"column:language;type:text;not null;default:und"`
	ContentHash   []byte     `gorm:"column:content_hash;type:bytea;not null"`
	Fingerprint   string     `gorm:"column:fingerprint;type:text;not null"`
	DedupStatus   string     `gorm:"column:dedup_status;type:text;not null;default:pending"`
	DecidedAt     *time.Time `gorm:"column:decided_at;type:timestamptz"`
	CreatedAt     time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (ExtractedCandidate) TableName() string { return "beacon.extracted_candidates" }

// CandidateEmbedding maps beacon.candidate_embeddings.
type CandidateEmbedding struct {
	CandidateEmbeddingID int64     `gorm:"column:candidate_embedding_id;primaryKey;autoIncrement"`
	CandidateID          int64     `gorm:"column:candidate_id;type:bigint;not null"`
	ModelName            string    `gorm:"column:model_name;type:text;not null"`
	ModelVersion         string    `gorm:"column:model_version;type:text;not null"`
	Embedding            string    `gorm:"column:embedding;type:vector(1536);not null"`
	EmbeddedAt           time.Time `gorm:"column:embedded_at;type:timestamptz;not null;default:now()"`
	ServiceEndpoint      string    `gorm:"column:service_endpoint;type:text;not null"`
}

func (CandidateEmbedding) TableName() string { return "beacon.candidate_embeddings" }

// Resource maps beacon.resources. Mutated only through lifecycle transitions
// and dedup decisions. A partial unique index on (source_id, content_hash)
// over pending/active rows is created in post-migrate SQL.
type Resource struct {
	ResourceID     int64      `gorm:"column:resource_id;primaryKey;autoIncrement"`
	ResourceUUID   string     `gorm:"column:resource_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	SourceID       int64      `gorm:"column:source_id;type:bigint;not null;index"`
	Title          string     `gorm:"column:title;type:text;not null"`
	Description    string     `gorm:"column:description;type:text;not null"`
	ContactInfo    *string    `gorm:"column:contact_info;type:text"`
	Urgency        string     `gorm:"column:urgency;type:text;not null;default:normal"`
	Status         string     `gorm:"column:status;type:text;not null;default:pending_approval;index"`
	Confidence     float64    `gorm:"column:confidence;type:double precision;not null;default:0"`
	Language       string     `gorm:"column:language;type:text;not null;default:und"`
	ContentHash    []byte     `gorm:"column:content_hash;type:bytea;not null"`
	Fingerprint    string     `gorm:"column:fingerprint;type:text;not null;index"`
	Embedding      *string    `gorm:"column:embedding;type:vector(1536)"`
	MatchingStatus string     `gorm:"column:matching_status;type:text;not null;default:pending"`
	MatchingError  *string    `gorm:"column:matching_error;type:text"`
	MatchedAt      *time.Time `gorm:"column:matched_at;type:timestamptz"`
	SeedPageID     *int64     `gorm:"column:seed_page_id;type:bigint"`
	LastPageID     *int64     `gorm:"column:last_page_id;type:bigint"`
	ApprovedAt     *time.Time `gorm:"column:approved_at;type:timestamptz"`
	ExpiresAt      *time.Time `gorm:"column:expires_at;type:timestamptz"`
	MergedIntoID   *int64     `gorm:"column:merged_into_id;type:bigint"`
	CreatedAt      time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Resource) TableName() string { return "beacon.resources" }

// ResourceVersion maps beacon.resource_versions: append-only audit snapshots,
// one per dedup or review decision. candidate_id is unique where set so a
// retried dedup job cannot double-record a decision.
type ResourceVersion struct {
	VersionID         int64           `gorm:"column:version_id;primaryKey;autoIncrement"`
	VersionUUID       string          `gorm:"column:version_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	ResourceID        int64           `gorm:"column:resource_id;type:bigint;not null;index"`
	CandidateID       *int64          `gorm:"column:candidate_id;type:bigint"`
	PageID            *int64          `gorm:"column:page_id;type:bigint"`
	Decision          string          `gorm:"column:decision;type:text;not null"`
	MatchedResourceID *int64          `gorm:"column:matched_resource_id;type:bigint"`
	Similarity        *float64        `gorm:"column:similarity;type:double precision"`
	Reasoning         *string         `gorm:"column:reasoning;type:text"`
	Snapshot          json.RawMessage `gorm:"column:snapshot;type:jsonb"`
	CreatedAt         time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (ResourceVersion) TableName() string { return "beacon.resource_versions" }

// SourceSyncRecord maps beacon.source_sync_records: one per (resource, source)
// pair. Created on first detection, updated every crawl cycle, never deleted.
type SourceSyncRecord struct {
	ResourceID        int64      `gorm:"column:resource_id;type:bigint;primaryKey"`
	SourceID          int64      `gorm:"column:source_id;type:bigint;primaryKey"`
	FirstSeenAt       time.Time  `gorm:"column:first_seen_at;type:timestamptz;not null"`
	LastSeenAt        time.Time  `gorm:"column:last_seen_at;type:timestamptz;not null"`
	LastSeenCycle     int64      `gorm:"column:last_seen_cycle;type:bigint;not null;default:0"`
	LastMissedCycle   int64      `gorm:"column:last_missed_cycle;type:bigint;not null;default:0"`
	LastSeenPageID    *int64     `gorm:"column:last_seen_page_id;type:bigint"`
	ConsecutiveMisses int        `gorm:"column:consecutive_misses;type:integer;not null;default:0"`
	DisappearedAt     *time.Time `gorm:"column:disappeared_at;type:timestamptz"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (SourceSyncRecord) TableName() string { return "beacon.source_sync_records" }

// Member maps beacon.members: a notification recipient. Delivery quota is
// not stored here; the match engine derives it from recent notifications.
type Member struct {
	MemberID    int64      `gorm:"column:member_id;primaryKey;autoIncrement"`
	MemberUUID  string     `gorm:"column:member_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	Name        string     `gorm:"column:name;type:text;not null"`
	Contact     string     `gorm:"column:contact;type:text;not null"`
	ProfileText string     `gorm:"column:profile_text;type:text;not null"`
	Embedding   *string    `gorm:"column:embedding;type:vector(1536)"`
	EmbeddedAt  *time.Time `gorm:"column:embedded_at;type:timestamptz"`
	Active      bool       `gorm:"column:active;type:boolean;not null;default:true"`
	CreatedAt   time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Member) TableName() string { return "beacon.members" }

// Notification maps beacon.notifications: an insert-once fact. Unique per
// (resource, member) for the system's lifetime; never deleted.
type Notification struct {
	NotificationID   int64     `gorm:"column:notification_id;primaryKey;autoIncrement"`
	NotificationUUID string    `gorm:"column:notification_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	ResourceID       int64     `gorm:"column:resource_id;type:bigint;not null;uniqueIndex:ux_notifications_resource_member,priority:1"`
	MemberID         int64     `gorm:"column:member_id;type:bigint;not null;uniqueIndex:ux_notifications_resource_member,priority:2"`
	Reasoning        string    `gorm:"column:reasoning;type:text;not null"`
	Similarity       *float64  `gorm:"column:similarity;type:double precision"`
	SentAt           time.Time `gorm:"column:sent_at;type:timestamptz;not null;default:now()"`
}

func (Notification) TableName() string { return "beacon.notifications" }

// Job statuses.
const (
	JobStatusQueued = "queued"
	JobStatusLeased = "leased"
	JobStatusDone   = "done"
	JobStatusFailed = "failed"
	JobStatusDead   = "dead"
)

// Job maps beacon.jobs: the lease-based at-least-once coordination substrate.
// idempotency_key makes enqueue converge; effect-level exactly-once comes from
// the domain tables' unique constraints, not from this table.
type Job struct {
	JobID          int64           `gorm:"column:job_id;primaryKey;autoIncrement"`
	JobUUID        string          `gorm:"column:job_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	JobType        string          `gorm:"column:job_type;type:text;not null;index"`
	IdempotencyKey string          `gorm:"column:idempotency_key;type:text;not null;unique"`
	Payload        json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	Status         string          `gorm:"column:status;type:text;not null;default:queued;index"`
	Attempts       int             `gorm:"column:attempts;type:integer;not null;default:0"`
	MaxAttempts    int             `gorm:"column:max_attempts;type:integer;not null;default:5"`
	RunAt          time.Time       `gorm:"column:run_at;type:timestamptz;not null;default:now()"`
	LeaseExpiresAt *time.Time      `gorm:"column:lease_expires_at;type:timestamptz"`
	LastError      *string         `gorm:"column:last_error;type:text"`
	CreatedAt      time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Job) TableName() string { return "beacon.jobs" }

// Reviewer maps beacon.reviewers.
type Reviewer struct {
	ReviewerID         int64      `gorm:"column:reviewer_id;primaryKey;autoIncrement"`
	Username           string     `gorm:"column:username;type:text;not null;unique"`
	PasswordHash       string     `gorm:"column:password_hash;type:text;not null"`
	MustChangePassword bool       `gorm:"column:must_change_password;type:boolean;not null;default:false"`
	LastLoginAt        *time.Time `gorm:"column:last_login_at;type:timestamptz"`
	CreatedAt          time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Reviewer) TableName() string { return "beacon.reviewers" }

// ReviewerSession maps beacon.reviewer_sessions.
type ReviewerSession struct {
	SessionID  string    `gorm:"column:session_id;type:text;primaryKey"`
	ReviewerID int64     `gorm:"column:reviewer_id;type:bigint;not null;index"`
	ExpiresAt  time.Time `gorm:"column:expires_at;type:timestamptz;not null;index"`
	CreatedAt  time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	LastSeenAt time.Time `gorm:"column:last_seen_at;type:timestamptz;not null;default:now()"`
}

func (ReviewerSession) TableName() string { return "beacon.reviewer_sessions" }

func autoMigrateModels() []any {
	return []any{
		&Source{},
		&FetchedPage{},
		&ExtractedCandidate{},
		&CandidateEmbedding{},
		&Resource{},
		&ResourceVersion{},
		&SourceSyncRecord{},
		&Member{},
		&Notification{},
		&Job{},
		&Reviewer{},
		&ReviewerSession{},
	}
}
