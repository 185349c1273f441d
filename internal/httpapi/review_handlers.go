package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"aidbeacon.org/beacon/internal/db"
	"aidbeacon.org/beacon/internal/globaltime"
	"aidbeacon.org/beacon/internal/lifecycle"
)

type pendingItem struct {
	ResourceUUID string    `json:"resource_uuid"`
	SourceSlug   string    `json:"source_slug"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	ContactInfo  *string   `json:"contact_info,omitempty"`
	Urgency      string    `json:"urgency"`
	Confidence   float64   `json:"confidence"`
	Language     string    `json:"language"`
	CreatedAt    time.Time `json:"created_at"`
}

type versionItem struct {
	VersionUUID       string         `json:"version_uuid"`
	Decision          string         `json:"decision"`
	MatchedResourceID *int64         `json:"matched_resource_id,omitempty"`
	Similarity        *float64       `json:"similarity,omitempty"`
	Reasoning         *string        `json:"reasoning,omitempty"`
	Snapshot          map[string]any `json:"snapshot,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

type syncItem struct {
	SourceSlug        string     `json:"source_slug"`
	FirstSeenAt       time.Time  `json:"first_seen_at"`
	LastSeenAt        time.Time  `json:"last_seen_at"`
	ConsecutiveMisses int        `json:"consecutive_misses"`
	DisappearedAt     *time.Time `json:"disappeared_at,omitempty"`
}

type resourceDetail struct {
	ResourceUUID   string        `json:"resource_uuid"`
	SourceSlug     string        `json:"source_slug"`
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	ContactInfo    *string       `json:"contact_info,omitempty"`
	Urgency        string        `json:"urgency"`
	Status         string        `json:"status"`
	Confidence     float64       `json:"confidence"`
	Language       string        `json:"language"`
	MatchingStatus string        `json:"matching_status"`
	ApprovedAt     *time.Time    `json:"approved_at,omitempty"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Versions       []versionItem `json:"versions"`
	SyncRecords    []syncItem    `json:"sync_records"`
}

type notificationItem struct {
	NotificationUUID string    `json:"notification_uuid"`
	ResourceUUID     string    `json:"resource_uuid"`
	ResourceTitle    string    `json:"resource_title"`
	MemberName       string    `json:"member_name"`
	Reasoning        string    `json:"reasoning"`
	Similarity       *float64  `json:"similarity,omitempty"`
	SentAt           time.Time `json:"sent_at"`
}

type approveRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	ContactInfo *string `json:"contact_info,omitempty"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type mergeRequest struct {
	CanonicalUUID *string `json:"canonical_uuid,omitempty"`
	Reason        string  `json:"reason"`
}

// handlePendingQueue lists pending_approval resources, least confident
// first, so reviewers spend attention where the extractor was unsure.
func (s *Server) handlePendingQueue(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), defaultPageSize, 1, maxPageSize)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}

	const q = `
SELECT r.resource_uuid, s.slug, r.title, r.description, r.contact_info,
       r.urgency, r.confidence, r.language, r.created_at
FROM beacon.resources r
JOIN beacon.sources s ON s.source_id = r.source_id
WHERE r.status = 'pending_approval'
ORDER BY r.confidence ASC, r.created_at ASC
LIMIT $1
`

	rows, err := s.pool.Query(c.Request().Context(), q, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("query pending queue failed")
		return internalError(c, "Failed to load pending queue")
	}
	defer rows.Close()

	items := make([]pendingItem, 0, limit)
	for rows.Next() {
		var item pendingItem
		if err := rows.Scan(&item.ResourceUUID, &item.SourceSlug, &item.Title, &item.Description,
			&item.ContactInfo, &item.Urgency, &item.Confidence, &item.Language, &item.CreatedAt); err != nil {
			s.logger.Error().Err(err).Msg("scan pending item failed")
			return internalError(c, "Failed to load pending queue")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error().Err(err).Msg("iterate pending queue failed")
		return internalError(c, "Failed to load pending queue")
	}

	return success(c, map[string]any{"items": items})
}

func (s *Server) handleResourceDetail(c echo.Context) error {
	resourceUUID := strings.TrimSpace(c.Param("resource_uuid"))
	if resourceUUID == "" {
		return failValidation(c, map[string]string{"resource_uuid": "is required"})
	}

	detail, resourceID, err := s.queryResourceDetail(c.Request().Context(), resourceUUID)
	if err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Resource not found")
		}
		s.logger.Error().Err(err).Str("resource_uuid", resourceUUID).Msg("load resource failed")
		return internalError(c, "Failed to load resource")
	}

	versions, err := s.queryVersions(c.Request().Context(), resourceID)
	if err != nil {
		s.logger.Error().Err(err).Int64("resource_id", resourceID).Msg("load versions failed")
		return internalError(c, "Failed to load resource")
	}
	detail.Versions = versions

	syncRecords, err := s.querySyncRecords(c.Request().Context(), resourceID)
	if err != nil {
		s.logger.Error().Err(err).Int64("resource_id", resourceID).Msg("load sync records failed")
		return internalError(c, "Failed to load resource")
	}
	detail.SyncRecords = syncRecords

	return success(c, detail)
}

func (s *Server) handleApprove(c echo.Context) error {
	resourceUUID := strings.TrimSpace(c.Param("resource_uuid"))
	if resourceUUID == "" {
		return failValidation(c, map[string]string{"resource_uuid": "is required"})
	}

	var req approveRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}

	ctx := c.Request().Context()
	resourceID, err := s.resolveResourceID(ctx, resourceUUID)
	if err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Resource not found")
		}
		s.logger.Error().Err(err).Str("resource_uuid", resourceUUID).Msg("resolve resource failed")
		return internalError(c, "Failed to approve resource")
	}

	tx, err := s.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		s.logger.Error().Err(err).Msg("begin approve tx failed")
		return internalError(c, "Failed to approve resource")
	}
	defer tx.Rollback(ctx)

	approved, err := lifecycle.ApproveTx(ctx, tx, resourceID, lifecycle.ApprovalEdits{
		Title:       req.Title,
		Description: req.Description,
		ContactInfo: req.ContactInfo,
	}, s.ttl, globaltime.Now())
	if err != nil {
		s.logger.Error().Err(err).Int64("resource_id", resourceID).Msg("approve failed")
		return internalError(c, "Failed to approve resource")
	}
	if !approved {
		return failConflict(c, "Resource is not pending approval")
	}

	if err := tx.Commit(ctx); err != nil {
		s.logger.Error().Err(err).Int64("resource_id", resourceID).Msg("commit approve failed")
		return internalError(c, "Failed to approve resource")
	}

	return success(c, map[string]any{"approved": true, "resource_uuid": resourceUUID})
}

func (s *Server) handleReject(c echo.Context) error {
	resourceUUID := strings.TrimSpace(c.Param("resource_uuid"))
	if resourceUUID == "" {
		return failValidation(c, map[string]string{"resource_uuid": "is required"})
	}

	var req rejectRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return failValidation(c, map[string]string{"reason": "is required"})
	}

	ctx := c.Request().Context()
	resourceID, err := s.resolveResourceID(ctx, resourceUUID)
	if err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Resource not found")
		}
		s.logger.Error().Err(err).Str("resource_uuid", resourceUUID).Msg("resolve resource failed")
		return internalError(c, "Failed to reject resource")
	}

	tx, err := s.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		s.logger.Error().Err(err).Msg("begin reject tx failed")
		return internalError(c, "Failed to reject resource")
	}
	defer tx.Rollback(ctx)

	rejected, err := lifecycle.RejectTx(ctx, tx, resourceID, reason, globaltime.Now())
	if err != nil {
		s.logger.Error().Err(err).Int64("resource_id", resourceID).Msg("reject failed")
		return internalError(c, "Failed to reject resource")
	}
	if !rejected {
		return failConflict(c, "Resource is not pending approval")
	}

	if err := tx.Commit(ctx); err != nil {
		s.logger.Error().Err(err).Int64("resource_id", resourceID).Msg("commit reject failed")
		return internalError(c, "Failed to reject resource")
	}

	return success(c, map[string]any{"rejected": true, "resource_uuid": resourceUUID})
}

// handleMerge resolves a staged or active duplicate into its canonical
// record. Without an explicit canonical_uuid the handler takes the resource's
// most recent recorded near match, the one the dedup stage staged it against.
func (s *Server) handleMerge(c echo.Context) error {
	resourceUUID := strings.TrimSpace(c.Param("resource_uuid"))
	if resourceUUID == "" {
		return failValidation(c, map[string]string{"resource_uuid": "is required"})
	}

	var req mergeRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}

	ctx := c.Request().Context()
	resourceID, err := s.resolveResourceID(ctx, resourceUUID)
	if err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Resource not found")
		}
		s.logger.Error().Err(err).Str("resource_uuid", resourceUUID).Msg("resolve resource failed")
		return internalError(c, "Failed to merge resource")
	}

	var canonicalID int64
	if req.CanonicalUUID != nil && strings.TrimSpace(*req.CanonicalUUID) != "" {
		canonicalID, err = s.resolveResourceID(ctx, strings.TrimSpace(*req.CanonicalUUID))
		if err != nil {
			if db.IsNoRows(err) {
				return failNotFound(c, "Canonical resource not found")
			}
			s.logger.Error().Err(err).Str("canonical_uuid", *req.CanonicalUUID).Msg("resolve canonical failed")
			return internalError(c, "Failed to merge resource")
		}
	} else {
		canonicalID, err = s.latestMatchedResource(ctx, resourceID)
		if err != nil {
			if db.IsNoRows(err) {
				return failValidation(c, map[string]string{"canonical_uuid": "resource has no recorded near match; canonical_uuid is required"})
			}
			s.logger.Error().Err(err).Int64("resource_id", resourceID).Msg("resolve near match failed")
			return internalError(c, "Failed to merge resource")
		}
	}
	if canonicalID == resourceID {
		return failValidation(c, map[string]string{"canonical_uuid": "cannot merge a resource into itself"})
	}

	tx, err := s.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		s.logger.Error().Err(err).Msg("begin merge tx failed")
		return internalError(c, "Failed to merge resource")
	}
	defer tx.Rollback(ctx)

	now := globaltime.Now()
	merged, err := lifecycle.MergeTx(ctx, tx, resourceID, canonicalID, now)
	if err != nil {
		s.logger.Error().Err(err).Int64("resource_id", resourceID).Msg("merge failed")
		return internalError(c, "Failed to merge resource")
	}
	if !merged {
		return failConflict(c, "Resource cannot be merged from its current status")
	}

	record := lifecycle.VersionRecord{
		ResourceID:        resourceID,
		Decision:          lifecycle.DecisionMerged,
		MatchedResourceID: &canonicalID,
		CreatedAt:         now,
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		record.Reasoning = &reason
	}
	if err := lifecycle.AppendVersionTx(ctx, tx, record); err != nil {
		s.logger.Error().Err(err).Int64("resource_id", resourceID).Msg("record merge failed")
		return internalError(c, "Failed to merge resource")
	}

	if err := tx.Commit(ctx); err != nil {
		s.logger.Error().Err(err).Int64("resource_id", resourceID).Msg("commit merge failed")
		return internalError(c, "Failed to merge resource")
	}

	return success(c, map[string]any{"merged": true, "resource_uuid": resourceUUID})
}

// latestMatchedResource returns the most recent near match recorded on the
// resource's version history.
func (s *Server) latestMatchedResource(ctx context.Context, resourceID int64) (int64, error) {
	var canonicalID int64
	err := s.pool.QueryRow(ctx, `
		SELECT matched_resource_id
		FROM beacon.resource_versions
		WHERE resource_id = $1 AND matched_resource_id IS NOT NULL
		ORDER BY version_id DESC
		LIMIT 1`, resourceID).Scan(&canonicalID)
	return canonicalID, err
}

func (s *Server) handleNotifications(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), defaultPageSize, 1, maxPageSize)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}

	const q = `
SELECT n.notification_uuid, r.resource_uuid, r.title, m.name, n.reasoning, n.similarity, n.sent_at
FROM beacon.notifications n
JOIN beacon.resources r ON r.resource_id = n.resource_id
JOIN beacon.members m ON m.member_id = n.member_id
ORDER BY n.sent_at DESC
LIMIT $1
`

	rows, err := s.pool.Query(c.Request().Context(), q, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("query notifications failed")
		return internalError(c, "Failed to load notifications")
	}
	defer rows.Close()

	items := make([]notificationItem, 0, limit)
	for rows.Next() {
		var item notificationItem
		if err := rows.Scan(&item.NotificationUUID, &item.ResourceUUID, &item.ResourceTitle,
			&item.MemberName, &item.Reasoning, &item.Similarity, &item.SentAt); err != nil {
			s.logger.Error().Err(err).Msg("scan notification failed")
			return internalError(c, "Failed to load notifications")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error().Err(err).Msg("iterate notifications failed")
		return internalError(c, "Failed to load notifications")
	}

	return success(c, map[string]any{"items": items})
}

type statsResponse struct {
	FetchedPages      int64            `json:"fetched_pages"`
	Candidates        int64            `json:"candidates"`
	PendingCandidates int64            `json:"pending_candidates"`
	Resources         int64            `json:"resources"`
	Notifications     int64            `json:"notifications"`
	Members           int64            `json:"members"`
	DeadJobs          int64            `json:"dead_jobs"`
	ResourceStatuses  map[string]int64 `json:"resource_statuses"`
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.queryStats(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("query stats failed")
		return internalError(c, "Failed to load stats")
	}
	return success(c, stats)
}

func (s *Server) queryStats(ctx context.Context) (*statsResponse, error) {
	const q = `
SELECT
	(SELECT COUNT(*) FROM beacon.fetched_pages) AS fetched_pages,
	(SELECT COUNT(*) FROM beacon.extracted_candidates) AS candidates,
	(SELECT COUNT(*) FROM beacon.extracted_candidates WHERE dedup_status = 'pending') AS pending_candidates,
	(SELECT COUNT(*) FROM beacon.resources) AS resources,
	(SELECT COUNT(*) FROM beacon.notifications) AS notifications,
	(SELECT COUNT(*) FROM beacon.members WHERE active) AS members,
	(SELECT COUNT(*) FROM beacon.jobs WHERE status = 'dead') AS dead_jobs
`

	var stats statsResponse
	if err := s.pool.QueryRow(ctx, q).Scan(
		&stats.FetchedPages,
		&stats.Candidates,
		&stats.PendingCandidates,
		&stats.Resources,
		&stats.Notifications,
		&stats.Members,
		&stats.DeadJobs,
	); err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}

	const statusQ = `
SELECT status, COUNT(*)::BIGINT
FROM beacon.resources
GROUP BY status
ORDER BY status
`
	rows, err := s.pool.Query(ctx, statusQ)
	if err != nil {
		return nil, fmt.Errorf("query resource statuses: %w", err)
	}
	defer rows.Close()

	stats.ResourceStatuses = map[string]int64{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan resource status: %w", err)
		}
		stats.ResourceStatuses[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resource statuses: %w", err)
	}

	return &stats, nil
}

func (s *Server) resolveResourceID(ctx context.Context, resourceUUID string) (int64, error) {
	var resourceID int64
	err := s.pool.QueryRow(ctx, `
		SELECT resource_id FROM beacon.resources WHERE resource_uuid = $1`, resourceUUID).Scan(&resourceID)
	return resourceID, err
}

func (s *Server) queryResourceDetail(ctx context.Context, resourceUUID string) (*resourceDetail, int64, error) {
	const q = `
SELECT r.resource_id, r.resource_uuid, s.slug, r.title, r.description, r.contact_info,
       r.urgency, r.status, r.confidence, r.language, r.matching_status,
       r.approved_at, r.expires_at, r.created_at, r.updated_at
FROM beacon.resources r
JOIN beacon.sources s ON s.source_id = r.source_id
WHERE r.resource_uuid = $1
`

	var (
		detail     resourceDetail
		resourceID int64
	)
	err := s.pool.QueryRow(ctx, q, resourceUUID).Scan(
		&resourceID, &detail.ResourceUUID, &detail.SourceSlug, &detail.Title, &detail.Description,
		&detail.ContactInfo, &detail.Urgency, &detail.Status, &detail.Confidence, &detail.Language,
		&detail.MatchingStatus, &detail.ApprovedAt, &detail.ExpiresAt, &detail.CreatedAt, &detail.UpdatedAt)
	if err != nil {
		return nil, 0, err
	}
	return &detail, resourceID, nil
}

func (s *Server) queryVersions(ctx context.Context, resourceID int64) ([]versionItem, error) {
	const q = `
SELECT version_uuid, decision, matched_resource_id, similarity, reasoning, snapshot, created_at
FROM beacon.resource_versions
WHERE resource_id = $1
ORDER BY version_id DESC
`

	rows, err := s.pool.Query(ctx, q, resourceID)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	items := make([]versionItem, 0, 8)
	for rows.Next() {
		var (
			item        versionItem
			rawSnapshot []byte
		)
		if err := rows.Scan(&item.VersionUUID, &item.Decision, &item.MatchedResourceID,
			&item.Similarity, &item.Reasoning, &rawSnapshot, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		if len(rawSnapshot) > 0 {
			snapshot := map[string]any{}
			if err := json.Unmarshal(rawSnapshot, &snapshot); err == nil {
				item.Snapshot = snapshot
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *Server) querySyncRecords(ctx context.Context, resourceID int64) ([]syncItem, error) {
	const q = `
SELECT s.slug, sr.first_seen_at, sr.last_seen_at, sr.consecutive_misses, sr.disappeared_at
FROM beacon.source_sync_records sr
JOIN beacon.sources s ON s.source_id = sr.source_id
WHERE sr.resource_id = $1
ORDER BY sr.last_seen_at DESC
`

	rows, err := s.pool.Query(ctx, q, resourceID)
	if err != nil {
		return nil, fmt.Errorf("query sync records: %w", err)
	}
	defer rows.Close()

	items := make([]syncItem, 0, 4)
	for rows.Next() {
		var item syncItem
		if err := rows.Scan(&item.SourceSlug, &item.FirstSeenAt, &item.LastSeenAt,
			&item.ConsecutiveMisses, &item.DisappearedAt); err != nil {
			return nil, fmt.Errorf("scan sync record: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync records: %w", err)
	}
	return items, nil
}
