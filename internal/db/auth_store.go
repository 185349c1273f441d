package db

import (
	"context"
	"fmt"
	"time"

	"aidbeacon.org/beacon/internal/auth"
)

// AuthSession is a reviewer session joined with its reviewer row.
type AuthSession struct {
	SessionID          string
	ReviewerID         int64
	Username           string
	MustChangePassword bool
	ExpiresAt          time.Time
	LastSeenAt         time.Time
}

// AuthReviewer is the credential view of a reviewer.
type AuthReviewer struct {
	ReviewerID         int64
	Username           string
	PasswordHash       string
	MustChangePassword bool
	CreatedAt          time.Time
	LastLoginAt        *time.Time
}

func (p *Pool) GetSession(ctx context.Context, sessionID string) (*AuthSession, error) {
	const q = `
SELECT s.session_id, s.reviewer_id, r.username, r.must_change_password, s.expires_at, s.last_seen_at
FROM beacon.reviewer_sessions s
JOIN beacon.reviewers r ON r.reviewer_id = s.reviewer_id
WHERE s.session_id = $1
`

	var row AuthSession
	err := p.QueryRow(ctx, q, sessionID).Scan(
		&row.SessionID, &row.ReviewerID, &row.Username, &row.MustChangePassword, &row.ExpiresAt, &row.LastSeenAt)
	if err != nil {
		if IsNoRows(err) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &row, nil
}

func (p *Pool) CreateSession(ctx context.Context, reviewerID int64, expiresAt, now time.Time) (string, error) {
	sessionID, err := auth.NewSessionToken()
	if err != nil {
		return "", err
	}

	if _, err := p.Exec(ctx, `
		INSERT INTO beacon.reviewer_sessions (session_id, reviewer_id, expires_at, created_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $4)`,
		sessionID, reviewerID, expiresAt, now); err != nil {
		return "", fmt.Errorf("create session for reviewer %d: %w", reviewerID, err)
	}
	return sessionID, nil
}

func (p *Pool) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := p.Exec(ctx, `DELETE FROM beacon.reviewer_sessions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (p *Pool) TouchSession(ctx context.Context, sessionID string, seenAt time.Time) error {
	if _, err := p.Exec(ctx, `
		UPDATE beacon.reviewer_sessions SET last_seen_at = $2 WHERE session_id = $1`,
		sessionID, seenAt); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (p *Pool) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.Exec(ctx, `DELETE FROM beacon.reviewer_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Pool) GetReviewerByUsername(ctx context.Context, username string) (*AuthReviewer, error) {
	return p.getReviewer(ctx, `WHERE username = $1`, username)
}

func (p *Pool) GetReviewerByID(ctx context.Context, reviewerID int64) (*AuthReviewer, error) {
	return p.getReviewer(ctx, `WHERE reviewer_id = $1`, reviewerID)
}

func (p *Pool) getReviewer(ctx context.Context, where string, arg any) (*AuthReviewer, error) {
	q := `
SELECT reviewer_id, username, password_hash, must_change_password, created_at, last_login_at
FROM beacon.reviewers
` + where

	var row AuthReviewer
	err := p.QueryRow(ctx, q, arg).Scan(
		&row.ReviewerID, &row.Username, &row.PasswordHash, &row.MustChangePassword, &row.CreatedAt, &row.LastLoginAt)
	if err != nil {
		if IsNoRows(err) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("get reviewer: %w", err)
	}
	return &row, nil
}

func (p *Pool) CountReviewers(ctx context.Context) (int64, error) {
	var count int64
	if err := p.QueryRow(ctx, `SELECT COUNT(*) FROM beacon.reviewers`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count reviewers: %w", err)
	}
	return count, nil
}

func (p *Pool) CreateReviewer(ctx context.Context, username, passwordHash string, mustChange bool) (*AuthReviewer, error) {
	q := `
INSERT INTO beacon.reviewers (username, password_hash, must_change_password)
VALUES ($1, $2, $3)
RETURNING reviewer_id, username, password_hash, must_change_password, created_at, last_login_at`

	var row AuthReviewer
	err := p.QueryRow(ctx, q, username, passwordHash, mustChange).Scan(
		&row.ReviewerID, &row.Username, &row.PasswordHash, &row.MustChangePassword, &row.CreatedAt, &row.LastLoginAt)
	if err != nil {
		return nil, fmt.Errorf("create reviewer: %w", err)
	}
	return &row, nil
}

func (p *Pool) SetReviewerLastLogin(ctx context.Context, reviewerID int64, loginAt time.Time) error {
	if _, err := p.Exec(ctx, `
		UPDATE beacon.reviewers SET last_login_at = $2, updated_at = $2 WHERE reviewer_id = $1`,
		reviewerID, loginAt); err != nil {
		return fmt.Errorf("set reviewer last login: %w", err)
	}
	return nil
}

func (p *Pool) SetReviewerPassword(ctx context.Context, reviewerID int64, passwordHash string, mustChange bool) error {
	if _, err := p.Exec(ctx, `
		UPDATE beacon.reviewers
		SET password_hash = $2, must_change_password = $3, updated_at = NOW()
		WHERE reviewer_id = $1`,
		reviewerID, passwordHash, mustChange); err != nil {
		return fmt.Errorf("set reviewer password: %w", err)
	}
	return nil
}
