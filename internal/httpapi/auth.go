package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"aidbeacon.org/beacon/internal/auth"
	"aidbeacon.org/beacon/internal/db"
	"aidbeacon.org/beacon/internal/globaltime"
)

const defaultSessionTouchInterval = time.Minute

type authPrincipal struct {
	SessionID          string
	ReviewerID         int64
	Username           string
	MustChangePassword bool
	ExpiresAt          time.Time
}

type reviewerResponse struct {
	ReviewerID         int64      `json:"reviewer_id"`
	Username           string     `json:"username"`
	MustChangePassword bool       `json:"must_change_password"`
	CreatedAt          time.Time  `json:"created_at"`
	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type authStore interface {
	GetSession(ctx context.Context, sessionID string) (*db.AuthSession, error)
	CreateSession(ctx context.Context, reviewerID int64, expiresAt, now time.Time) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error
	TouchSession(ctx context.Context, sessionID string, seenAt time.Time) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
	GetReviewerByUsername(ctx context.Context, username string) (*db.AuthReviewer, error)
	GetReviewerByID(ctx context.Context, reviewerID int64) (*db.AuthReviewer, error)
	SetReviewerLastLogin(ctx context.Context, reviewerID int64, loginAt time.Time) error
	SetReviewerPassword(ctx context.Context, reviewerID int64, passwordHash string, mustChange bool) error
}

func (s *Server) authDataStore() authStore {
	if s == nil {
		return nil
	}
	if s.authStore != nil {
		return s.authStore
	}
	if s.pool == nil {
		return nil
	}
	return s.pool
}

func (s *Server) requireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			store := s.authDataStore()
			if store == nil {
				return internalError(c, "Failed to authorize request")
			}

			sessionID, found := s.sessionIDFromCookie(c)
			if !found {
				return unauthorizedResponse(c)
			}

			session, err := store.GetSession(c.Request().Context(), sessionID)
			if err != nil {
				if errors.Is(err, db.ErrNoRows) {
					s.clearSessionCookie(c)
					return unauthorizedResponse(c)
				}
				s.logger.Error().Err(err).Msg("session lookup failed")
				return internalError(c, "Failed to authorize request")
			}

			now := globaltime.Now()
			if !session.ExpiresAt.After(now) {
				_ = store.DeleteSession(c.Request().Context(), session.SessionID)
				s.clearSessionCookie(c)
				return unauthorizedResponse(c)
			}

			if now.Sub(session.LastSeenAt) >= defaultSessionTouchInterval {
				_ = store.TouchSession(c.Request().Context(), session.SessionID, now)
			}

			c.Set("auth.principal", authPrincipal{
				SessionID:          session.SessionID,
				ReviewerID:         session.ReviewerID,
				Username:           session.Username,
				MustChangePassword: session.MustChangePassword,
				ExpiresAt:          session.ExpiresAt.UTC(),
			})

			return next(c)
		}
	}
}

func (s *Server) handleLogin(c echo.Context) error {
	store := s.authDataStore()
	if store == nil {
		return internalError(c, "Failed to process login")
	}

	var req loginRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}

	username := auth.NormalizeUsername(req.Username)
	password := strings.TrimSpace(req.Password)
	if username == "" || password == "" {
		return failValidation(c, map[string]string{
			"username": "is required",
			"password": "is required",
		})
	}

	reviewer, err := store.GetReviewerByUsername(c.Request().Context(), username)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return fail(c, http.StatusUnauthorized, "Invalid username or password", nil)
		}
		s.logger.Error().Err(err).Str("username", username).Msg("login lookup failed")
		return internalError(c, "Failed to process login")
	}

	if !auth.VerifyPassword(password, reviewer.PasswordHash) {
		return fail(c, http.StatusUnauthorized, "Invalid username or password", nil)
	}

	now := globaltime.Now()
	expiresAt := now.Add(s.opts.SessionTTL)
	sessionID, err := store.CreateSession(c.Request().Context(), reviewer.ReviewerID, expiresAt, now)
	if err != nil {
		s.logger.Error().Err(err).Int64("reviewer_id", reviewer.ReviewerID).Msg("create session failed")
		return internalError(c, "Failed to process login")
	}

	if err := store.SetReviewerLastLogin(c.Request().Context(), reviewer.ReviewerID, now); err != nil {
		s.logger.Error().Err(err).Int64("reviewer_id", reviewer.ReviewerID).Msg("update last login failed")
	}
	nowCopy := now
	reviewer.LastLoginAt = &nowCopy

	// Expired sessions pile up otherwise; login is a convenient sweep point.
	if _, err := store.DeleteExpiredSessions(c.Request().Context(), now); err != nil {
		s.logger.Error().Err(err).Msg("expired session sweep failed")
	}

	s.setSessionCookie(c, sessionID, expiresAt)
	return success(c, map[string]any{
		"reviewer": buildReviewerResponse(reviewer),
		"session": map[string]any{
			"expires_at": expiresAt.UTC(),
		},
	})
}

func (s *Server) handleLogout(c echo.Context) error {
	store := s.authDataStore()
	if store != nil {
		if sessionID, found := s.sessionIDFromCookie(c); found {
			_ = store.DeleteSession(c.Request().Context(), sessionID)
		}
	}
	s.clearSessionCookie(c)
	return success(c, map[string]any{"logged_out": true})
}

func (s *Server) handleMe(c echo.Context) error {
	store := s.authDataStore()
	principal, ok := principalFromContext(c)
	if !ok || store == nil {
		return unauthorizedResponse(c)
	}

	reviewer, err := store.GetReviewerByID(c.Request().Context(), principal.ReviewerID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return unauthorizedResponse(c)
		}
		s.logger.Error().Err(err).Int64("reviewer_id", principal.ReviewerID).Msg("load reviewer failed")
		return internalError(c, "Failed to load reviewer")
	}

	return success(c, map[string]any{"reviewer": buildReviewerResponse(reviewer)})
}

func (s *Server) handleChangePassword(c echo.Context) error {
	store := s.authDataStore()
	principal, ok := principalFromContext(c)
	if !ok || store == nil {
		return unauthorizedResponse(c)
	}

	var req changePasswordRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	if err := auth.ValidatePassword(req.NewPassword); err != nil {
		return failValidation(c, map[string]string{"new_password": err.Error()})
	}

	reviewer, err := store.GetReviewerByID(c.Request().Context(), principal.ReviewerID)
	if err != nil {
		s.logger.Error().Err(err).Int64("reviewer_id", principal.ReviewerID).Msg("load reviewer failed")
		return internalError(c, "Failed to change password")
	}
	if !auth.VerifyPassword(req.CurrentPassword, reviewer.PasswordHash) {
		return fail(c, http.StatusUnauthorized, "Current password is incorrect", nil)
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		return failValidation(c, map[string]string{"new_password": err.Error()})
	}
	if err := store.SetReviewerPassword(c.Request().Context(), principal.ReviewerID, hash, false); err != nil {
		s.logger.Error().Err(err).Int64("reviewer_id", principal.ReviewerID).Msg("set password failed")
		return internalError(c, "Failed to change password")
	}

	return success(c, map[string]any{"changed": true})
}

func unauthorizedResponse(c echo.Context) error {
	return fail(c, http.StatusUnauthorized, "Authentication required", nil)
}

func buildReviewerResponse(row *db.AuthReviewer) reviewerResponse {
	if row == nil {
		return reviewerResponse{}
	}
	return reviewerResponse{
		ReviewerID:         row.ReviewerID,
		Username:           row.Username,
		MustChangePassword: row.MustChangePassword,
		CreatedAt:          row.CreatedAt.UTC(),
		LastLoginAt:        row.LastLoginAt,
	}
}

func principalFromContext(c echo.Context) (authPrincipal, bool) {
	principal, ok := c.Get("auth.principal").(authPrincipal)
	return principal, ok
}

func (s *Server) sessionIDFromCookie(c echo.Context) (string, bool) {
	cookie, err := c.Cookie(s.opts.SessionCookie)
	if err != nil || cookie == nil {
		return "", false
	}

	sessionID := strings.TrimSpace(cookie.Value)
	if sessionID == "" {
		return "", false
	}
	return sessionID, true
}

func (s *Server) setSessionCookie(c echo.Context, sessionID string, expiresAt time.Time) {
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}

	c.SetCookie(&http.Cookie{
		Name:     s.opts.SessionCookie,
		Value:    strings.TrimSpace(sessionID),
		Path:     "/",
		HttpOnly: true,
		Secure:   s.opts.SessionSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt.UTC(),
		MaxAge:   maxAge,
	})
}

func (s *Server) clearSessionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     s.opts.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.opts.SessionSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  globaltime.Now().Add(-1 * time.Hour),
	})
}
