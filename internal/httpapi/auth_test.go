package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"aidbeacon.org/beacon/internal/auth"
	"aidbeacon.org/beacon/internal/db"
)

type fakeAuthStore struct {
	sessions            map[string]*db.AuthSession
	reviewersByUsername map[string]*db.AuthReviewer
	reviewersByID       map[int64]*db.AuthReviewer
	createSessionID     string
	deleteSessionCalls  []string
	touchSessionCalls   int
	setPasswordCalls    int
}

func newFakeAuthStore() *fakeAuthStore {
	return &fakeAuthStore{
		sessions:            map[string]*db.AuthSession{},
		reviewersByUsername: map[string]*db.AuthReviewer{},
		reviewersByID:       map[int64]*db.AuthReviewer{},
		createSessionID:     "session-fixture",
	}
}

func (s *fakeAuthStore) GetSession(_ context.Context, sessionID string) (*db.AuthSession, error) {
	row, exists := s.sessions[sessionID]
	if !exists {
		return nil, db.ErrNoRows
	}
	copyRow := *row
	return &copyRow, nil
}

func (s *fakeAuthStore) CreateSession(_ context.Context, reviewerID int64, expiresAt, now time.Time) (string, error) {
	s.sessions[s.createSessionID] = &db.AuthSession{
		SessionID:  s.createSessionID,
		ReviewerID: reviewerID,
		ExpiresAt:  expiresAt,
		LastSeenAt: now,
	}
	return s.createSessionID, nil
}

func (s *fakeAuthStore) DeleteSession(_ context.Context, sessionID string) error {
	s.deleteSessionCalls = append(s.deleteSessionCalls, sessionID)
	delete(s.sessions, sessionID)
	return nil
}

func (s *fakeAuthStore) TouchSession(_ context.Context, sessionID string, seenAt time.Time) error {
	s.touchSessionCalls++
	if row, exists := s.sessions[sessionID]; exists {
		row.LastSeenAt = seenAt
	}
	return nil
}

func (s *fakeAuthStore) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	removed := int64(0)
	for id, row := range s.sessions {
		if !row.ExpiresAt.After(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (s *fakeAuthStore) GetReviewerByUsername(_ context.Context, username string) (*db.AuthReviewer, error) {
	row, exists := s.reviewersByUsername[username]
	if !exists {
		return nil, db.ErrNoRows
	}
	copyRow := *row
	return &copyRow, nil
}

func (s *fakeAuthStore) GetReviewerByID(_ context.Context, reviewerID int64) (*db.AuthReviewer, error) {
	row, exists := s.reviewersByID[reviewerID]
	if !exists {
		return nil, db.ErrNoRows
	}
	copyRow := *row
	return &copyRow, nil
}

func (s *fakeAuthStore) SetReviewerLastLogin(_ context.Context, _ int64, _ time.Time) error {
	return nil
}

func (s *fakeAuthStore) SetReviewerPassword(_ context.Context, reviewerID int64, passwordHash string, mustChange bool) error {
	s.setPasswordCalls++
	if row, exists := s.reviewersByID[reviewerID]; exists {
		row.PasswordHash = passwordHash
		row.MustChangePassword = mustChange
	}
	return nil
}

func newTestServer(store *fakeAuthStore) *Server {
	return &Server{
		logger: zerolog.Nop(),
		opts: Options{
			SessionCookie: "beacon_session",
			SessionTTL:    time.Hour,
		},
		authStore: store,
	}
}

func seedReviewer(t *testing.T, store *fakeAuthStore, username, password string) *db.AuthReviewer {
	t.Helper()

	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("hash fixture password: %v", err)
	}
	reviewer := &db.AuthReviewer{
		ReviewerID:   1,
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	store.reviewersByUsername[username] = reviewer
	store.reviewersByID[reviewer.ReviewerID] = reviewer
	return reviewer
}

func doJSONRequest(handler echo.HandlerFunc, method, target, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	_ = handler(c)
	return rec
}

func TestHandleLoginSuccess(t *testing.T) {
	t.Parallel()

	store := newFakeAuthStore()
	seedReviewer(t, store, "reviewer", "fixture-password")
	server := newTestServer(store)

	rec := doJSONRequest(server.handleLogin, http.MethodPost, "/api/v1/auth/login",
		`{"username": "Reviewer", "password": "fixture-password"}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if _, exists := store.sessions["session-fixture"]; !exists {
		t.Error("session was not created")
	}
	setCookie := rec.Header().Get("Set-Cookie")
	if !strings.Contains(setCookie, "beacon_session=session-fixture") {
		t.Errorf("session cookie not set: %q", setCookie)
	}

	var envelope struct {
		Status string `json:"status"`
		Data   struct {
			Reviewer reviewerResponse `json:"reviewer"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Status != "success" || envelope.Data.Reviewer.Username != "reviewer" {
		t.Errorf("unexpected envelope: %+v", envelope)
	}
}

func TestHandleLoginWrongPassword(t *testing.T) {
	t.Parallel()

	store := newFakeAuthStore()
	seedReviewer(t, store, "reviewer", "fixture-password")
	server := newTestServer(store)

	rec := doJSONRequest(server.handleLogin, http.MethodPost, "/api/v1/auth/login",
		`{"username": "reviewer", "password": "wrong-password"}`, nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(store.sessions) != 0 {
		t.Error("session created for failed login")
	}
}

func TestHandleLoginUnknownUser(t *testing.T) {
	t.Parallel()

	store := newFakeAuthStore()
	server := newTestServer(store)

	rec := doJSONRequest(server.handleLogin, http.MethodPost, "/api/v1/auth/login",
		`{"username": "ghost", "password": "whatever-pass"}`, nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRequireAuthWithoutCookie(t *testing.T) {
	t.Parallel()

	server := newTestServer(newFakeAuthStore())
	handler := server.requireAuth()(func(c echo.Context) error {
		return success(c, map[string]any{"reached": true})
	})

	rec := doJSONRequest(handler, http.MethodGet, "/api/v1/review/pending", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRequireAuthExpiredSession(t *testing.T) {
	t.Parallel()

	store := newFakeAuthStore()
	store.sessions["stale"] = &db.AuthSession{
		SessionID:  "stale",
		ReviewerID: 1,
		Username:   "reviewer",
		ExpiresAt:  time.Now().UTC().Add(-time.Minute),
		LastSeenAt: time.Now().UTC().Add(-time.Hour),
	}
	server := newTestServer(store)
	handler := server.requireAuth()(func(c echo.Context) error {
		return success(c, map[string]any{"reached": true})
	})

	rec := doJSONRequest(handler, http.MethodGet, "/api/v1/review/pending", "",
		&http.Cookie{Name: "beacon_session", Value: "stale"})

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(store.deleteSessionCalls) != 1 || store.deleteSessionCalls[0] != "stale" {
		t.Errorf("expired session was not deleted: %v", store.deleteSessionCalls)
	}
}

func TestRequireAuthValidSession(t *testing.T) {
	t.Parallel()

	store := newFakeAuthStore()
	store.sessions["live"] = &db.AuthSession{
		SessionID:  "live",
		ReviewerID: 7,
		Username:   "reviewer",
		ExpiresAt:  time.Now().UTC().Add(time.Hour),
		LastSeenAt: time.Now().UTC().Add(-10 * time.Minute),
	}
	server := newTestServer(store)

	var seen authPrincipal
	handler := server.requireAuth()(func(c echo.Context) error {
		seen, _ = principalFromContext(c)
		return success(c, map[string]any{"reached": true})
	})

	rec := doJSONRequest(handler, http.MethodGet, "/api/v1/review/pending", "",
		&http.Cookie{Name: "beacon_session", Value: "live"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if seen.ReviewerID != 7 || seen.Username != "reviewer" {
		t.Errorf("unexpected principal: %+v", seen)
	}
	if store.touchSessionCalls != 1 {
		t.Errorf("stale last_seen_at was not touched: %d calls", store.touchSessionCalls)
	}
}

func TestHandleChangePasswordRejectsShort(t *testing.T) {
	t.Parallel()

	store := newFakeAuthStore()
	reviewer := seedReviewer(t, store, "reviewer", "fixture-password")
	server := newTestServer(store)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/password",
		strings.NewReader(`{"current_password": "fixture-password", "new_password": "short"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("auth.principal", authPrincipal{ReviewerID: reviewer.ReviewerID, Username: reviewer.Username})

	_ = server.handleChangePassword(c)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if store.setPasswordCalls != 0 {
		t.Error("password was changed despite failing policy")
	}
}

func TestParsePositiveInt(t *testing.T) {
	t.Parallel()

	if got, err := parsePositiveInt("", 25, 1, 200); err != nil || got != 25 {
		t.Errorf("empty input: got %d err %v", got, err)
	}
	if got, err := parsePositiveInt("50", 25, 1, 200); err != nil || got != 50 {
		t.Errorf("valid input: got %d err %v", got, err)
	}
	if _, err := parsePositiveInt("0", 25, 1, 200); err == nil {
		t.Error("below minimum accepted")
	}
	if _, err := parsePositiveInt("abc", 25, 1, 200); err == nil {
		t.Error("non-integer accepted")
	}
}
