package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

// doResourceRequest runs a handler with the :resource_uuid route param set.
func doResourceRequest(handler echo.HandlerFunc, method, resourceUUID, body string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(method, "/", bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("resource_uuid")
	c.SetParamValues(resourceUUID)
	_ = handler(c)
	return rec
}

func TestHandleMergeRequiresResourceUUID(t *testing.T) {
	t.Parallel()

	server := newTestServer(newFakeAuthStore())
	rec := doResourceRequest(server.handleMerge, http.MethodPost, "  ", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "resource_uuid") {
		t.Errorf("expected validation detail for resource_uuid, got %s", rec.Body.String())
	}
}

func TestHandleMergeRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	server := newTestServer(newFakeAuthStore())
	rec := doResourceRequest(server.handleMerge, http.MethodPost, "0b9e6f42-0000-0000-0000-000000000001", `{"canonical_uuid": 5}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
