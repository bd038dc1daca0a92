package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/auth"
)

func runAudit(t *testing.T, method, path string, handler echo.HandlerFunc, recorders ...AccessRecorder) (*bytes.Buffer, error) {
	t.Helper()
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	req = req.WithContext(auth.WithUser(req.Context(), "tech-1", []string{auth.RoleLabTech}))
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("request_id", "req-42")

	err := Audit(zerolog.New(&buf), recorders...)(handler)(c)
	return &buf, err
}

func okHandler(c echo.Context) error { return c.String(http.StatusCreated, "ok") }

func TestAudit_RecordsMutatingCalls(t *testing.T) {
	var got []AccessEntry
	rec := AccessRecorderFunc(func(e AccessEntry) error {
		got = append(got, e)
		return nil
	})

	buf, err := runAudit(t, http.MethodPost, "/api/v1/samples/S-1/verify", okHandler, rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	entry := got[0]
	if entry.UserID != "tech-1" {
		t.Errorf("expected user tech-1, got %s", entry.UserID)
	}
	if entry.Resource != "samples" || entry.ResourceID != "S-1" {
		t.Errorf("expected samples/S-1, got %s/%s", entry.Resource, entry.ResourceID)
	}
	if entry.Action != "create" || entry.StatusCode != http.StatusCreated {
		t.Errorf("unexpected action/status: %s/%d", entry.Action, entry.StatusCode)
	}
	if entry.RequestID != "req-42" {
		t.Errorf("expected request id req-42, got %s", entry.RequestID)
	}
	if !strings.Contains(buf.String(), `"type":"api_access"`) {
		t.Errorf("expected api_access log line, got %s", buf.String())
	}
}

func TestAudit_SkipsReadsAndOtherPaths(t *testing.T) {
	calls := 0
	rec := AccessRecorderFunc(func(AccessEntry) error {
		calls++
		return nil
	})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/samples"},
		{http.MethodPost, "/health"},
		{http.MethodGet, "/metrics"},
	} {
		buf, err := runAudit(t, tc.method, tc.path, okHandler, rec)
		if err != nil {
			t.Fatalf("%s %s: unexpected error: %v", tc.method, tc.path, err)
		}
		if buf.Len() != 0 {
			t.Errorf("%s %s: expected no log output, got %s", tc.method, tc.path, buf.String())
		}
	}
	if calls != 0 {
		t.Errorf("expected recorder not to be called, got %d calls", calls)
	}
}

func TestAudit_CapturesErrorStatus(t *testing.T) {
	var entry AccessEntry
	rec := AccessRecorderFunc(func(e AccessEntry) error {
		entry = e
		return nil
	})
	failing := func(echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "sample is published")
	}

	_, err := runAudit(t, http.MethodPut, "/api/v1/samples/S-9/analyst", failing, rec)
	if err == nil {
		t.Fatal("expected handler error to pass through")
	}
	if entry.StatusCode != http.StatusConflict || entry.Action != "update" {
		t.Errorf("expected 409 update, got %d %s", entry.StatusCode, entry.Action)
	}
}

func TestAudit_RecorderFailureIsLogged(t *testing.T) {
	rec := AccessRecorderFunc(func(AccessEntry) error { return errors.New("sink down") })

	buf, err := runAudit(t, http.MethodPost, "/api/v1/clients", okHandler, rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "failed to record access entry") {
		t.Errorf("expected recorder failure in log, got %s", buf.String())
	}
}

func TestSplitResource(t *testing.T) {
	tests := []struct {
		path, resource, id string
	}{
		{"/api/v1/samples", "samples", ""},
		{"/api/v1/samples/receive-all", "samples", ""},
		{"/api/v1/inventory/INV-3/consume", "inventory", "INV-3"},
		{"/api/v1/", "unknown", ""},
	}
	for _, tt := range tests {
		resource, id := splitResource(tt.path)
		if resource != tt.resource || id != tt.id {
			t.Errorf("splitResource(%q) = (%q, %q), expected (%q, %q)", tt.path, resource, id, tt.resource, tt.id)
		}
	}
}
