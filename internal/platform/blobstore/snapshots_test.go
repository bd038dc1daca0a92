package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/auth"
)

func newArchive(export ExportFunc) (*SnapshotArchive, *InMemoryBlobStore) {
	store := NewInMemoryBlobStore()
	a := NewSnapshotArchive(store, export, zerolog.Nop())
	a.now = func() time.Time { return time.Date(2026, 10, 18, 14, 30, 5, 0, time.UTC) }
	return a, store
}

func staticExport(body string) ExportFunc {
	return func(context.Context) ([]byte, error) { return []byte(body), nil }
}

func TestSnapshotArchive_Archive(t *testing.T) {
	a, store := newArchive(staticExport(`{"samples":[]}`))

	meta, err := a.Archive(context.Background(), "manager-1")
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if meta.Key != "snapshots/20261018T143005.000Z.json" {
		t.Errorf("unexpected key %s", meta.Key)
	}
	if meta.CreatedBy != "manager-1" || meta.ContentType != "application/json" {
		t.Errorf("unexpected metadata %+v", meta)
	}
	items, _ := store.List(context.Background(), "snapshots/")
	if len(items) != 1 {
		t.Errorf("expected 1 stored snapshot, got %d", len(items))
	}

	if _, err := a.Archive(context.Background(), "manager-1"); !errors.Is(err, ErrBlobExists) {
		t.Errorf("expected ErrBlobExists for the same instant, got %v", err)
	}
}

func TestSnapshotArchive_ExportFailure(t *testing.T) {
	a, _ := newArchive(func(context.Context) ([]byte, error) { return nil, errors.New("store closed") })
	if _, err := a.Archive(context.Background(), "u"); err == nil {
		t.Fatal("expected export error")
	}
}

func serve(a *SnapshotArchive, method, path string, roles ...string) *httptest.ResponseRecorder {
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithUser(c.Request().Context(), "manager-1", roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	a.RegisterRoutes(e.Group("/api/v1"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestSnapshotRoutes(t *testing.T) {
	a, _ := newArchive(staticExport(`{"samples":[]}`))

	rec := serve(a, http.MethodPost, "/api/v1/admin/snapshots", auth.RoleLabManager)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(a, http.MethodGet, "/api/v1/admin/snapshots", auth.RoleLabManager)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list struct {
		Items []BlobMetadata `json:"items"`
		Total int            `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 1 || len(list.Items) != 1 {
		t.Fatalf("expected one snapshot, got %+v", list)
	}

	rec = serve(a, http.MethodGet, "/api/v1/admin/snapshots/20261018T143005.000Z.json", auth.RoleLabManager)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"samples":[]}` {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	rec = serve(a, http.MethodGet, "/api/v1/admin/snapshots/missing.json", auth.RoleLabManager)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestSnapshotRoutes_RequireLabManager(t *testing.T) {
	a, _ := newArchive(staticExport(`{}`))

	rec := serve(a, http.MethodPost, "/api/v1/admin/snapshots", auth.RoleLabTech)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}
