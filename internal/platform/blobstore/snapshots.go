package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/auth"
)

const (
	snapshotPrefix      = "snapshots/"
	snapshotContentType = "application/json"
)

// ExportFunc returns the current laboratory state as a JSON document.
type ExportFunc func(ctx context.Context) ([]byte, error)

// SnapshotArchive writes point-in-time exports of the laboratory state to a
// BlobStore under snapshots/.
type SnapshotArchive struct {
	store  BlobStore
	export ExportFunc
	logger zerolog.Logger
	now    func() time.Time
}

func NewSnapshotArchive(store BlobStore, export ExportFunc, logger zerolog.Logger) *SnapshotArchive {
	return &SnapshotArchive{
		store:  store,
		export: export,
		logger: logger.With().Str("component", "snapshots").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Archive exports the state and stores it under a timestamped key.
func (a *SnapshotArchive) Archive(ctx context.Context, user string) (*BlobMetadata, error) {
	data, err := a.export(ctx)
	if err != nil {
		return nil, fmt.Errorf("export state: %w", err)
	}
	key := snapshotPrefix + a.now().Format("20060102T150405.000Z") + ".json"
	meta, err := a.store.Put(ctx, BlobMetadata{
		Key:         key,
		ContentType: snapshotContentType,
		CreatedBy:   user,
		Tags:        map[string]string{"kind": "lims-state"},
	}, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	a.logger.Info().Str("key", meta.Key).Int64("size", meta.Size).Str("user", user).Msg("snapshot archived")
	return meta, nil
}

func (a *SnapshotArchive) List(ctx context.Context) ([]*BlobMetadata, error) {
	return a.store.List(ctx, snapshotPrefix)
}

// RegisterRoutes mounts the snapshot admin routes; only lab managers may use
// them.
func (a *SnapshotArchive) RegisterRoutes(api *echo.Group) {
	g := api.Group("/admin/snapshots", auth.RequireRole(auth.RoleLabManager))
	g.POST("", a.handleCreate)
	g.GET("", a.handleList)
	g.GET("/:name", a.handleDownload)
}

func (a *SnapshotArchive) handleCreate(c echo.Context) error {
	meta, err := a.Archive(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		if errors.Is(err, ErrBlobExists) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, meta)
}

func (a *SnapshotArchive) handleList(c echo.Context) error {
	items, err := a.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": items, "total": len(items)})
}

func (a *SnapshotArchive) handleDownload(c echo.Context) error {
	name := c.Param("name")
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "..") {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid snapshot name")
	}
	rc, meta, err := a.store.Get(c.Request().Context(), snapshotPrefix+name)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer rc.Close()

	contentType := meta.ContentType
	if contentType == "" {
		contentType = snapshotContentType
	}
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	return c.Stream(http.StatusOK, contentType, rc)
}
