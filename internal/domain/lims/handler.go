package lims

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – every lab role
	read := api.Group("", auth.RequireRole(auth.RoleLabManager, auth.RoleLabTech, auth.RolePathologist, auth.RoleReceptionist))
	read.GET("/samples", h.ListSamples)
	read.GET("/samples/:id", h.GetSample)
	read.GET("/samples/:id/results", h.GetSampleResults)
	read.GET("/results", h.ListResults)
	read.GET("/worksheets", h.ListWorksheets)
	read.GET("/worksheets/:id", h.GetWorksheet)
	read.GET("/worksheets/:id/results", h.GetWorksheetResults)
	read.GET("/clients", h.ListClients)
	read.GET("/tests", h.ListTests)
	read.GET("/tests/:code", h.GetTest)
	read.GET("/inventory", h.ListInventory)
	read.GET("/instruments", h.ListInstruments)
	read.GET("/qc", h.ListQC)
	read.GET("/audit", h.ListAudit)
	read.GET("/settings", h.GetSettings)
	read.GET("/dashboard", h.GetDashboard)

	// Accessioning – reception and bench staff
	accession := api.Group("", auth.RequireRole(auth.RoleReceptionist, auth.RoleLabTech, auth.RoleLabManager))
	accession.POST("/samples", h.AddSample)
	accession.POST("/samples/receive-all", h.ReceiveAllSamples)
	accession.POST("/samples/:id/receive", h.ReceiveSample)

	// Bench work – lab technicians
	bench := api.Group("", auth.RequireRole(auth.RoleLabTech, auth.RoleLabManager))
	bench.PUT("/samples/:id/analyst", h.AssignAnalyst)
	bench.POST("/results", h.AddResults)
	bench.PUT("/results/:id", h.UpdateResult)
	bench.POST("/worksheets", h.CreateWorksheet)
	bench.POST("/worksheets/:id/samples", h.AddSampleToWorksheet)
	bench.POST("/worksheets/:id/submit", h.SubmitWorksheet)
	bench.POST("/inventory/:id/adjust", h.AdjustStock)
	bench.POST("/inventory/:id/restock", h.RestockItem)
	bench.POST("/inventory/:id/consume", h.ConsumeItem)
	bench.POST("/instruments/:id/toggle", h.ToggleInstrument)
	bench.POST("/qc", h.RecordQC)

	// Sign-off – pathologists
	signoff := api.Group("", auth.RequireRole(auth.RolePathologist, auth.RoleLabManager))
	signoff.POST("/samples/:id/verify", h.VerifySample)
	signoff.POST("/samples/:id/publish", h.PublishSample)
	signoff.POST("/results/:id/verify", h.VerifyResult)
	signoff.POST("/worksheets/:id/verify", h.VerifyWorksheet)
	signoff.POST("/worksheets/:id/close", h.CloseWorksheet)

	// Administration – lab managers
	manage := api.Group("", auth.RequireRole(auth.RoleLabManager))
	manage.POST("/clients", h.AddClient)
	manage.POST("/clients/:id/toggle-active", h.ToggleClient)
	manage.POST("/tests", h.AddTest)
	manage.POST("/inventory", h.AddInventoryItem)
	manage.POST("/instruments", h.AddInstrument)
	manage.POST("/audit", h.AppendAudit)
	manage.PUT("/settings", h.UpdateSettings)
}

// httpError maps engine errors to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrPrecondition), errors.Is(err, ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error()).SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func currentUser(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

// parseTimeParam accepts RFC3339 or a bare date. A bare date used as an
// upper bound covers the whole day.
func parseTimeParam(c echo.Context, name string, upper bool) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		if upper {
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		return &t, nil
	}
	return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s: expected RFC3339 or YYYY-MM-DD", name))
}

func parseBoolParam(c echo.Context, name string) (*bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
	}
	return &b, nil
}

// -- Sample Handlers --

func (h *Handler) AddSample(c echo.Context) error {
	var in Sample
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.AddSample(c.Request().Context(), in, currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) ListSamples(c echo.Context) error {
	from, err := parseTimeParam(c, "from", false)
	if err != nil {
		return err
	}
	to, err := parseTimeParam(c, "to", true)
	if err != nil {
		return err
	}
	items, err := h.svc.ListSamples(c.Request().Context(), SampleFilter{
		Status:   SampleStatus(c.QueryParam("status")),
		Priority: Priority(c.QueryParam("priority")),
		ClientID: c.QueryParam("client_id"),
		Text:     c.QueryParam("q"),
		From:     from,
		To:       to,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Paginate(items, pagination.FromContext(c)))
}

func (h *Handler) GetSample(c echo.Context) error {
	out, err := h.svc.GetSample(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetSampleResults(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := h.svc.GetSample(ctx, c.Param("id")); err != nil {
		return httpError(err)
	}
	items, err := h.svc.ListResults(ctx, ResultFilter{SampleID: c.Param("id")})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ReceiveSample(c echo.Context) error {
	out, err := h.svc.ReceiveSample(c.Request().Context(), c.Param("id"), currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ReceiveAllSamples(c echo.Context) error {
	out, err := h.svc.ReceiveAllRegistered(c.Request().Context(), currentUser(c))
	if err != nil {
		return httpError(err)
	}
	if out == nil {
		out = []Sample{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"received": len(out), "samples": out})
}

type assignAnalystRequest struct {
	Analyst string `json:"analyst"`
}

func (h *Handler) AssignAnalyst(c echo.Context) error {
	var req assignAnalystRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.AssignAnalyst(c.Request().Context(), c.Param("id"), req.Analyst, currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

type verifyRequest struct {
	VerifiedBy string `json:"verified_by"`
}

func (h *Handler) bindVerifier(c echo.Context) (string, error) {
	var req verifyRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return req.VerifiedBy, nil
}

func (h *Handler) VerifySample(c echo.Context) error {
	by, err := h.bindVerifier(c)
	if err != nil {
		return err
	}
	out, err := h.svc.VerifySample(c.Request().Context(), c.Param("id"), by, currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) PublishSample(c echo.Context) error {
	out, err := h.svc.PublishSample(c.Request().Context(), c.Param("id"), currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// -- Result Handlers --

type addResultsRequest struct {
	Results []Result `json:"results"`
}

func (h *Handler) AddResults(c echo.Context) error {
	var req addResultsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.AddResults(c.Request().Context(), req.Results, currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) ListResults(c echo.Context) error {
	items, err := h.svc.ListResults(c.Request().Context(), ResultFilter{
		SampleID:    c.QueryParam("sample_id"),
		Status:      ResultStatus(c.QueryParam("status")),
		Flag:        Flag(c.QueryParam("flag")),
		WorksheetID: c.QueryParam("worksheet_id"),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Paginate(items, pagination.FromContext(c)))
}

func (h *Handler) UpdateResult(c echo.Context) error {
	var patch ResultPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.UpdateResult(c.Request().Context(), c.Param("id"), patch, currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) VerifyResult(c echo.Context) error {
	by, err := h.bindVerifier(c)
	if err != nil {
		return err
	}
	out, err := h.svc.VerifyResult(c.Request().Context(), c.Param("id"), by, currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// -- Worksheet Handlers --

func (h *Handler) CreateWorksheet(c echo.Context) error {
	var in Worksheet
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.CreateWorksheet(c.Request().Context(), in, currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) ListWorksheets(c echo.Context) error {
	items, err := h.svc.ListWorksheets(c.Request().Context(), WorksheetFilter{
		Status:     WorksheetStatus(c.QueryParam("status")),
		Department: c.QueryParam("department"),
		Analyst:    c.QueryParam("analyst"),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Paginate(items, pagination.FromContext(c)))
}

func (h *Handler) GetWorksheet(c echo.Context) error {
	out, err := h.svc.GetWorksheet(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetWorksheetResults(c echo.Context) error {
	items, err := h.svc.WorksheetResults(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type worksheetSampleRequest struct {
	SampleID string `json:"sample_id"`
}

func (h *Handler) AddSampleToWorksheet(c echo.Context) error {
	var req worksheetSampleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.SampleID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sample_id is required")
	}
	out, err := h.svc.AddSampleToWorksheet(c.Request().Context(), c.Param("id"), req.SampleID, currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) SubmitWorksheet(c echo.Context) error {
	out, err := h.svc.SubmitWorksheetForVerification(c.Request().Context(), c.Param("id"), currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) VerifyWorksheet(c echo.Context) error {
	out, err := h.svc.VerifyWorksheet(c.Request().Context(), c.Param("id"), currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) CloseWorksheet(c echo.Context) error {
	out, err := h.svc.CloseWorksheet(c.Request().Context(), c.Param("id"), currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// -- Client Handlers --

func (h *Handler) AddClient(c echo.Context) error {
	var in Client
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.AddClient(c.Request().Context(), in, currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) ListClients(c echo.Context) error {
	active, err := parseBoolParam(c, "active")
	if err != nil {
		return err
	}
	items, err := h.svc.ListClients(c.Request().Context(), ClientFilter{Active: active, Text: c.QueryParam("q")})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Paginate(items, pagination.FromContext(c)))
}

func (h *Handler) ToggleClient(c echo.Context) error {
	out, err := h.svc.ToggleClientActive(c.Request().Context(), c.Param("id"), currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// -- Test Catalog Handlers --

func (h *Handler) AddTest(c echo.Context) error {
	var in TestCatalogItem
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.AddTest(c.Request().Context(), in, currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) ListTests(c echo.Context) error {
	items, err := h.svc.ListTests(c.Request().Context(), TestFilter{
		Department: c.QueryParam("department"),
		Text:       c.QueryParam("q"),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Paginate(items, pagination.FromContext(c)))
}

func (h *Handler) GetTest(c echo.Context) error {
	out, err := h.svc.GetTest(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// -- Inventory Handlers --

func (h *Handler) AddInventoryItem(c echo.Context) error {
	var in InventoryItem
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.AddInventoryItem(c.Request().Context(), in, currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) ListInventory(c echo.Context) error {
	expiring, err := parseBoolParam(c, "expiring")
	if err != nil {
		return err
	}
	items, err := h.svc.ListInventory(c.Request().Context(), InventoryFilter{
		StockStatus:  StockStatus(c.QueryParam("stock_status")),
		ExpiringOnly: expiring != nil && *expiring,
		Text:         c.QueryParam("q"),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Paginate(items, pagination.FromContext(c)))
}

type adjustStockRequest struct {
	Delta int `json:"delta"`
}

func (h *Handler) AdjustStock(c echo.Context) error {
	var req adjustStockRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.AdjustInventoryStock(c.Request().Context(), c.Param("id"), req.Delta, currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) bindQuantity(c echo.Context) (int, error) {
	var req quantityRequest
	if err := c.Bind(&req); err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Quantity <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "quantity must be positive")
	}
	return req.Quantity, nil
}

func (h *Handler) RestockItem(c echo.Context) error {
	qty, err := h.bindQuantity(c)
	if err != nil {
		return err
	}
	out, err := h.svc.AdjustInventoryStock(c.Request().Context(), c.Param("id"), qty, currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// ConsumeItem rejects a quantity larger than the stock on hand; the engine
// itself would only clamp at zero.
func (h *Handler) ConsumeItem(c echo.Context) error {
	qty, err := h.bindQuantity(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	current, err := h.svc.GetInventoryItem(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if qty > current.OnHand {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("cannot consume %d, only %d on hand", qty, current.OnHand))
	}
	out, err := h.svc.AdjustInventoryStock(ctx, current.ID, -qty, currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// -- Instrument Handlers --

func (h *Handler) AddInstrument(c echo.Context) error {
	var in Instrument
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.AddInstrument(c.Request().Context(), in, currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) ListInstruments(c echo.Context) error {
	items, err := h.svc.ListInstruments(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ToggleInstrument(c echo.Context) error {
	out, err := h.svc.ToggleInstrumentStatus(c.Request().Context(), c.Param("id"), currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// -- QC Handlers --

func (h *Handler) RecordQC(c echo.Context) error {
	var in QCRecord
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.RecordQC(c.Request().Context(), in, currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) ListQC(c echo.Context) error {
	from, err := parseTimeParam(c, "from", false)
	if err != nil {
		return err
	}
	to, err := parseTimeParam(c, "to", true)
	if err != nil {
		return err
	}
	items, err := h.svc.ListQC(c.Request().Context(), QCFilter{
		Test:     c.QueryParam("test"),
		Material: c.QueryParam("material"),
		From:     from,
		To:       to,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Paginate(items, pagination.FromContext(c)))
}

// -- Audit Handlers --

type auditRequest struct {
	Event    string  `json:"event"`
	SampleID *string `json:"sample_id,omitempty"`
}

func (h *Handler) AppendAudit(c echo.Context) error {
	var req auditRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.AppendAuditEntry(c.Request().Context(), req.Event, currentUser(c), req.SampleID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) ListAudit(c echo.Context) error {
	items, err := h.svc.ListAudit(c.Request().Context(), AuditFilter{
		SampleID: c.QueryParam("sample_id"),
		User:     c.QueryParam("user"),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Paginate(items, pagination.FromContext(c)))
}

// -- Settings & Dashboard --

func (h *Handler) GetSettings(c echo.Context) error {
	out, err := h.svc.GetSettings(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) UpdateSettings(c echo.Context) error {
	var patch SettingsPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.UpdateSettings(c.Request().Context(), patch, currentUser(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetDashboard(c echo.Context) error {
	out, err := h.svc.Summary(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}
