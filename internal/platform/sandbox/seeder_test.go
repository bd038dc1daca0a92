package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/lims"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/store/memory"
)

func newEngine() *lims.Service {
	return lims.NewService(memory.NewStore(), zerolog.Nop())
}

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

func TestDataGenerator_Deterministic(t *testing.T) {
	a := NewDataGenerator(7)
	b := NewDataGenerator(7)
	for i := 0; i < 20; i++ {
		if x, y := a.PatientName(), b.PatientName(); x != y {
			t.Fatalf("iteration %d: %q != %q", i, x, y)
		}
	}
}

func TestDataGenerator_Client(t *testing.T) {
	c := NewDataGenerator(42).Client()
	if c.Name == "" || c.City == "" || !strings.HasPrefix(c.ContactName, "Dr ") {
		t.Errorf("unexpected client %+v", c)
	}
	if !strings.HasSuffix(c.Email, ".example") || strings.ContainsAny(c.Email, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		t.Errorf("expected lower-case example email, got %s", c.Email)
	}
}

func TestDataGenerator_TestsAreDistinct(t *testing.T) {
	g := NewDataGenerator(3)
	for i := 0; i < 50; i++ {
		tests := g.Tests()
		if len(tests) < 1 || len(tests) > 3 {
			t.Fatalf("expected 1-3 tests, got %d", len(tests))
		}
		seen := map[string]bool{}
		for _, td := range tests {
			if seen[td.Code] {
				t.Fatalf("duplicate test %s", td.Code)
			}
			seen[td.Code] = true
		}
	}
}

func TestDataGenerator_ValueIsNumericAndSometimesAbnormal(t *testing.T) {
	g := NewDataGenerator(11)
	a := analyteDef{Name: "Sodium", Unit: "mmol/L", Low: 135, High: 145}
	abnormal := 0
	for i := 0; i < 200; i++ {
		v := g.Value(a)
		flag := lims.ComputeFlag(v, formatBound(a.Low), formatBound(a.High))
		if flag != lims.FlagNormal {
			abnormal++
		}
	}
	if abnormal == 0 || abnormal > 100 {
		t.Errorf("expected a minority of abnormal values, got %d/200", abnormal)
	}
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

func TestSeeder_Seed(t *testing.T) {
	engine := newEngine()
	ctx := context.Background()

	result, err := NewSeeder(engine, DefaultSeedConfig(), zerolog.Nop()).Seed(ctx)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if result.Skipped {
		t.Fatal("expected seeding on an empty engine")
	}
	if result.Tests != len(testCatalog) {
		t.Errorf("expected %d tests, got %d", len(testCatalog), result.Tests)
	}
	if result.Samples != 24 || result.Clients != 5 {
		t.Errorf("unexpected counts: %+v", result)
	}
	if result.Published != 4 {
		t.Errorf("expected every sixth sample published, got %d", result.Published)
	}

	sum, err := engine.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	for _, st := range []lims.SampleStatus{
		lims.SampleRegistered, lims.SampleReceived, lims.SampleAssigned,
		lims.SampleAnalysed, lims.SampleVerified, lims.SamplePublished,
	} {
		if sum.SamplesByStatus[st] != 4 {
			t.Errorf("expected 4 %s samples, got %d", st, sum.SamplesByStatus[st])
		}
	}
	if sum.ActiveClients != 4 {
		t.Errorf("expected one client deactivated, got %d active", sum.ActiveClients)
	}
	if sum.OfflineInstruments != 1 {
		t.Errorf("expected one offline instrument, got %d", sum.OfflineInstruments)
	}
	if sum.OutOfStockItems != 1 || sum.LowStockItems != 2 {
		t.Errorf("unexpected stock summary: %+v", sum)
	}
	if sum.PendingResults == 0 {
		t.Error("expected analysed samples to leave pending results")
	}

	audit, _ := engine.ListAudit(ctx, lims.AuditFilter{User: seedUser})
	if len(audit) == 0 {
		t.Error("expected seed commands to be audited")
	}
}

func TestSeeder_SkipsPopulatedCatalog(t *testing.T) {
	engine := newEngine()
	ctx := context.Background()
	if _, err := NewSeeder(engine, DefaultSeedConfig(), zerolog.Nop()).Seed(ctx); err != nil {
		t.Fatalf("first Seed: %v", err)
	}
	result, err := NewSeeder(engine, DefaultSeedConfig(), zerolog.Nop()).Seed(ctx)
	if err != nil {
		t.Fatalf("second Seed: %v", err)
	}
	if !result.Skipped {
		t.Error("expected second seed to be skipped")
	}
	samples, _ := engine.ListSamples(ctx, lims.SampleFilter{})
	if len(samples) != 24 {
		t.Errorf("expected sample count unchanged, got %d", len(samples))
	}
}

func TestSeeder_Reproducible(t *testing.T) {
	names := func() []string {
		engine := newEngine()
		cfg := SeedConfig{SampleCount: 8, Seed: 99}
		if _, err := NewSeeder(engine, cfg, zerolog.Nop()).Seed(context.Background()); err != nil {
			t.Fatalf("Seed: %v", err)
		}
		samples, _ := engine.ListSamples(context.Background(), lims.SampleFilter{})
		out := make([]string, 0, len(samples))
		for _, s := range samples {
			out = append(out, s.PatientName+"|"+strings.Join(s.RequestedTests, ","))
		}
		return out
	}
	first, second := names(), names()
	if len(first) != 8 {
		t.Fatalf("expected 8 samples, got %d", len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("sample %d differs: %s vs %s", i, first[i], second[i])
		}
	}
}

// ---------------------------------------------------------------------------
// SeedHandler
// ---------------------------------------------------------------------------

func serveSeed(engine *lims.Service, body string, roles ...string) *httptest.ResponseRecorder {
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithUser(c.Request().Context(), "manager-1", roles)))
			return next(c)
		}
	})
	NewSeedHandler(engine, zerolog.Nop()).RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sandbox/seed", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSeedHandler_Seed(t *testing.T) {
	engine := newEngine()
	rec := serveSeed(engine, `{"sampleCount":6,"clientCount":2}`, auth.RoleLabManager)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result SeedResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Samples != 6 || result.Clients != 2 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestSeedHandler_RequiresLabManager(t *testing.T) {
	rec := serveSeed(newEngine(), `{}`, auth.RoleReceptionist)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestSeedHandler_BadBody(t *testing.T) {
	rec := serveSeed(newEngine(), `{"sampleCount":"many"}`, auth.RoleLabManager)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
