// Package sandbox provides synthetic laboratory data for demo and developer
// environments. Everything is created through the workflow engine's own
// commands, so seeded data obeys the same rules and leaves the same audit
// trail as real traffic. A fixed seed reproduces the same data set.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/lims"
	"github.com/lims/lims/internal/platform/auth"
)

const seedUser = "sandbox"

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume of generated data.
type SeedConfig struct {
	ClientCount     int   `json:"clientCount"`
	SampleCount     int   `json:"sampleCount"`
	InstrumentCount int   `json:"instrumentCount"`
	QCRunsPerTest   int   `json:"qcRunsPerTest"`
	Seed            int64 `json:"seed"`
}

// DefaultSeedConfig returns a SeedConfig sized for a demo dashboard.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		ClientCount:     5,
		SampleCount:     24,
		InstrumentCount: 4,
		QCRunsPerTest:   3,
		Seed:            42,
	}
}

func (c SeedConfig) withDefaults() SeedConfig {
	d := DefaultSeedConfig()
	if c.ClientCount <= 0 {
		c.ClientCount = d.ClientCount
	}
	if c.SampleCount <= 0 {
		c.SampleCount = d.SampleCount
	}
	if c.InstrumentCount <= 0 {
		c.InstrumentCount = d.InstrumentCount
	}
	if c.QCRunsPerTest <= 0 {
		c.QCRunsPerTest = d.QCRunsPerTest
	}
	return c
}

// SeedResult summarizes the output of a seed operation.
type SeedResult struct {
	Skipped        bool          `json:"skipped"`
	Clients        int           `json:"clients"`
	Tests          int           `json:"tests"`
	InventoryItems int           `json:"inventoryItems"`
	Instruments    int           `json:"instruments"`
	QCRecords      int           `json:"qcRecords"`
	Samples        int           `json:"samples"`
	Results        int           `json:"results"`
	Worksheets     int           `json:"worksheets"`
	Published      int           `json:"published"`
	Duration       time.Duration `json:"duration"`
}

// ---------------------------------------------------------------------------
// Reference pools
// ---------------------------------------------------------------------------

type analyteDef struct {
	Name string
	Unit string
	Low  float64
	High float64
}

type testDef struct {
	Code       string
	Name       string
	Department string
	Method     string
	SampleType string
	TAT        string
	Price      float64
	Analytes   []analyteDef
}

var testCatalog = []testDef{
	{"CBC", "Complete Blood Count", "Haematology", "Flow cytometry", "Whole blood (EDTA)", "4h", 18.50, []analyteDef{
		{"Haemoglobin", "g/dL", 12.0, 17.5},
		{"White Cell Count", "10^9/L", 4.0, 11.0},
		{"Platelets", "10^9/L", 150, 400},
	}},
	{"BMP", "Basic Metabolic Panel", "Chemistry", "Ion-selective electrode", "Serum", "6h", 24.00, []analyteDef{
		{"Sodium", "mmol/L", 135, 145},
		{"Potassium", "mmol/L", 3.5, 5.1},
		{"Creatinine", "umol/L", 60, 110},
		{"Glucose", "mmol/L", 3.9, 5.6},
	}},
	{"LIPID", "Lipid Profile", "Chemistry", "Enzymatic colorimetric", "Serum", "24h", 32.00, []analyteDef{
		{"Total Cholesterol", "mmol/L", 0, 5.2},
		{"HDL Cholesterol", "mmol/L", 1.0, 3.0},
		{"Triglycerides", "mmol/L", 0, 1.7},
	}},
	{"TSH", "Thyroid Stimulating Hormone", "Immunology", "Chemiluminescence", "Serum", "24h", 27.50, []analyteDef{
		{"TSH", "mIU/L", 0.4, 4.0},
	}},
	{"HBA1C", "Glycated Haemoglobin", "Chemistry", "HPLC", "Whole blood (EDTA)", "48h", 21.00, []analyteDef{
		{"HbA1c", "mmol/mol", 20, 42},
	}},
	{"CRP", "C-Reactive Protein", "Immunology", "Immunoturbidimetry", "Serum", "4h", 14.00, []analyteDef{
		{"CRP", "mg/L", 0, 5},
	}},
}

type inventoryDef struct {
	SKU, Name, Category, Unit, Location string
	OnHand, ReorderLevel                int
	ExpiryDays                          int
}

var inventoryPool = []inventoryDef{
	{"RGT-HGB-500", "Haemoglobin reagent pack", "Reagent", "pack", "Cold room A", 40, 10, 120},
	{"RGT-ISE-250", "ISE buffer solution", "Reagent", "bottle", "Cold room A", 8, 10, 30},
	{"RGT-TSH-100", "TSH assay cartridge", "Reagent", "cartridge", "Fridge 2", 0, 5, 200},
	{"CON-EDTA-4ML", "EDTA tube 4mL", "Consumable", "box", "Store 1", 120, 25, 365},
	{"CON-SST-5ML", "Serum separator tube 5mL", "Consumable", "box", "Store 1", 22, 25, 20},
	{"CAL-CHEM-L1", "Chemistry calibrator level 1", "Calibrator", "vial", "Fridge 2", 12, 4, 60},
}

var instrumentPool = []struct {
	Name, Model, Department string
}{
	{"Haematology Analyzer 1", "XN-1000", "Haematology"},
	{"Chemistry Analyzer 1", "AU680", "Chemistry"},
	{"Immunoassay Analyzer", "Architect i2000", "Immunology"},
	{"HPLC System", "Variant II", "Chemistry"},
	{"Coagulation Analyzer", "CS-2500", "Haematology"},
}

var (
	givenNames  = []string{"Amara", "Ben", "Chloe", "Dev", "Elena", "Farid", "Grace", "Hiro", "Isla", "Jonas", "Kemi", "Luca", "Maya", "Nikhil", "Olga", "Pedro"}
	familyNames = []string{"Adeyemi", "Brennan", "Castillo", "Dubois", "Eriksen", "Fischer", "Gupta", "Hughes", "Ibrahim", "Jansen", "Kowalski", "Larsen", "Moreau", "Nakamura"}
	clientKinds = []string{"Medical Centre", "Family Practice", "Community Clinic", "Hospital", "Health Partners"}
	cities      = []string{"Riverside", "Northgate", "Lakeview", "Hillcrest", "Old Town", "Bayside"}
	analysts    = []string{"a.mensah", "j.ortiz", "s.kim", "r.patel"}
	verifiers   = []string{"dr.hale", "dr.nwosu"}
	priorities  = []lims.Priority{lims.PriorityRoutine, lims.PriorityRoutine, lims.PriorityNormal, lims.PriorityUrgent, lims.PrioritySTAT}
)

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces deterministic synthetic values.
type DataGenerator struct {
	rng *rand.Rand
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) randomPhone() string {
	return fmt.Sprintf("(%03d) %03d-%04d", 200+g.rng.Intn(800), 200+g.rng.Intn(800), g.rng.Intn(10000))
}

// PatientName returns a "Given Family" name.
func (g *DataGenerator) PatientName() string {
	return g.pick(givenNames) + " " + g.pick(familyNames)
}

// Client returns an unsaved client.
func (g *DataGenerator) Client() lims.Client {
	family := g.pick(familyNames)
	city := g.pick(cities)
	return lims.Client{
		Name:        fmt.Sprintf("%s %s", city, g.pick(clientKinds)),
		ContactName: "Dr " + family,
		Email:       fmt.Sprintf("lab@%s.example", lowerASCII(family)),
		Phone:       g.randomPhone(),
		Address:     fmt.Sprintf("%d %s Road", 1+g.rng.Intn(250), g.pick(familyNames)),
		City:        city,
	}
}

// Tests picks one to three distinct catalog tests.
func (g *DataGenerator) Tests() []testDef {
	n := 1 + g.rng.Intn(3)
	idx := g.rng.Perm(len(testCatalog))[:n]
	out := make([]testDef, 0, n)
	for _, i := range idx {
		out = append(out, testCatalog[i])
	}
	return out
}

// Value returns a measurement for a, outside the reference range roughly one
// time in five.
func (g *DataGenerator) Value(a analyteDef) string {
	span := a.High - a.Low
	var v float64
	switch r := g.rng.Float64(); {
	case r < 0.1 && a.Low > 0:
		v = a.Low - span*(0.05+0.2*g.rng.Float64())
	case r < 0.2:
		v = a.High + span*(0.05+0.3*g.rng.Float64())
	default:
		v = a.Low + span*(0.1+0.8*g.rng.Float64())
	}
	if v < 0 {
		v = 0
	}
	return strconv.FormatFloat(v, 'f', 1, 64)
}

// QCResult returns a control measurement around mean, occasionally outside
// two or three SD.
func (g *DataGenerator) QCResult(mean, sd float64) float64 {
	z := g.rng.NormFloat64()
	return mean + z*sd
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func formatBound(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Seeder populates a workflow engine with demo data.
type Seeder struct {
	engine    *lims.Service
	generator *DataGenerator
	config    SeedConfig
	logger    zerolog.Logger
	now       func() time.Time
}

// NewSeeder creates a Seeder for engine with the given config.
func NewSeeder(engine *lims.Service, config SeedConfig, logger zerolog.Logger) *Seeder {
	config = config.withDefaults()
	return &Seeder{
		engine:    engine,
		generator: NewDataGenerator(config.Seed),
		config:    config,
		logger:    logger.With().Str("component", "sandbox").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Seed creates reference data and walks samples through every workflow
// stage. It does nothing when the test catalog is already populated, so it
// is safe to run against a persistent store on every start.
func (s *Seeder) Seed(ctx context.Context) (*SeedResult, error) {
	start := time.Now()
	result := &SeedResult{}

	existing, err := s.engine.ListTests(ctx, lims.TestFilter{})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		result.Skipped = true
		s.logger.Info().Int("tests", len(existing)).Msg("catalog already populated, skipping seed")
		return result, nil
	}

	if err := s.seedReference(ctx, result); err != nil {
		return nil, err
	}
	clientIDs, err := s.seedClients(ctx, result)
	if err != nil {
		return nil, err
	}
	if err := s.seedSamples(ctx, clientIDs, result); err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	s.logger.Info().
		Int("clients", result.Clients).
		Int("samples", result.Samples).
		Int("results", result.Results).
		Int("worksheets", result.Worksheets).
		Dur("duration", result.Duration).
		Msg("sandbox data seeded")
	return result, nil
}

func (s *Seeder) seedReference(ctx context.Context, result *SeedResult) error {
	now := s.now()
	for _, t := range testCatalog {
		analytes := make([]string, 0, len(t.Analytes))
		for _, a := range t.Analytes {
			analytes = append(analytes, a.Name)
		}
		if _, err := s.engine.AddTest(ctx, lims.TestCatalogItem{
			Code:           t.Code,
			Name:           t.Name,
			Department:     t.Department,
			Method:         t.Method,
			SampleType:     t.SampleType,
			TurnaroundTime: t.TAT,
			Price:          t.Price,
			Analytes:       analytes,
		}, seedUser); err != nil {
			return fmt.Errorf("seed test %s: %w", t.Code, err)
		}
		result.Tests++
	}

	for _, inv := range inventoryPool {
		expiry := now.AddDate(0, 0, inv.ExpiryDays)
		if _, err := s.engine.AddInventoryItem(ctx, lims.InventoryItem{
			SKU:          inv.SKU,
			Name:         inv.Name,
			Category:     inv.Category,
			Unit:         inv.Unit,
			Location:     inv.Location,
			Lot:          fmt.Sprintf("L%05d", s.generator.rng.Intn(100000)),
			OnHand:       inv.OnHand,
			ReorderLevel: inv.ReorderLevel,
			Expiry:       &expiry,
		}, seedUser); err != nil {
			return fmt.Errorf("seed inventory %s: %w", inv.SKU, err)
		}
		result.InventoryItems++
	}

	n := s.config.InstrumentCount
	if n > len(instrumentPool) {
		n = len(instrumentPool)
	}
	for i := 0; i < n; i++ {
		def := instrumentPool[i]
		inst, err := s.engine.AddInstrument(ctx, lims.Instrument{Name: def.Name, Model: def.Model, Department: def.Department}, seedUser)
		if err != nil {
			return fmt.Errorf("seed instrument %s: %w", def.Name, err)
		}
		if i == n-1 && n > 1 {
			if _, err := s.engine.ToggleInstrumentStatus(ctx, inst.ID, seedUser); err != nil {
				return err
			}
		}
		result.Instruments++
	}

	for _, t := range testCatalog {
		a := t.Analytes[0]
		mean := a.Low + (a.High-a.Low)/2
		sd := (a.High - a.Low) / 6
		for run := 0; run < s.config.QCRunsPerTest; run++ {
			level := "L1"
			if run%2 == 1 {
				level = "L2"
			}
			if _, err := s.engine.RecordQC(ctx, lims.QCRecord{
				Date:     now.AddDate(0, 0, -run),
				Material: t.Code + " control",
				Test:     t.Code,
				Level:    level,
				Mean:     mean,
				SD:       sd,
				Result:   s.generator.QCResult(mean, sd),
			}, seedUser); err != nil {
				return fmt.Errorf("seed qc %s: %w", t.Code, err)
			}
			result.QCRecords++
		}
	}
	return nil
}

func (s *Seeder) seedClients(ctx context.Context, result *SeedResult) ([]string, error) {
	ids := make([]string, 0, s.config.ClientCount)
	for i := 0; i < s.config.ClientCount; i++ {
		c, err := s.engine.AddClient(ctx, s.generator.Client(), seedUser)
		if err != nil {
			return nil, fmt.Errorf("seed client: %w", err)
		}
		ids = append(ids, c.ID)
		result.Clients++
	}
	// One inactive client exercises the client filter.
	if len(ids) > 1 {
		if _, err := s.engine.ToggleClientActive(ctx, ids[len(ids)-1], seedUser); err != nil {
			return nil, err
		}
		ids = ids[:len(ids)-1]
	}
	return ids, nil
}

// Sample stages, in the order a sample is walked through them.
const (
	stageRegistered = iota
	stageReceived
	stageAssigned
	stageAnalysed
	stageVerified
	stagePublished
	stageCount
)

func (s *Seeder) seedSamples(ctx context.Context, clientIDs []string, result *SeedResult) error {
	now := s.now()
	worksheets := make(map[string]string)

	for i := 0; i < s.config.SampleCount; i++ {
		tests := s.generator.Tests()
		codes := make([]string, 0, len(tests))
		for _, t := range tests {
			codes = append(codes, t.Code)
		}
		clientID := ""
		if len(clientIDs) > 0 {
			clientID = clientIDs[i%len(clientIDs)]
		}
		sample, err := s.engine.AddSample(ctx, lims.Sample{
			Type:           tests[0].SampleType,
			ClientID:       clientID,
			PatientName:    s.generator.PatientName(),
			CollectionDate: now.Add(-time.Duration(1+s.generator.rng.Intn(72)) * time.Hour),
			Priority:       priorities[s.generator.rng.Intn(len(priorities))],
			RequestedTests: codes,
		}, seedUser)
		if err != nil {
			return fmt.Errorf("seed sample: %w", err)
		}
		result.Samples++

		stage := i % stageCount
		if stage < stageReceived {
			continue
		}
		if _, err := s.engine.ReceiveSample(ctx, sample.ID, seedUser); err != nil {
			return err
		}
		if stage < stageAssigned {
			continue
		}

		dept := tests[0].Department
		wsID, ok := worksheets[dept]
		if !ok {
			ws, err := s.engine.CreateWorksheet(ctx, lims.Worksheet{
				Template:   dept + " daily run",
				Department: dept,
				Analyst:    analysts[len(worksheets)%len(analysts)],
			}, seedUser)
			if err != nil {
				return fmt.Errorf("seed worksheet: %w", err)
			}
			wsID = ws.ID
			worksheets[dept] = wsID
			result.Worksheets++
		}
		if _, err := s.engine.AddSampleToWorksheet(ctx, wsID, sample.ID, seedUser); err != nil {
			return err
		}
		if stage < stageAnalysed {
			continue
		}

		var rows []lims.Result
		for _, t := range tests {
			for _, a := range t.Analytes {
				rows = append(rows, lims.Result{
					SampleID:      sample.ID,
					TestCode:      t.Code,
					Analyte:       a.Name,
					Value:         s.generator.Value(a),
					Unit:          a.Unit,
					ReferenceLow:  formatBound(a.Low),
					ReferenceHigh: formatBound(a.High),
				})
			}
		}
		added, err := s.engine.AddResults(ctx, rows, seedUser)
		if err != nil {
			return fmt.Errorf("seed results: %w", err)
		}
		result.Results += len(added)
		if stage < stageVerified {
			continue
		}

		verifier := s.generator.pick(verifiers)
		if _, err := s.engine.VerifySample(ctx, sample.ID, verifier, verifier); err != nil {
			return err
		}
		if stage < stagePublished {
			continue
		}
		if _, err := s.engine.PublishSample(ctx, sample.ID, verifier); err != nil {
			return err
		}
		result.Published++
	}
	return nil
}

// ---------------------------------------------------------------------------
// SeedHandler: echo HTTP handlers
// ---------------------------------------------------------------------------

// SeedHandler exposes seeding over HTTP for demo deployments.
type SeedHandler struct {
	engine *lims.Service
	logger zerolog.Logger
}

func NewSeedHandler(engine *lims.Service, logger zerolog.Logger) *SeedHandler {
	return &SeedHandler{engine: engine, logger: logger}
}

// RegisterRoutes registers the sandbox routes; only lab managers may seed.
func (h *SeedHandler) RegisterRoutes(g *echo.Group) {
	sg := g.Group("/sandbox", auth.RequireRole(auth.RoleLabManager))
	sg.POST("/seed", h.handleSeed)
}

func (h *SeedHandler) handleSeed(c echo.Context) error {
	var cfg SeedConfig
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&cfg); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid seed config: "+err.Error())
		}
	}
	if cfg.Seed == 0 {
		cfg.Seed = DefaultSeedConfig().Seed
	}
	result, err := NewSeeder(h.engine, cfg, h.logger).Seed(c.Request().Context())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}
