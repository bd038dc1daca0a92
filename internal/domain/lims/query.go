package lims

import (
	"context"
	"strings"
	"time"
)

// SampleFilter narrows a sample listing. Zero fields match everything.
type SampleFilter struct {
	Status   SampleStatus
	Priority Priority
	ClientID string
	Text     string
	From     *time.Time
	To       *time.Time
}

func (f SampleFilter) match(s Sample) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Priority != "" && s.Priority != f.Priority {
		return false
	}
	if f.ClientID != "" && s.ClientID != f.ClientID {
		return false
	}
	if f.From != nil && s.CollectionDate.Before(*f.From) {
		return false
	}
	if f.To != nil && s.CollectionDate.After(*f.To) {
		return false
	}
	if f.Text != "" {
		fields := append([]string{s.ID, s.PatientName, s.Type}, s.RequestedTests...)
		return containsFold(f.Text, fields...)
	}
	return true
}

// ResultFilter narrows a result listing.
type ResultFilter struct {
	SampleID    string
	Status      ResultStatus
	Flag        Flag
	WorksheetID string
}

// WorksheetFilter narrows a worksheet listing.
type WorksheetFilter struct {
	Status     WorksheetStatus
	Department string
	Analyst    string
}

// ClientFilter narrows a client listing.
type ClientFilter struct {
	Active *bool
	Text   string
}

// TestFilter narrows a catalog listing.
type TestFilter struct {
	Department string
	Text       string
}

// InventoryFilter narrows an inventory listing.
type InventoryFilter struct {
	StockStatus  StockStatus
	ExpiringOnly bool
	Text         string
}

// QCFilter narrows a QC listing.
type QCFilter struct {
	Test     string
	Material string
	From     *time.Time
	To       *time.Time
}

// AuditFilter narrows the audit log.
type AuditFilter struct {
	SampleID string
	User     string
}

func containsFold(needle string, haystack ...string) bool {
	needle = strings.ToLower(strings.TrimSpace(needle))
	for _, h := range haystack {
		if strings.Contains(strings.ToLower(h), needle) {
			return true
		}
	}
	return false
}

// -- Queries --

func (s *Service) ListSamples(ctx context.Context, f SampleFilter) ([]Sample, error) {
	out := []Sample{}
	err := s.view(ctx, func(v View) error {
		for _, smp := range v.Samples() {
			if f.match(smp) {
				out = append(out, smp)
			}
		}
		return nil
	})
	return out, err
}

// GetSample returns a sample with its results.
func (s *Service) GetSample(ctx context.Context, id string) (SampleDetail, error) {
	var out SampleDetail
	err := s.view(ctx, func(v View) error {
		smp, ok := v.FindSample(id)
		if !ok {
			return notFound("sample", id)
		}
		results := resultsForSample(v, id)
		if results == nil {
			results = []Result{}
		}
		out = SampleDetail{Sample: smp, Results: results}
		return nil
	})
	return out, err
}

func (s *Service) ListResults(ctx context.Context, f ResultFilter) ([]Result, error) {
	out := []Result{}
	err := s.view(ctx, func(v View) error {
		var members map[string]struct{}
		if f.WorksheetID != "" {
			ws, ok := v.FindWorksheet(f.WorksheetID)
			if !ok {
				return notFound("worksheet", f.WorksheetID)
			}
			members = make(map[string]struct{}, len(ws.SampleIDs))
			for _, id := range ws.SampleIDs {
				members[id] = struct{}{}
			}
		}
		for _, r := range v.Results() {
			if f.SampleID != "" && r.SampleID != f.SampleID {
				continue
			}
			if f.Status != "" && r.Status != f.Status {
				continue
			}
			if f.Flag != "" && r.Flag != f.Flag {
				continue
			}
			if members != nil {
				if _, ok := members[r.SampleID]; !ok {
					continue
				}
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (s *Service) ListWorksheets(ctx context.Context, f WorksheetFilter) ([]WorksheetView, error) {
	out := []WorksheetView{}
	err := s.view(ctx, func(v View) error {
		results := v.Results()
		for _, ws := range v.Worksheets() {
			if f.Status != "" && ws.Status != f.Status {
				continue
			}
			if f.Department != "" && !strings.EqualFold(ws.Department, f.Department) {
				continue
			}
			if f.Analyst != "" && !strings.EqualFold(ws.Analyst, f.Analyst) {
				continue
			}
			out = append(out, WorksheetView{Worksheet: ws, Progress: WorksheetProgress(ws, results)})
		}
		return nil
	})
	return out, err
}

func (s *Service) GetWorksheet(ctx context.Context, id string) (WorksheetView, error) {
	var out WorksheetView
	err := s.view(ctx, func(v View) error {
		ws, ok := v.FindWorksheet(id)
		if !ok {
			return notFound("worksheet", id)
		}
		out = WorksheetView{Worksheet: ws, Progress: WorksheetProgress(ws, v.Results())}
		return nil
	})
	return out, err
}

// WorksheetResults returns the results of the worksheet's samples.
func (s *Service) WorksheetResults(ctx context.Context, id string) ([]Result, error) {
	return s.ListResults(ctx, ResultFilter{WorksheetID: id})
}

func (s *Service) ListClients(ctx context.Context, f ClientFilter) ([]Client, error) {
	out := []Client{}
	err := s.view(ctx, func(v View) error {
		for _, c := range v.Clients() {
			if f.Active != nil && c.Active != *f.Active {
				continue
			}
			if f.Text != "" && !containsFold(f.Text, c.Name, c.ContactName, c.Email, c.City) {
				continue
			}
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

func (s *Service) ListTests(ctx context.Context, f TestFilter) ([]TestCatalogItem, error) {
	out := []TestCatalogItem{}
	err := s.view(ctx, func(v View) error {
		for _, t := range v.Tests() {
			if f.Department != "" && !strings.EqualFold(t.Department, f.Department) {
				continue
			}
			if f.Text != "" && !containsFold(f.Text, t.Code, t.Name, t.Method) {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func (s *Service) GetTest(ctx context.Context, code string) (TestCatalogItem, error) {
	var out TestCatalogItem
	err := s.view(ctx, func(v View) error {
		t, ok := v.FindTest(code)
		if !ok {
			return notFound("test", code)
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Service) ListInventory(ctx context.Context, f InventoryFilter) ([]InventoryView, error) {
	out := []InventoryView{}
	err := s.view(ctx, func(v View) error {
		settings := v.Settings()
		for _, item := range v.InventoryItems() {
			iv := s.inventoryView(item, settings)
			if f.StockStatus != "" && iv.StockStatus != f.StockStatus {
				continue
			}
			if f.ExpiringOnly && !iv.ExpiringSoon {
				continue
			}
			if f.Text != "" && !containsFold(f.Text, item.SKU, item.Name, item.Category, item.Lot) {
				continue
			}
			out = append(out, iv)
		}
		return nil
	})
	return out, err
}

func (s *Service) GetInventoryItem(ctx context.Context, id string) (InventoryView, error) {
	var out InventoryView
	err := s.view(ctx, func(v View) error {
		item, ok := v.FindInventoryItem(id)
		if !ok {
			return notFound("inventory item", id)
		}
		out = s.inventoryView(item, v.Settings())
		return nil
	})
	return out, err
}

func (s *Service) ListInstruments(ctx context.Context) ([]Instrument, error) {
	var out []Instrument
	err := s.view(ctx, func(v View) error {
		out = v.Instruments()
		return nil
	})
	if out == nil {
		out = []Instrument{}
	}
	return out, err
}

func (s *Service) ListQC(ctx context.Context, f QCFilter) ([]QCView, error) {
	out := []QCView{}
	err := s.view(ctx, func(v View) error {
		th := thresholdsOf(v.Settings())
		for _, q := range v.QCRecords() {
			if f.Test != "" && !strings.EqualFold(q.Test, f.Test) {
				continue
			}
			if f.Material != "" && !strings.EqualFold(q.Material, f.Material) {
				continue
			}
			if f.From != nil && q.Date.Before(*f.From) {
				continue
			}
			if f.To != nil && q.Date.After(*f.To) {
				continue
			}
			out = append(out, qcView(q, th))
		}
		return nil
	})
	return out, err
}

// ListAudit returns audit entries newest first.
func (s *Service) ListAudit(ctx context.Context, f AuditFilter) ([]AuditLogEntry, error) {
	out := []AuditLogEntry{}
	err := s.view(ctx, func(v View) error {
		entries := v.AuditEntries()
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if f.SampleID != "" && (e.SampleID == nil || *e.SampleID != f.SampleID) {
				continue
			}
			if f.User != "" && e.User != f.User {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (s *Service) GetSettings(ctx context.Context) (Settings, error) {
	var out Settings
	err := s.view(ctx, func(v View) error {
		out = v.Settings()
		return nil
	})
	return out, err
}

// Summary computes the dashboard rollup from a single snapshot.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	sum := Summary{SamplesByStatus: make(map[SampleStatus]int, len(sampleSequence))}
	for _, st := range sampleSequence {
		sum.SamplesByStatus[st] = 0
	}
	err := s.view(ctx, func(v View) error {
		settings := v.Settings()
		for _, smp := range v.Samples() {
			sum.SamplesByStatus[smp.Status]++
		}
		for _, r := range v.Results() {
			if r.Status == ResultPending {
				sum.PendingResults++
			}
			if r.Flag != FlagNormal {
				sum.AbnormalResults++
			}
		}
		for _, ws := range v.Worksheets() {
			if ws.Status == WorksheetOpen {
				sum.OpenWorksheets++
			}
		}
		for _, item := range v.InventoryItems() {
			iv := s.inventoryView(item, settings)
			switch iv.StockStatus {
			case StockLow:
				sum.LowStockItems++
			case StockOut:
				sum.OutOfStockItems++
			}
			if iv.ExpiringSoon {
				sum.ExpiringItems++
			}
		}
		for _, inst := range v.Instruments() {
			if inst.Status != InstrumentOnline {
				sum.OfflineInstruments++
			}
		}
		for _, c := range v.Clients() {
			if c.Active {
				sum.ActiveClients++
			}
		}
		return nil
	})
	return sum, err
}
