package memory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lims/lims/internal/domain/lims"
)

// Snapshot is the serialisable form of the store. Slices keep insertion order.
type Snapshot struct {
	Samples     []lims.Sample          `json:"samples"`
	Results     []lims.Result          `json:"results"`
	Worksheets  []lims.Worksheet       `json:"worksheets"`
	Clients     []lims.Client          `json:"clients"`
	Tests       []lims.TestCatalogItem `json:"tests"`
	Inventory   []lims.InventoryItem   `json:"inventory"`
	Instruments []lims.Instrument      `json:"instruments"`
	QC          []lims.QCRecord        `json:"qc"`
	Audit       []lims.AuditLogEntry   `json:"audit"`
	Settings    *lims.Settings         `json:"settings,omitempty"`
}

// Buckets lists the persisted bucket names, one per collection.
var Buckets = []string{
	"samples", "results", "worksheets", "clients", "tests",
	"inventory", "instruments", "qc", "audit", "settings",
}

func (snap *Snapshot) target(bucket string) (interface{}, bool) {
	switch bucket {
	case "samples":
		return &snap.Samples, true
	case "results":
		return &snap.Results, true
	case "worksheets":
		return &snap.Worksheets, true
	case "clients":
		return &snap.Clients, true
	case "tests":
		return &snap.Tests, true
	case "inventory":
		return &snap.Inventory, true
	case "instruments":
		return &snap.Instruments, true
	case "qc":
		return &snap.QC, true
	case "audit":
		return &snap.Audit, true
	case "settings":
		return &snap.Settings, true
	}
	return nil, false
}

// EncodeBuckets marshals each collection of snap to JSON, keyed by bucket.
func EncodeBuckets(snap Snapshot) (map[string][]byte, error) {
	out := make(map[string][]byte, len(Buckets))
	for _, bucket := range Buckets {
		target, _ := snap.target(bucket)
		data, err := json.Marshal(target)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", bucket, err)
		}
		out[bucket] = data
	}
	return out, nil
}

// DecodeBuckets rebuilds a snapshot from persisted buckets. Unknown buckets
// and empty payloads are skipped.
func DecodeBuckets(payloads map[string][]byte) (Snapshot, error) {
	var snap Snapshot
	for bucket, data := range payloads {
		if len(data) == 0 {
			continue
		}
		target, ok := snap.target(bucket)
		if !ok {
			continue
		}
		if err := json.Unmarshal(data, target); err != nil {
			return Snapshot{}, fmt.Errorf("decode %s: %w", bucket, err)
		}
	}
	return snap, nil
}

// MarshalSnapshot encodes snap as a single indented JSON document.
func MarshalSnapshot(snap Snapshot) ([]byte, error) {
	return json.MarshalIndent(snap, "", "  ")
}

func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (st state) snapshot() Snapshot {
	settings := st.settings
	audit := make([]lims.AuditLogEntry, len(st.audit))
	for i, e := range st.audit {
		audit[i] = cloneAudit(e)
	}
	return Snapshot{
		Samples:     st.samples.list(),
		Results:     st.results.list(),
		Worksheets:  st.worksheets.list(),
		Clients:     st.clients.list(),
		Tests:       st.tests.list(),
		Inventory:   st.inventory.list(),
		Instruments: st.instruments.list(),
		QC:          st.qc.list(),
		Audit:       audit,
		Settings:    &settings,
	}
}

func stateFromSnapshot(snap Snapshot) state {
	st := newState()
	for _, v := range snap.Samples {
		st.samples.put(v.ID, v)
	}
	for _, v := range snap.Results {
		st.results.put(v.ID, v)
	}
	for _, v := range snap.Worksheets {
		st.worksheets.put(v.ID, v)
	}
	for _, v := range snap.Clients {
		st.clients.put(v.ID, v)
	}
	for _, v := range snap.Tests {
		st.tests.put(v.Code, v)
	}
	for _, v := range snap.Inventory {
		st.inventory.put(v.ID, v)
	}
	for _, v := range snap.Instruments {
		st.instruments.put(v.ID, v)
	}
	for _, v := range snap.QC {
		st.qc.put(v.ID, v)
	}
	for _, e := range snap.Audit {
		st.audit = append(st.audit, cloneAudit(e))
	}
	if snap.Settings != nil {
		st.settings = *snap.Settings
	}
	return st
}

// -- clone helpers --

func identity[T any](v T) T { return v }

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneSample(s lims.Sample) lims.Sample {
	s.RequestedTests = cloneStrings(s.RequestedTests)
	s.Analyst = cloneStringPtr(s.Analyst)
	s.WorksheetID = cloneStringPtr(s.WorksheetID)
	s.ReceivedAt = cloneTimePtr(s.ReceivedAt)
	s.PublishedAt = cloneTimePtr(s.PublishedAt)
	return s
}

func cloneResult(r lims.Result) lims.Result {
	r.VerifiedBy = cloneStringPtr(r.VerifiedBy)
	r.VerifiedAt = cloneTimePtr(r.VerifiedAt)
	return r
}

func cloneWorksheet(w lims.Worksheet) lims.Worksheet {
	w.SampleIDs = cloneStrings(w.SampleIDs)
	return w
}

func cloneTest(t lims.TestCatalogItem) lims.TestCatalogItem {
	t.Analytes = cloneStrings(t.Analytes)
	return t
}

func cloneInventoryItem(i lims.InventoryItem) lims.InventoryItem {
	i.Expiry = cloneTimePtr(i.Expiry)
	return i
}

func cloneAudit(e lims.AuditLogEntry) lims.AuditLogEntry {
	e.SampleID = cloneStringPtr(e.SampleID)
	return e
}
