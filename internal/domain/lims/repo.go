package lims

import "context"

// View is a read-only, consistent snapshot of the engine's collections.
// List methods return copies in insertion order.
type View interface {
	Samples() []Sample
	FindSample(id string) (Sample, bool)
	Results() []Result
	FindResult(id string) (Result, bool)
	Worksheets() []Worksheet
	FindWorksheet(id string) (Worksheet, bool)
	Clients() []Client
	FindClient(id string) (Client, bool)
	Tests() []TestCatalogItem
	FindTest(code string) (TestCatalogItem, bool)
	InventoryItems() []InventoryItem
	FindInventoryItem(id string) (InventoryItem, bool)
	Instruments() []Instrument
	FindInstrument(id string) (Instrument, bool)
	QCRecords() []QCRecord
	AuditEntries() []AuditLogEntry
	Settings() Settings
}

// Transaction is a mutable unit of work. Put methods insert or replace by ID;
// a new ID is appended to the collection order. Audit entries can only be
// appended.
type Transaction interface {
	View
	PutSample(s Sample)
	PutResult(r Result)
	PutWorksheet(w Worksheet)
	PutClient(c Client)
	PutTest(t TestCatalogItem)
	PutInventoryItem(i InventoryItem)
	PutInstrument(i Instrument)
	PutQCRecord(q QCRecord)
	AppendAudit(e AuditLogEntry)
	PutSettings(s Settings)
}

// Store owns the entity collections. RunInTransaction commits everything fn
// did, or nothing if fn returns an error.
type Store interface {
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error
	View(ctx context.Context, fn func(v View) error) error
}
