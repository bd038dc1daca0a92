package lims

import "time"

// SampleStatus is the position of a sample in the laboratory workflow.
type SampleStatus string

const (
	SampleRegistered SampleStatus = "registered"
	SampleReceived   SampleStatus = "received"
	SampleAssigned   SampleStatus = "assigned"
	SampleAnalysed   SampleStatus = "analysed"
	SampleVerified   SampleStatus = "verified"
	SamplePublished  SampleStatus = "published"
)

// Priority is the urgency requested for a sample.
type Priority string

const (
	PrioritySTAT    Priority = "STAT"
	PriorityUrgent  Priority = "URGENT"
	PriorityRoutine Priority = "ROUTINE"
	PriorityNormal  Priority = "NORMAL"
)

func (p Priority) Valid() bool {
	switch p {
	case PrioritySTAT, PriorityUrgent, PriorityRoutine, PriorityNormal:
		return true
	}
	return false
}

// WorksheetStatus is the position of a worksheet in its batch lifecycle.
type WorksheetStatus string

const (
	WorksheetOpen         WorksheetStatus = "open"
	WorksheetToBeVerified WorksheetStatus = "to_be_verified"
	WorksheetVerified     WorksheetStatus = "verified"
	WorksheetClosed       WorksheetStatus = "closed"
)

// ResultStatus tracks whether a result row has been signed off.
type ResultStatus string

const (
	ResultPending  ResultStatus = "pending"
	ResultVerified ResultStatus = "verified"
)

// Flag classifies a numeric result against its reference range.
type Flag string

const (
	FlagNormal Flag = "NORMAL"
	FlagHigh   Flag = "HIGH"
	FlagLow    Flag = "LOW"
)

// StockStatus is derived from on-hand quantity and reorder level.
type StockStatus string

const (
	StockOK  StockStatus = "ok"
	StockLow StockStatus = "low"
	StockOut StockStatus = "out"
)

// QCStatus is the judgement recorded for a QC run.
type QCStatus string

const (
	QCPass QCStatus = "pass"
	QCWarn QCStatus = "warn"
	QCFail QCStatus = "fail"
)

func (s QCStatus) Valid() bool {
	switch s {
	case QCPass, QCWarn, QCFail:
		return true
	}
	return false
}

// InstrumentStatus is the availability of an analyzer.
type InstrumentStatus string

const (
	InstrumentOnline      InstrumentStatus = "online"
	InstrumentOffline     InstrumentStatus = "offline"
	InstrumentMaintenance InstrumentStatus = "maintenance"
)

// Sample is a specimen registered for testing. WorksheetID is a lookup into
// the worksheet collection, not an ownership link.
type Sample struct {
	ID             string       `json:"id"`
	Type           string       `json:"type"`
	ClientID       string       `json:"client_id"`
	PatientName    string       `json:"patient_name"`
	CollectionDate time.Time    `json:"collection_date"`
	Priority       Priority     `json:"priority"`
	Status         SampleStatus `json:"status"`
	RequestedTests []string     `json:"requested_tests"`
	Analyst        *string      `json:"analyst,omitempty"`
	WorksheetID    *string      `json:"worksheet_id,omitempty"`
	ReceivedAt     *time.Time   `json:"received_at,omitempty"`
	PublishedAt    *time.Time   `json:"published_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Worksheet groups samples processed together by one analyst.
type Worksheet struct {
	ID          string          `json:"id"`
	Template    string          `json:"template"`
	Department  string          `json:"department"`
	Analyst     string          `json:"analyst"`
	Notes       string          `json:"notes,omitempty"`
	SampleIDs   []string        `json:"sample_ids"`
	Status      WorksheetStatus `json:"status"`
	CreatedDate time.Time       `json:"created_date"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (w Worksheet) hasSample(sampleID string) bool {
	for _, id := range w.SampleIDs {
		if id == sampleID {
			return true
		}
	}
	return false
}

// Result is one analyte measurement for a sample. Value and the reference
// bounds are kept as entered; Flag is derived from them.
type Result struct {
	ID            string       `json:"id"`
	SampleID      string       `json:"sample_id"`
	TestCode      string       `json:"test_code"`
	Analyte       string       `json:"analyte"`
	Value         string       `json:"value"`
	Unit          string       `json:"unit,omitempty"`
	ReferenceLow  string       `json:"reference_low,omitempty"`
	ReferenceHigh string       `json:"reference_high,omitempty"`
	Flag          Flag         `json:"flag"`
	Status        ResultStatus `json:"status"`
	Analyst       string       `json:"analyst,omitempty"`
	EnteredAt     time.Time    `json:"entered_at"`
	VerifiedBy    *string      `json:"verified_by,omitempty"`
	VerifiedAt    *time.Time   `json:"verified_at,omitempty"`
}

// Client is a referring organisation or practice.
type Client struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContactName string    `json:"contact_name,omitempty"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Address     string    `json:"address,omitempty"`
	City        string    `json:"city,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// InventoryItem is a stocked reagent or consumable.
type InventoryItem struct {
	ID           string     `json:"id"`
	SKU          string     `json:"sku"`
	Name         string     `json:"name"`
	Category     string     `json:"category,omitempty"`
	Unit         string     `json:"unit,omitempty"`
	Location     string     `json:"location,omitempty"`
	Lot          string     `json:"lot,omitempty"`
	OnHand       int        `json:"on_hand"`
	ReorderLevel int        `json:"reorder_level"`
	Expiry       *time.Time `json:"expiry,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TestCatalogItem is reference data describing an orderable test.
type TestCatalogItem struct {
	Code           string    `json:"code"`
	Name           string    `json:"name"`
	Department     string    `json:"department"`
	Method         string    `json:"method,omitempty"`
	SampleType     string    `json:"sample_type,omitempty"`
	TurnaroundTime string    `json:"turnaround_time,omitempty"`
	Price          float64   `json:"price"`
	Analytes       []string  `json:"analytes"`
	CreatedAt      time.Time `json:"created_at"`
}

// Instrument is a laboratory analyzer.
type Instrument struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Model      string           `json:"model,omitempty"`
	Department string           `json:"department,omitempty"`
	Status     InstrumentStatus `json:"status"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// QCRecord is one quality-control measurement of a control material.
type QCRecord struct {
	ID       string    `json:"id"`
	Date     time.Time `json:"date"`
	Material string    `json:"material"`
	Test     string    `json:"test"`
	Level    string    `json:"level"`
	Mean     float64   `json:"mean"`
	SD       float64   `json:"sd"`
	Result   float64   `json:"result"`
	Status   QCStatus  `json:"status"`
}

// AuditLogEntry is write-once.
type AuditLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	User      string    `json:"user"`
	SampleID  *string   `json:"sample_id,omitempty"`
}

// Settings holds lab-wide configuration editable from the UI.
type Settings struct {
	LabName          string   `json:"lab_name"`
	Address          string   `json:"address,omitempty"`
	Phone            string   `json:"phone,omitempty"`
	Email            string   `json:"email,omitempty"`
	DefaultPriority  Priority `json:"default_priority"`
	ExpiryWindowDays int      `json:"expiry_window_days"`
	QCWarnZ          float64  `json:"qc_warn_z"`
	QCFailZ          float64  `json:"qc_fail_z"`
}

// DefaultSettings returns the settings used before anything is configured.
func DefaultSettings() Settings {
	return Settings{
		LabName:          "Clinical Laboratory",
		DefaultPriority:  PriorityRoutine,
		ExpiryWindowDays: 45,
		QCWarnZ:          2,
		QCFailZ:          3,
	}
}

// SettingsPatch carries a partial settings update; nil fields are left alone.
type SettingsPatch struct {
	LabName          *string   `json:"lab_name,omitempty"`
	Address          *string   `json:"address,omitempty"`
	Phone            *string   `json:"phone,omitempty"`
	Email            *string   `json:"email,omitempty"`
	DefaultPriority  *Priority `json:"default_priority,omitempty"`
	ExpiryWindowDays *int      `json:"expiry_window_days,omitempty"`
	QCWarnZ          *float64  `json:"qc_warn_z,omitempty"`
	QCFailZ          *float64  `json:"qc_fail_z,omitempty"`
}

// -- Read projections carrying derived values --

// WorksheetView is a worksheet with its progress computed at read time.
type WorksheetView struct {
	Worksheet
	Progress int `json:"progress"`
}

// InventoryView is an inventory item with derived stock fields.
type InventoryView struct {
	InventoryItem
	StockStatus  StockStatus `json:"stock_status"`
	ExpiringSoon bool        `json:"expiring_soon"`
}

// QCView is a QC record with its z-score and the status the z-score suggests.
type QCView struct {
	QCRecord
	ZScore          float64  `json:"z_score"`
	SuggestedStatus QCStatus `json:"suggested_status"`
}

// SampleDetail is a sample together with its result rows.
type SampleDetail struct {
	Sample
	Results []Result `json:"results"`
}

// Summary is the dashboard rollup.
type Summary struct {
	SamplesByStatus    map[SampleStatus]int `json:"samples_by_status"`
	PendingResults     int                  `json:"pending_results"`
	AbnormalResults    int                  `json:"abnormal_results"`
	OpenWorksheets     int                  `json:"open_worksheets"`
	LowStockItems      int                  `json:"low_stock_items"`
	OutOfStockItems    int                  `json:"out_of_stock_items"`
	ExpiringItems      int                  `json:"expiring_items"`
	OfflineInstruments int                  `json:"offline_instruments"`
	ActiveClients      int                  `json:"active_clients"`
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
