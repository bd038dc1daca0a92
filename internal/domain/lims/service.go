package lims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/websocket"
)

// Topics published on the websocket hub after a command commits.
const (
	TopicSamples     = "samples"
	TopicResults     = "results"
	TopicWorksheets  = "worksheets"
	TopicClients     = "clients"
	TopicTests       = "tests"
	TopicInventory   = "inventory"
	TopicInstruments = "instruments"
	TopicQC          = "qc"
	TopicAudit       = "audit"
	TopicSettings    = "settings"
)

const systemUser = "system"

// CommandObserver is notified of every command outcome.
type CommandObserver interface {
	ObserveCommand(command string, err error)
}

// Service is the laboratory workflow engine. Every command runs in a single
// store transaction, so a rejected command leaves no partial effects.
type Service struct {
	store    Store
	logger   zerolog.Logger
	events   websocket.EventPublisher
	observer CommandObserver
	now      func() time.Time
	newID    func() string
}

// NewService creates the engine over store. Events and metrics are off until
// a publisher and observer are attached.
func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.With().Str("component", "lims").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// SetEventPublisher attaches an optional publisher for change events.
func (s *Service) SetEventPublisher(p websocket.EventPublisher) {
	s.events = p
}

// SetCommandObserver attaches an optional observer of command outcomes.
func (s *Service) SetCommandObserver(o CommandObserver) {
	s.observer = o
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) run(ctx context.Context, command string, fn func(tx Transaction) error) error {
	err := s.store.RunInTransaction(ctx, fn)
	if s.observer != nil {
		s.observer.ObserveCommand(command, err)
	}
	switch {
	case err == nil:
		s.logger.Debug().Str("command", command).Msg("command committed")
	case isDomainError(err):
		s.logger.Info().Err(err).Str("command", command).Msg("command rejected")
	default:
		s.logger.Error().Err(err).Str("command", command).Msg("command failed")
	}
	return err
}

func (s *Service) view(ctx context.Context, fn func(v View) error) error {
	return s.store.View(ctx, fn)
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrPrecondition) ||
		errors.Is(err, ErrDuplicate)
}

func (s *Service) publish(ctx context.Context, topic, eventType, entityID string, data interface{}) {
	if s.events == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("encode event")
		return
	}
	evt := websocket.Event{
		Type:      eventType,
		Topic:     topic,
		EntityID:  entityID,
		Timestamp: s.now(),
		Data:      raw,
	}
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("publish event")
	}
}

func (s *Service) audit(tx Transaction, event, user string, sampleID *string) AuditLogEntry {
	if user == "" {
		user = systemUser
	}
	e := AuditLogEntry{
		ID:        s.newID(),
		Timestamp: s.now(),
		Event:     event,
		User:      user,
		SampleID:  sampleID,
	}
	tx.AppendAudit(e)
	return e
}

func resultsForSample(v View, sampleID string) []Result {
	var out []Result
	for _, r := range v.Results() {
		if r.SampleID == sampleID {
			out = append(out, r)
		}
	}
	return out
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// -- Sample Lifecycle --

// AddSample registers a new sample. Status always starts at registered.
func (s *Service) AddSample(ctx context.Context, in Sample, user string) (Sample, error) {
	var created Sample
	err := s.run(ctx, "add_sample", func(tx Transaction) error {
		if strings.TrimSpace(in.Type) == "" {
			return invalid("sample type is required")
		}
		if strings.TrimSpace(in.PatientName) == "" {
			return invalid("patient name is required")
		}
		tests := dedupe(in.RequestedTests)
		if len(tests) == 0 {
			return invalid("at least one requested test is required")
		}
		if in.ClientID != "" {
			if _, ok := tx.FindClient(in.ClientID); !ok {
				return notFound("client", in.ClientID)
			}
		}
		if in.Priority == "" {
			in.Priority = tx.Settings().DefaultPriority
		}
		if !in.Priority.Valid() {
			return invalid("invalid priority: %s", in.Priority)
		}
		if in.ID == "" {
			in.ID = s.newID()
		} else if _, exists := tx.FindSample(in.ID); exists {
			return fmt.Errorf("%w: sample %q", ErrDuplicate, in.ID)
		}
		now := s.now()
		if in.CollectionDate.IsZero() {
			in.CollectionDate = now
		}
		created = Sample{
			ID:             in.ID,
			Type:           strings.TrimSpace(in.Type),
			ClientID:       in.ClientID,
			PatientName:    strings.TrimSpace(in.PatientName),
			CollectionDate: in.CollectionDate.UTC(),
			Priority:       in.Priority,
			Status:         SampleRegistered,
			RequestedTests: tests,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		tx.PutSample(created)
		s.audit(tx, fmt.Sprintf("Sample %s registered", created.ID), user, strPtr(created.ID))
		return nil
	})
	if err != nil {
		return Sample{}, err
	}
	s.publish(ctx, TopicSamples, "sample.registered", created.ID, created)
	return created, nil
}

func (s *Service) receiveInTx(tx Transaction, sample Sample, user string) (Sample, error) {
	next, err := nextSampleStatus(actionReceive, sample.Status)
	if err != nil {
		return sample, err
	}
	now := s.now()
	sample.Status = next
	sample.ReceivedAt = timePtr(now)
	sample.UpdatedAt = now
	tx.PutSample(sample)
	s.audit(tx, fmt.Sprintf("Sample %s received", sample.ID), user, strPtr(sample.ID))
	return sample, nil
}

// ReceiveSample moves a registered sample to received.
func (s *Service) ReceiveSample(ctx context.Context, id, user string) (Sample, error) {
	var out Sample
	err := s.run(ctx, "receive_sample", func(tx Transaction) error {
		sample, ok := tx.FindSample(id)
		if !ok {
			return notFound("sample", id)
		}
		var err error
		out, err = s.receiveInTx(tx, sample, user)
		return err
	})
	if err != nil {
		return Sample{}, err
	}
	s.publish(ctx, TopicSamples, "sample.received", out.ID, out)
	return out, nil
}

// ReceiveAllRegistered receives every registered sample in one transaction.
func (s *Service) ReceiveAllRegistered(ctx context.Context, user string) ([]Sample, error) {
	var received []Sample
	err := s.run(ctx, "receive_all_samples", func(tx Transaction) error {
		received = nil
		for _, sample := range tx.Samples() {
			if sample.Status != SampleRegistered {
				continue
			}
			out, err := s.receiveInTx(tx, sample, user)
			if err != nil {
				return err
			}
			received = append(received, out)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, smp := range received {
		s.publish(ctx, TopicSamples, "sample.received", smp.ID, smp)
	}
	return received, nil
}

// AssignAnalyst sets the analyst of a sample that is not yet published.
// The sample status is not changed.
func (s *Service) AssignAnalyst(ctx context.Context, id, analyst, user string) (Sample, error) {
	var out Sample
	err := s.run(ctx, "assign_analyst", func(tx Transaction) error {
		analyst = strings.TrimSpace(analyst)
		if analyst == "" {
			return invalid("analyst is required")
		}
		sample, ok := tx.FindSample(id)
		if !ok {
			return notFound("sample", id)
		}
		if sample.Status == SamplePublished {
			return fmt.Errorf("%w: published samples cannot be reassigned", ErrInvalidTransition)
		}
		sample.Analyst = strPtr(analyst)
		sample.UpdatedAt = s.now()
		tx.PutSample(sample)
		s.audit(tx, fmt.Sprintf("Analyst %s assigned to sample %s", analyst, sample.ID), user, strPtr(sample.ID))
		out = sample
		return nil
	})
	if err != nil {
		return Sample{}, err
	}
	s.publish(ctx, TopicSamples, "sample.analyst_assigned", out.ID, out)
	return out, nil
}

// AddResults appends pending result rows and advances their samples to
// analysed. The batch is all or nothing.
func (s *Service) AddResults(ctx context.Context, rows []Result, user string) ([]Result, error) {
	var added []Result
	err := s.run(ctx, "add_results", func(tx Transaction) error {
		added = nil
		if len(rows) == 0 {
			return invalid("no result rows supplied")
		}
		touched := make(map[string]struct{})
		for i, row := range rows {
			if strings.TrimSpace(row.Analyte) == "" {
				return invalid("row %d: analyte is required", i)
			}
			if strings.TrimSpace(row.Value) == "" {
				return invalid("row %d: value is required", i)
			}
			sample, ok := tx.FindSample(row.SampleID)
			if !ok {
				return notFound("sample", row.SampleID)
			}
			next, err := nextSampleStatus(actionRecordResults, sample.Status)
			if err != nil {
				return fmt.Errorf("sample %s: %w", sample.ID, err)
			}
			now := s.now()
			if sample.Status != next {
				sample.Status = next
				sample.UpdatedAt = now
				tx.PutSample(sample)
			}
			analyst := row.Analyst
			if analyst == "" && sample.Analyst != nil {
				analyst = *sample.Analyst
			}
			if analyst == "" {
				analyst = user
			}
			r := Result{
				ID:            row.ID,
				SampleID:      sample.ID,
				TestCode:      strings.TrimSpace(row.TestCode),
				Analyte:       strings.TrimSpace(row.Analyte),
				Value:         strings.TrimSpace(row.Value),
				Unit:          row.Unit,
				ReferenceLow:  strings.TrimSpace(row.ReferenceLow),
				ReferenceHigh: strings.TrimSpace(row.ReferenceHigh),
				Status:        ResultPending,
				Analyst:       analyst,
				EnteredAt:     now,
			}
			if r.ID == "" {
				r.ID = s.newID()
			} else if _, exists := tx.FindResult(r.ID); exists {
				return fmt.Errorf("%w: result %q", ErrDuplicate, r.ID)
			}
			r.Flag = ComputeFlag(r.Value, r.ReferenceLow, r.ReferenceHigh)
			tx.PutResult(r)
			added = append(added, r)
			touched[sample.ID] = struct{}{}
		}
		for _, r := range added {
			if _, ok := touched[r.SampleID]; !ok {
				continue
			}
			delete(touched, r.SampleID)
			s.audit(tx, fmt.Sprintf("Results entered for sample %s", r.SampleID), user, strPtr(r.SampleID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range added {
		s.publish(ctx, TopicResults, "result.entered", r.ID, r)
	}
	return added, nil
}

// ResultPatch carries corrections to a pending result.
type ResultPatch struct {
	Value         *string `json:"value,omitempty"`
	Unit          *string `json:"unit,omitempty"`
	ReferenceLow  *string `json:"reference_low,omitempty"`
	ReferenceHigh *string `json:"reference_high,omitempty"`
}

// UpdateResult corrects a pending result and recomputes its flag.
func (s *Service) UpdateResult(ctx context.Context, id string, patch ResultPatch, user string) (Result, error) {
	var out Result
	err := s.run(ctx, "update_result", func(tx Transaction) error {
		r, ok := tx.FindResult(id)
		if !ok {
			return notFound("result", id)
		}
		if r.Status != ResultPending {
			return fmt.Errorf("%w: verified results cannot be changed", ErrInvalidTransition)
		}
		if patch.Value != nil {
			v := strings.TrimSpace(*patch.Value)
			if v == "" {
				return invalid("value is required")
			}
			r.Value = v
		}
		if patch.Unit != nil {
			r.Unit = *patch.Unit
		}
		if patch.ReferenceLow != nil {
			r.ReferenceLow = strings.TrimSpace(*patch.ReferenceLow)
		}
		if patch.ReferenceHigh != nil {
			r.ReferenceHigh = strings.TrimSpace(*patch.ReferenceHigh)
		}
		r.Flag = ComputeFlag(r.Value, r.ReferenceLow, r.ReferenceHigh)
		tx.PutResult(r)
		s.audit(tx, fmt.Sprintf("Result %s (%s) corrected", r.ID, r.Analyte), user, strPtr(r.SampleID))
		out = r
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	s.publish(ctx, TopicResults, "result.updated", out.ID, out)
	return out, nil
}

// VerifySample verifies every pending result of a sample and moves the
// sample to verified. It is rejected when the sample has no results.
func (s *Service) VerifySample(ctx context.Context, id, verifiedBy, user string) (SampleDetail, error) {
	if verifiedBy == "" {
		verifiedBy = user
	}
	var out SampleDetail
	err := s.run(ctx, "verify_sample", func(tx Transaction) error {
		sample, ok := tx.FindSample(id)
		if !ok {
			return notFound("sample", id)
		}
		results := resultsForSample(tx, id)
		if len(results) == 0 {
			return fmt.Errorf("%w: no results found for sample %s", ErrPrecondition, id)
		}
		next, err := nextSampleStatus(actionVerify, sample.Status)
		if err != nil {
			return err
		}
		now := s.now()
		for i, r := range results {
			if r.Status != ResultPending {
				continue
			}
			r.Status = ResultVerified
			r.VerifiedBy = strPtr(verifiedBy)
			r.VerifiedAt = timePtr(now)
			tx.PutResult(r)
			results[i] = r
		}
		sample.Status = next
		sample.UpdatedAt = now
		tx.PutSample(sample)
		s.audit(tx, fmt.Sprintf("Sample %s verified by %s", sample.ID, verifiedBy), user, strPtr(sample.ID))
		out = SampleDetail{Sample: sample, Results: results}
		return nil
	})
	if err != nil {
		return SampleDetail{}, err
	}
	s.publish(ctx, TopicSamples, "sample.verified", out.ID, out)
	return out, nil
}

// VerifyResult verifies a single result. When it is the last pending result
// of its sample, the sample rolls up to verified.
func (s *Service) VerifyResult(ctx context.Context, id, verifiedBy, user string) (Result, error) {
	if verifiedBy == "" {
		verifiedBy = user
	}
	var out Result
	var rolledUp *Sample
	err := s.run(ctx, "verify_result", func(tx Transaction) error {
		rolledUp = nil
		r, ok := tx.FindResult(id)
		if !ok {
			return notFound("result", id)
		}
		if r.Status == ResultVerified {
			return fmt.Errorf("%w: result %s is already verified", ErrInvalidTransition, id)
		}
		sample, ok := tx.FindSample(r.SampleID)
		if !ok {
			return notFound("sample", r.SampleID)
		}
		now := s.now()
		r.Status = ResultVerified
		r.VerifiedBy = strPtr(verifiedBy)
		r.VerifiedAt = timePtr(now)
		tx.PutResult(r)
		s.audit(tx, fmt.Sprintf("Result %s (%s) verified by %s", r.ID, r.Analyte, verifiedBy), user, strPtr(r.SampleID))
		out = r

		for _, other := range resultsForSample(tx, sample.ID) {
			if other.Status != ResultVerified {
				return nil
			}
		}
		next, err := nextSampleStatus(actionVerify, sample.Status)
		if err != nil {
			return err
		}
		if next != sample.Status {
			sample.Status = next
			sample.UpdatedAt = now
			tx.PutSample(sample)
			s.audit(tx, fmt.Sprintf("Sample %s verified by %s", sample.ID, verifiedBy), user, strPtr(sample.ID))
			rolledUp = &sample
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	s.publish(ctx, TopicResults, "result.verified", out.ID, out)
	if rolledUp != nil {
		s.publish(ctx, TopicSamples, "sample.verified", rolledUp.ID, rolledUp)
	}
	return out, nil
}

// PublishSample releases a verified sample.
func (s *Service) PublishSample(ctx context.Context, id, user string) (Sample, error) {
	var out Sample
	err := s.run(ctx, "publish_sample", func(tx Transaction) error {
		sample, ok := tx.FindSample(id)
		if !ok {
			return notFound("sample", id)
		}
		next, err := nextSampleStatus(actionPublish, sample.Status)
		if err != nil {
			return err
		}
		for _, r := range resultsForSample(tx, id) {
			if r.Status != ResultVerified {
				return fmt.Errorf("%w: result %s is not verified", ErrPrecondition, r.ID)
			}
		}
		now := s.now()
		sample.Status = next
		sample.PublishedAt = timePtr(now)
		sample.UpdatedAt = now
		tx.PutSample(sample)
		s.audit(tx, fmt.Sprintf("Sample %s published", sample.ID), user, strPtr(sample.ID))
		out = sample
		return nil
	})
	if err != nil {
		return Sample{}, err
	}
	s.publish(ctx, TopicSamples, "sample.published", out.ID, out)
	return out, nil
}

// -- Worksheets --

// CreateWorksheet opens an empty worksheet.
func (s *Service) CreateWorksheet(ctx context.Context, in Worksheet, user string) (WorksheetView, error) {
	var out Worksheet
	err := s.run(ctx, "create_worksheet", func(tx Transaction) error {
		if strings.TrimSpace(in.Department) == "" {
			return invalid("department is required")
		}
		if strings.TrimSpace(in.Analyst) == "" {
			return invalid("analyst is required")
		}
		if in.ID == "" {
			in.ID = s.newID()
		} else if _, exists := tx.FindWorksheet(in.ID); exists {
			return fmt.Errorf("%w: worksheet %q", ErrDuplicate, in.ID)
		}
		now := s.now()
		out = Worksheet{
			ID:          in.ID,
			Template:    strings.TrimSpace(in.Template),
			Department:  strings.TrimSpace(in.Department),
			Analyst:     strings.TrimSpace(in.Analyst),
			Notes:       in.Notes,
			SampleIDs:   []string{},
			Status:      WorksheetOpen,
			CreatedDate: now,
			UpdatedAt:   now,
		}
		tx.PutWorksheet(out)
		s.audit(tx, fmt.Sprintf("Worksheet %s created for %s", out.ID, out.Analyst), user, nil)
		return nil
	})
	if err != nil {
		return WorksheetView{}, err
	}
	view := WorksheetView{Worksheet: out}
	s.publish(ctx, TopicWorksheets, "worksheet.created", out.ID, view)
	return view, nil
}

// AddSampleToWorksheet adds a sample to an open worksheet and points the
// sample's worksheet reference at it. Membership in other worksheets is not
// checked.
func (s *Service) AddSampleToWorksheet(ctx context.Context, worksheetID, sampleID, user string) (WorksheetView, error) {
	var out WorksheetView
	var sampleOut Sample
	err := s.run(ctx, "add_sample_to_worksheet", func(tx Transaction) error {
		ws, ok := tx.FindWorksheet(worksheetID)
		if !ok {
			return notFound("worksheet", worksheetID)
		}
		if ws.Status != WorksheetOpen {
			return fmt.Errorf("%w: samples can only be added to open worksheets (status %s)", ErrInvalidTransition, ws.Status)
		}
		sample, ok := tx.FindSample(sampleID)
		if !ok {
			return notFound("sample", sampleID)
		}
		next, err := nextSampleStatus(actionAssign, sample.Status)
		if err != nil {
			return err
		}
		now := s.now()
		if !ws.hasSample(sampleID) {
			ws.SampleIDs = append(ws.SampleIDs, sampleID)
			ws.UpdatedAt = now
			tx.PutWorksheet(ws)
		}
		sample.Status = next
		sample.WorksheetID = strPtr(ws.ID)
		if sample.Analyst == nil {
			sample.Analyst = strPtr(ws.Analyst)
		}
		sample.UpdatedAt = now
		tx.PutSample(sample)
		s.audit(tx, fmt.Sprintf("Sample %s added to worksheet %s", sample.ID, ws.ID), user, strPtr(sample.ID))
		out = WorksheetView{Worksheet: ws, Progress: WorksheetProgress(ws, tx.Results())}
		sampleOut = sample
		return nil
	})
	if err != nil {
		return WorksheetView{}, err
	}
	s.publish(ctx, TopicWorksheets, "worksheet.sample_added", out.ID, out)
	s.publish(ctx, TopicSamples, "sample.assigned", sampleOut.ID, sampleOut)
	return out, nil
}

func (s *Service) advanceWorksheet(ctx context.Context, command string, action worksheetAction, id, user string) (WorksheetView, error) {
	var out WorksheetView
	err := s.run(ctx, command, func(tx Transaction) error {
		ws, ok := tx.FindWorksheet(id)
		if !ok {
			return notFound("worksheet", id)
		}
		if action == actionSubmit && len(ws.SampleIDs) == 0 {
			return fmt.Errorf("%w: worksheet %s has no samples", ErrPrecondition, id)
		}
		next, err := nextWorksheetStatus(action, ws.Status)
		if err != nil {
			return err
		}
		ws.Status = next
		ws.UpdatedAt = s.now()
		tx.PutWorksheet(ws)
		s.audit(tx, fmt.Sprintf("Worksheet %s moved to %s", ws.ID, next), user, nil)
		out = WorksheetView{Worksheet: ws, Progress: WorksheetProgress(ws, tx.Results())}
		return nil
	})
	if err != nil {
		return WorksheetView{}, err
	}
	s.publish(ctx, TopicWorksheets, "worksheet."+string(out.Status), out.ID, out)
	return out, nil
}

// SubmitWorksheetForVerification moves an open, non-empty worksheet to to_be_verified.
func (s *Service) SubmitWorksheetForVerification(ctx context.Context, id, user string) (WorksheetView, error) {
	return s.advanceWorksheet(ctx, "submit_worksheet", actionSubmit, id, user)
}

// VerifyWorksheet moves a worksheet from to_be_verified to verified.
func (s *Service) VerifyWorksheet(ctx context.Context, id, user string) (WorksheetView, error) {
	return s.advanceWorksheet(ctx, "verify_worksheet", actionVerifyWorksheet, id, user)
}

// CloseWorksheet moves a verified worksheet to closed.
func (s *Service) CloseWorksheet(ctx context.Context, id, user string) (WorksheetView, error) {
	return s.advanceWorksheet(ctx, "close_worksheet", actionClose, id, user)
}

// -- Audit --

// AppendAuditEntry records a manual audit event.
func (s *Service) AppendAuditEntry(ctx context.Context, event, user string, sampleID *string) (AuditLogEntry, error) {
	var out AuditLogEntry
	err := s.run(ctx, "append_audit_entry", func(tx Transaction) error {
		if strings.TrimSpace(event) == "" {
			return invalid("event is required")
		}
		if sampleID != nil && *sampleID != "" {
			if _, ok := tx.FindSample(*sampleID); !ok {
				return notFound("sample", *sampleID)
			}
		} else {
			sampleID = nil
		}
		out = s.audit(tx, strings.TrimSpace(event), user, sampleID)
		return nil
	})
	if err != nil {
		return AuditLogEntry{}, err
	}
	s.publish(ctx, TopicAudit, "audit.appended", out.ID, out)
	return out, nil
}
