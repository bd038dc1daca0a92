package lims

import (
	"context"
	"fmt"
	"strings"
)

// -- Clients --

// AddClient creates an active client.
func (s *Service) AddClient(ctx context.Context, in Client, user string) (Client, error) {
	var out Client
	err := s.run(ctx, "add_client", func(tx Transaction) error {
		if strings.TrimSpace(in.Name) == "" {
			return invalid("client name is required")
		}
		if in.ID == "" {
			in.ID = s.newID()
		} else if _, exists := tx.FindClient(in.ID); exists {
			return fmt.Errorf("%w: client %q", ErrDuplicate, in.ID)
		}
		in.Name = strings.TrimSpace(in.Name)
		in.Active = true
		in.CreatedAt = s.now()
		tx.PutClient(in)
		s.audit(tx, fmt.Sprintf("Client %s added", in.Name), user, nil)
		out = in
		return nil
	})
	if err != nil {
		return Client{}, err
	}
	s.publish(ctx, TopicClients, "client.added", out.ID, out)
	return out, nil
}

// ToggleClientActive flips a client between active and inactive.
func (s *Service) ToggleClientActive(ctx context.Context, id, user string) (Client, error) {
	var out Client
	err := s.run(ctx, "toggle_client_active", func(tx Transaction) error {
		c, ok := tx.FindClient(id)
		if !ok {
			return notFound("client", id)
		}
		c.Active = !c.Active
		tx.PutClient(c)
		state := "deactivated"
		if c.Active {
			state = "activated"
		}
		s.audit(tx, fmt.Sprintf("Client %s %s", c.Name, state), user, nil)
		out = c
		return nil
	})
	if err != nil {
		return Client{}, err
	}
	s.publish(ctx, TopicClients, "client.toggled", out.ID, out)
	return out, nil
}

// -- Test catalog --

// AddTest adds a catalog entry. Codes are unique and entries are never edited.
func (s *Service) AddTest(ctx context.Context, in TestCatalogItem, user string) (TestCatalogItem, error) {
	var out TestCatalogItem
	err := s.run(ctx, "add_test", func(tx Transaction) error {
		in.Code = strings.TrimSpace(in.Code)
		if in.Code == "" {
			return invalid("test code is required")
		}
		if strings.TrimSpace(in.Name) == "" {
			return invalid("test name is required")
		}
		if strings.TrimSpace(in.Department) == "" {
			return invalid("department is required")
		}
		if in.Price < 0 {
			return invalid("price must not be negative")
		}
		if _, exists := tx.FindTest(in.Code); exists {
			return fmt.Errorf("%w: test code %q", ErrDuplicate, in.Code)
		}
		in.Analytes = dedupe(in.Analytes)
		in.CreatedAt = s.now()
		tx.PutTest(in)
		s.audit(tx, fmt.Sprintf("Test %s (%s) added to catalog", in.Code, in.Name), user, nil)
		out = in
		return nil
	})
	if err != nil {
		return TestCatalogItem{}, err
	}
	s.publish(ctx, TopicTests, "test.added", out.Code, out)
	return out, nil
}

// -- Inventory --

// AddInventoryItem stocks a new reagent or consumable.
func (s *Service) AddInventoryItem(ctx context.Context, in InventoryItem, user string) (InventoryView, error) {
	var out InventoryItem
	var settings Settings
	err := s.run(ctx, "add_inventory_item", func(tx Transaction) error {
		if strings.TrimSpace(in.SKU) == "" {
			return invalid("sku is required")
		}
		if strings.TrimSpace(in.Name) == "" {
			return invalid("item name is required")
		}
		if in.OnHand < 0 {
			return invalid("on hand must not be negative")
		}
		if in.ReorderLevel < 0 {
			return invalid("reorder level must not be negative")
		}
		if in.ID == "" {
			in.ID = s.newID()
		} else if _, exists := tx.FindInventoryItem(in.ID); exists {
			return fmt.Errorf("%w: inventory item %q", ErrDuplicate, in.ID)
		}
		if in.Expiry != nil {
			in.Expiry = timePtr(in.Expiry.UTC())
		}
		in.UpdatedAt = s.now()
		tx.PutInventoryItem(in)
		s.audit(tx, fmt.Sprintf("Inventory item %s (%s) added", in.SKU, in.Name), user, nil)
		out = in
		settings = tx.Settings()
		return nil
	})
	if err != nil {
		return InventoryView{}, err
	}
	view := s.inventoryView(out, settings)
	s.publish(ctx, TopicInventory, "inventory.added", out.ID, view)
	return view, nil
}

// AdjustInventoryStock applies delta to on-hand stock. The result never goes
// below zero.
func (s *Service) AdjustInventoryStock(ctx context.Context, id string, delta int, user string) (InventoryView, error) {
	var out InventoryItem
	var settings Settings
	err := s.run(ctx, "adjust_inventory_stock", func(tx Transaction) error {
		item, ok := tx.FindInventoryItem(id)
		if !ok {
			return notFound("inventory item", id)
		}
		before := item.OnHand
		item.OnHand = AdjustedOnHand(item.OnHand, delta)
		item.UpdatedAt = s.now()
		tx.PutInventoryItem(item)
		s.audit(tx, fmt.Sprintf("Stock of %s adjusted by %+d (%d -> %d)", item.SKU, delta, before, item.OnHand), user, nil)
		out = item
		settings = tx.Settings()
		return nil
	})
	if err != nil {
		return InventoryView{}, err
	}
	view := s.inventoryView(out, settings)
	s.publish(ctx, TopicInventory, "inventory.adjusted", out.ID, view)
	return view, nil
}

func (s *Service) inventoryView(item InventoryItem, settings Settings) InventoryView {
	return InventoryView{
		InventoryItem: item,
		StockStatus:   ComputeStockStatus(item.OnHand, item.ReorderLevel),
		ExpiringSoon:  ExpiringSoon(item.Expiry, s.now(), settings.ExpiryWindowDays),
	}
}

// -- Instruments --

// AddInstrument registers an analyzer. Status defaults to online.
func (s *Service) AddInstrument(ctx context.Context, in Instrument, user string) (Instrument, error) {
	var out Instrument
	err := s.run(ctx, "add_instrument", func(tx Transaction) error {
		if strings.TrimSpace(in.Name) == "" {
			return invalid("instrument name is required")
		}
		switch in.Status {
		case "":
			in.Status = InstrumentOnline
		case InstrumentOnline, InstrumentOffline, InstrumentMaintenance:
		default:
			return invalid("invalid instrument status: %s", in.Status)
		}
		if in.ID == "" {
			in.ID = s.newID()
		} else if _, exists := tx.FindInstrument(in.ID); exists {
			return fmt.Errorf("%w: instrument %q", ErrDuplicate, in.ID)
		}
		in.UpdatedAt = s.now()
		tx.PutInstrument(in)
		s.audit(tx, fmt.Sprintf("Instrument %s added", in.Name), user, nil)
		out = in
		return nil
	})
	if err != nil {
		return Instrument{}, err
	}
	s.publish(ctx, TopicInstruments, "instrument.added", out.ID, out)
	return out, nil
}

// ToggleInstrumentStatus takes an online instrument offline and brings an
// offline or maintenance instrument back online.
func (s *Service) ToggleInstrumentStatus(ctx context.Context, id, user string) (Instrument, error) {
	var out Instrument
	err := s.run(ctx, "toggle_instrument_status", func(tx Transaction) error {
		inst, ok := tx.FindInstrument(id)
		if !ok {
			return notFound("instrument", id)
		}
		if inst.Status == InstrumentOnline {
			inst.Status = InstrumentOffline
		} else {
			inst.Status = InstrumentOnline
		}
		inst.UpdatedAt = s.now()
		tx.PutInstrument(inst)
		s.audit(tx, fmt.Sprintf("Instrument %s set %s", inst.Name, inst.Status), user, nil)
		out = inst
		return nil
	})
	if err != nil {
		return Instrument{}, err
	}
	s.publish(ctx, TopicInstruments, "instrument.toggled", out.ID, out)
	return out, nil
}

// -- QC --

// RecordQC stores a QC run. A supplied status is kept as entered; when it is
// absent the status suggested by the z-score is stored.
func (s *Service) RecordQC(ctx context.Context, in QCRecord, user string) (QCView, error) {
	var out QCView
	err := s.run(ctx, "record_qc", func(tx Transaction) error {
		if strings.TrimSpace(in.Material) == "" {
			return invalid("control material is required")
		}
		if strings.TrimSpace(in.Test) == "" {
			return invalid("test is required")
		}
		if in.SD < 0 {
			return invalid("sd must not be negative")
		}
		if in.Status != "" && !in.Status.Valid() {
			return invalid("invalid qc status: %s", in.Status)
		}
		if in.ID == "" {
			in.ID = s.newID()
		} else {
			for _, existing := range tx.QCRecords() {
				if existing.ID == in.ID {
					return fmt.Errorf("%w: qc record %q", ErrDuplicate, in.ID)
				}
			}
		}
		if in.Date.IsZero() {
			in.Date = s.now()
		}
		out = qcView(in, thresholdsOf(tx.Settings()))
		if in.Status == "" {
			in.Status = out.SuggestedStatus
			out.Status = in.Status
		}
		tx.PutQCRecord(in)
		s.audit(tx, fmt.Sprintf("QC %s/%s level %s recorded: %s (z=%.2f)", in.Material, in.Test, in.Level, in.Status, out.ZScore), user, nil)
		return nil
	})
	if err != nil {
		return QCView{}, err
	}
	s.publish(ctx, TopicQC, "qc.recorded", out.ID, out)
	return out, nil
}

func thresholdsOf(st Settings) QCThresholds {
	return QCThresholds{Warn: st.QCWarnZ, Fail: st.QCFailZ}
}

func qcView(q QCRecord, th QCThresholds) QCView {
	z := ZScore(q.Result, q.Mean, q.SD)
	return QCView{QCRecord: q, ZScore: z, SuggestedStatus: SuggestQCStatus(z, th)}
}

// -- Settings --

// UpdateSettings merges the non-nil fields of patch into the lab settings.
func (s *Service) UpdateSettings(ctx context.Context, patch SettingsPatch, user string) (Settings, error) {
	var out Settings
	err := s.run(ctx, "update_settings", func(tx Transaction) error {
		st := tx.Settings()
		if patch.LabName != nil {
			if strings.TrimSpace(*patch.LabName) == "" {
				return invalid("lab name must not be empty")
			}
			st.LabName = strings.TrimSpace(*patch.LabName)
		}
		if patch.Address != nil {
			st.Address = *patch.Address
		}
		if patch.Phone != nil {
			st.Phone = *patch.Phone
		}
		if patch.Email != nil {
			st.Email = *patch.Email
		}
		if patch.DefaultPriority != nil {
			if !patch.DefaultPriority.Valid() {
				return invalid("invalid priority: %s", *patch.DefaultPriority)
			}
			st.DefaultPriority = *patch.DefaultPriority
		}
		if patch.ExpiryWindowDays != nil {
			if *patch.ExpiryWindowDays < 0 {
				return invalid("expiry window must not be negative")
			}
			st.ExpiryWindowDays = *patch.ExpiryWindowDays
		}
		if patch.QCWarnZ != nil {
			st.QCWarnZ = *patch.QCWarnZ
		}
		if patch.QCFailZ != nil {
			st.QCFailZ = *patch.QCFailZ
		}
		if st.QCWarnZ <= 0 || st.QCFailZ < st.QCWarnZ {
			return invalid("qc thresholds require 0 < warn <= fail")
		}
		tx.PutSettings(st)
		s.audit(tx, "Settings updated", user, nil)
		out = st
		return nil
	})
	if err != nil {
		return Settings{}, err
	}
	s.publish(ctx, TopicSettings, "settings.updated", "", out)
	return out, nil
}
