package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/lims"
)

func openAt(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "lims.db")
	s := openAt(t, path)
	ctx := context.Background()

	err := s.RunInTransaction(ctx, func(tx lims.Transaction) error {
		tx.PutTest(lims.TestCatalogItem{Code: "CBC", Name: "Complete Blood Count", Department: "Hematology", Price: 25})
		tx.PutInventoryItem(lims.InventoryItem{ID: "inv-1", Name: "EDTA tubes", OnHand: 40, ReorderLevel: 10})
		settings := tx.Settings()
		settings.LabName = "Riverside Lab"
		tx.PutSettings(settings)
		return nil
	})
	if err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	again := openAt(t, path)
	if again.Path() != path {
		t.Errorf("expected path %s, got %s", path, again.Path())
	}
	snap := again.ExportState()
	if len(snap.Tests) != 1 || snap.Tests[0].Code != "CBC" {
		t.Fatalf("expected CBC after reopen, got %+v", snap.Tests)
	}
	if len(snap.Inventory) != 1 || snap.Inventory[0].OnHand != 40 {
		t.Errorf("expected inventory item with 40 on hand, got %+v", snap.Inventory)
	}
	if snap.Settings == nil || snap.Settings.LabName != "Riverside Lab" {
		t.Errorf("expected persisted settings, got %+v", snap.Settings)
	}
}

func TestStore_RejectedTransactionIsNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lims.db")
	s := openAt(t, path)
	boom := errors.New("boom")

	err := s.RunInTransaction(context.Background(), func(tx lims.Transaction) error {
		tx.PutSample(lims.Sample{ID: "s1", Type: "Urine", CollectionDate: time.Now()})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	_ = s.Close()

	again := openAt(t, path)
	if got := again.ExportState().Samples; len(got) != 0 {
		t.Errorf("expected no samples, got %+v", got)
	}
}

func TestStore_EmptyDatabaseStartsWithDefaults(t *testing.T) {
	s := openAt(t, filepath.Join(t.TempDir(), "lims.db"))

	var settings lims.Settings
	err := s.View(context.Background(), func(v lims.View) error {
		settings = v.Settings()
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if settings != lims.DefaultSettings() {
		t.Errorf("expected default settings, got %+v", settings)
	}
}
