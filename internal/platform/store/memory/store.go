// Package memory holds the laboratory state in process. Transactions run
// against a copy of the state that replaces the live state in one step when
// the transaction succeeds.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/lims/lims/internal/domain/lims"
)

var _ lims.Store = (*Store)(nil)

// CommitHook runs after a transaction succeeds and before its state becomes
// visible. An error from the hook discards the transaction.
type CommitHook func(ctx context.Context, snapshot Snapshot) error

// Store is an in-memory lims.Store. Writers are serialised; readers see a
// consistent copy of the last committed state.
type Store struct {
	mu    sync.RWMutex
	state state
	hook  CommitHook
}

func NewStore() *Store {
	return &Store{state: newState()}
}

// SetCommitHook installs fn to run before each commit.
func (s *Store) SetCommitHook(fn CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

func (s *Store) RunInTransaction(ctx context.Context, fn func(tx lims.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&txn{st: &work}); err != nil {
		return err
	}
	if s.hook != nil {
		if err := s.hook(ctx, work.snapshot()); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	s.state = work
	return nil
}

func (s *Store) View(ctx context.Context, fn func(v lims.View) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(&txn{st: &snapshot})
}

// ExportState returns a copy of the committed state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.snapshot()
}

// ImportState replaces the committed state with snapshot. The commit hook is
// not invoked.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateFromSnapshot(snapshot)
}

// -- collections --

// collection keeps entities by ID and remembers insertion order. Stored values
// are never mutated in place, so copies of a collection may share them.
type collection[T any] struct {
	byID  map[string]T
	order []string
	clone func(T) T
}

func newCollection[T any](clone func(T) T) collection[T] {
	return collection[T]{byID: make(map[string]T), clone: clone}
}

func (c collection[T]) copy() collection[T] {
	byID := make(map[string]T, len(c.byID))
	for k, v := range c.byID {
		byID[k] = v
	}
	order := make([]string, len(c.order))
	copy(order, c.order)
	return collection[T]{byID: byID, order: order, clone: c.clone}
}

func (c *collection[T]) put(id string, v T) {
	if _, exists := c.byID[id]; !exists {
		c.order = append(c.order, id)
	}
	c.byID[id] = c.clone(v)
}

func (c collection[T]) find(id string) (T, bool) {
	v, ok := c.byID[id]
	if !ok {
		var zero T
		return zero, false
	}
	return c.clone(v), true
}

func (c collection[T]) list() []T {
	out := make([]T, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.clone(c.byID[id]))
	}
	return out
}

type state struct {
	samples     collection[lims.Sample]
	results     collection[lims.Result]
	worksheets  collection[lims.Worksheet]
	clients     collection[lims.Client]
	tests       collection[lims.TestCatalogItem]
	inventory   collection[lims.InventoryItem]
	instruments collection[lims.Instrument]
	qc          collection[lims.QCRecord]
	audit       []lims.AuditLogEntry
	settings    lims.Settings
}

func newState() state {
	return state{
		samples:     newCollection(cloneSample),
		results:     newCollection(cloneResult),
		worksheets:  newCollection(cloneWorksheet),
		clients:     newCollection(identity[lims.Client]),
		tests:       newCollection(cloneTest),
		inventory:   newCollection(cloneInventoryItem),
		instruments: newCollection(identity[lims.Instrument]),
		qc:          newCollection(identity[lims.QCRecord]),
		audit:       []lims.AuditLogEntry{},
		settings:    lims.DefaultSettings(),
	}
}

func (st state) clone() state {
	audit := make([]lims.AuditLogEntry, len(st.audit))
	copy(audit, st.audit)
	return state{
		samples:     st.samples.copy(),
		results:     st.results.copy(),
		worksheets:  st.worksheets.copy(),
		clients:     st.clients.copy(),
		tests:       st.tests.copy(),
		inventory:   st.inventory.copy(),
		instruments: st.instruments.copy(),
		qc:          st.qc.copy(),
		audit:       audit,
		settings:    st.settings,
	}
}

// -- lims.Transaction --

type txn struct {
	st *state
}

func (t *txn) Samples() []lims.Sample                   { return t.st.samples.list() }
func (t *txn) FindSample(id string) (lims.Sample, bool) { return t.st.samples.find(id) }
func (t *txn) Results() []lims.Result                   { return t.st.results.list() }
func (t *txn) FindResult(id string) (lims.Result, bool) { return t.st.results.find(id) }
func (t *txn) Worksheets() []lims.Worksheet             { return t.st.worksheets.list() }
func (t *txn) FindWorksheet(id string) (lims.Worksheet, bool) {
	return t.st.worksheets.find(id)
}
func (t *txn) Clients() []lims.Client                   { return t.st.clients.list() }
func (t *txn) FindClient(id string) (lims.Client, bool) { return t.st.clients.find(id) }
func (t *txn) Tests() []lims.TestCatalogItem            { return t.st.tests.list() }
func (t *txn) FindTest(code string) (lims.TestCatalogItem, bool) {
	return t.st.tests.find(code)
}
func (t *txn) InventoryItems() []lims.InventoryItem { return t.st.inventory.list() }
func (t *txn) FindInventoryItem(id string) (lims.InventoryItem, bool) {
	return t.st.inventory.find(id)
}
func (t *txn) Instruments() []lims.Instrument { return t.st.instruments.list() }
func (t *txn) FindInstrument(id string) (lims.Instrument, bool) {
	return t.st.instruments.find(id)
}
func (t *txn) QCRecords() []lims.QCRecord { return t.st.qc.list() }

func (t *txn) AuditEntries() []lims.AuditLogEntry {
	out := make([]lims.AuditLogEntry, len(t.st.audit))
	for i, e := range t.st.audit {
		out[i] = cloneAudit(e)
	}
	return out
}

func (t *txn) Settings() lims.Settings { return t.st.settings }

func (t *txn) PutSample(s lims.Sample)               { t.st.samples.put(s.ID, s) }
func (t *txn) PutResult(r lims.Result)               { t.st.results.put(r.ID, r) }
func (t *txn) PutWorksheet(w lims.Worksheet)         { t.st.worksheets.put(w.ID, w) }
func (t *txn) PutClient(c lims.Client)               { t.st.clients.put(c.ID, c) }
func (t *txn) PutTest(c lims.TestCatalogItem)        { t.st.tests.put(c.Code, c) }
func (t *txn) PutInventoryItem(i lims.InventoryItem) { t.st.inventory.put(i.ID, i) }
func (t *txn) PutInstrument(i lims.Instrument)       { t.st.instruments.put(i.ID, i) }
func (t *txn) PutQCRecord(q lims.QCRecord)           { t.st.qc.put(q.ID, q) }
func (t *txn) AppendAudit(e lims.AuditLogEntry)      { t.st.audit = append(t.st.audit, cloneAudit(e)) }
func (t *txn) PutSettings(s lims.Settings)           { t.st.settings = s }
