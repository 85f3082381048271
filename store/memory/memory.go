// Package memory provides an in-memory implementation of every storage
// interface (ledger entries, entry counters, archives). It is used by tests
// and by the server when started with -driver=memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/agency-ledger/archive"
	"github.com/warp/agency-ledger/counter"
	"github.com/warp/agency-ledger/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	st state

	faultMu sync.Mutex
	faults  map[string]*fault
}

type state struct {
	entries  map[ledger.Kind][]ledger.Entry // ordered by ID
	nextID   map[ledger.Kind]ledger.EntryID
	counts   map[string]int64
	global   int64
	archives []archive.Record
}

type fault struct {
	after int
	err   error
}

func New() *Memory {
	return &Memory{
		st: state{
			entries: make(map[ledger.Kind][]ledger.Entry),
			nextID:  make(map[ledger.Kind]ledger.EntryID),
			counts:  make(map[string]int64),
		},
		faults: make(map[string]*fault),
	}
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// FailAfter makes op succeed n more times and then fail with err until
// ClearFaults is called. Ops: insert, get, update, delete, latest, load,
// set_balance, list, accounts, counter, archive, archive_delete.
func (m *Memory) FailAfter(op string, n int, err error) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.faults[op] = &fault{after: n, err: err}
}

func (m *Memory) ClearFaults() {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.faults = make(map[string]*fault)
}

func (m *Memory) check(op string) error {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	f, ok := m.faults[op]
	if !ok {
		return nil
	}
	if f.after > 0 {
		f.after--
		return nil
	}
	return f.err
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (m *Memory) Insert(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("insert"); err != nil {
		return ledger.Entry{}, err
	}
	return m.st.insert(e), nil
}

func (m *Memory) Get(_ context.Context, kind ledger.Kind, id ledger.EntryID) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("get"); err != nil {
		return nil, err
	}
	return m.st.get(kind, id), nil
}

func (m *Memory) Update(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("update"); err != nil {
		return err
	}
	return m.st.update(e)
}

func (m *Memory) Delete(_ context.Context, kind ledger.Kind, id ledger.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete"); err != nil {
		return err
	}
	return m.st.delete(kind, id)
}

func (m *Memory) LatestBalance(_ context.Context, kind ledger.Kind, accountKey string) (decimal.Decimal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("latest"); err != nil {
		return decimal.Zero, false, err
	}
	b, ok := m.st.latestBalance(kind, accountKey)
	return b, ok, nil
}

func (m *Memory) LoadAccount(_ context.Context, kind ledger.Kind, accountKey string) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("load"); err != nil {
		return nil, err
	}
	return m.st.loadAccount(kind, accountKey), nil
}

func (m *Memory) SetBalance(_ context.Context, kind ledger.Kind, id ledger.EntryID, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("set_balance"); err != nil {
		return err
	}
	return m.st.setBalance(kind, id, balance)
}

func (m *Memory) List(_ context.Context, kind ledger.Kind, f ledger.Filter) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("list"); err != nil {
		return nil, err
	}
	return m.st.list(kind, f), nil
}

func (m *Memory) Accounts(_ context.Context, kind ledger.Kind) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("accounts"); err != nil {
		return nil, err
	}
	return m.st.accounts(kind), nil
}

// =============================================================================
// TRANSACTIONS (ledger.TxStore, counter.Store)
// =============================================================================

// WithTx executes fn with the store locked. Writes go straight to the live
// state; on error the state is restored from a snapshot taken at the start.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&txView{m: m}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *Memory) WithCounterTx(ctx context.Context, fn func(counter.Repo) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&txView{m: m}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// txView operates on the state while the parent lock is held.
type txView struct {
	m *Memory
}

func (v *txView) Insert(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	if err := v.m.check("insert"); err != nil {
		return ledger.Entry{}, err
	}
	return v.m.st.insert(e), nil
}

func (v *txView) Get(_ context.Context, kind ledger.Kind, id ledger.EntryID) (*ledger.Entry, error) {
	if err := v.m.check("get"); err != nil {
		return nil, err
	}
	return v.m.st.get(kind, id), nil
}

func (v *txView) Update(_ context.Context, e ledger.Entry) error {
	if err := v.m.check("update"); err != nil {
		return err
	}
	return v.m.st.update(e)
}

func (v *txView) Delete(_ context.Context, kind ledger.Kind, id ledger.EntryID) error {
	if err := v.m.check("delete"); err != nil {
		return err
	}
	return v.m.st.delete(kind, id)
}

func (v *txView) LatestBalance(_ context.Context, kind ledger.Kind, accountKey string) (decimal.Decimal, bool, error) {
	if err := v.m.check("latest"); err != nil {
		return decimal.Zero, false, err
	}
	b, ok := v.m.st.latestBalance(kind, accountKey)
	return b, ok, nil
}

func (v *txView) LoadAccount(_ context.Context, kind ledger.Kind, accountKey string) ([]ledger.Entry, error) {
	if err := v.m.check("load"); err != nil {
		return nil, err
	}
	return v.m.st.loadAccount(kind, accountKey), nil
}

func (v *txView) SetBalance(_ context.Context, kind ledger.Kind, id ledger.EntryID, balance decimal.Decimal) error {
	if err := v.m.check("set_balance"); err != nil {
		return err
	}
	return v.m.st.setBalance(kind, id, balance)
}

func (v *txView) List(_ context.Context, kind ledger.Kind, f ledger.Filter) ([]ledger.Entry, error) {
	if err := v.m.check("list"); err != nil {
		return nil, err
	}
	return v.m.st.list(kind, f), nil
}

func (v *txView) Accounts(_ context.Context, kind ledger.Kind) ([]ledger.Account, error) {
	if err := v.m.check("accounts"); err != nil {
		return nil, err
	}
	return v.m.st.accounts(kind), nil
}

func (v *txView) CurrentCount(_ context.Context, formType string) (int64, bool, error) {
	if err := v.m.check("counter"); err != nil {
		return 0, false, err
	}
	n, ok := v.m.st.counts[formType]
	return n, ok, nil
}

func (v *txView) SetCurrentCount(_ context.Context, formType string, n int64) error {
	if err := v.m.check("counter"); err != nil {
		return err
	}
	v.m.st.counts[formType] = n
	return nil
}

func (v *txView) GlobalCount(_ context.Context) (int64, error) {
	if err := v.m.check("counter"); err != nil {
		return 0, err
	}
	return v.m.st.global, nil
}

func (v *txView) SetGlobalCount(_ context.Context, n int64) error {
	if err := v.m.check("counter"); err != nil {
		return err
	}
	v.m.st.global = n
	return nil
}

func (v *txView) ListCounts(_ context.Context) ([]counter.FormCount, error) {
	if err := v.m.check("counter"); err != nil {
		return nil, err
	}
	out := make([]counter.FormCount, 0, len(v.m.st.counts))
	for ft, n := range v.m.st.counts {
		out = append(out, counter.FormCount{FormType: ft, CurrentCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FormType < out[j].FormType })
	return out, nil
}

// =============================================================================
// ARCHIVE STORE (archive.Store interface)
// =============================================================================

func (m *Memory) SaveArchive(_ context.Context, r archive.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("archive"); err != nil {
		return err
	}
	m.st.archives = append(m.st.archives, r)
	return nil
}

func (m *Memory) DeleteArchive(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("archive_delete"); err != nil {
		return err
	}
	for i, r := range m.st.archives {
		if r.ID == id {
			m.st.archives = append(m.st.archives[:i], m.st.archives[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) ListArchives(_ context.Context, module string) ([]archive.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []archive.Record{}
	for i := len(m.st.archives) - 1; i >= 0; i-- {
		r := m.st.archives[i]
		if module == "" || r.Module == module {
			out = append(out, r)
		}
	}
	return out, nil
}

// =============================================================================
// STATE
// =============================================================================

func (s *state) insert(e ledger.Entry) ledger.Entry {
	s.nextID[e.Kind]++
	e.ID = s.nextID[e.Kind]
	// IDs only grow, so appending keeps the slice ordered.
	s.entries[e.Kind] = append(s.entries[e.Kind], e)
	return e
}

func (s *state) index(kind ledger.Kind, id ledger.EntryID) int {
	rows := s.entries[kind]
	i := sort.Search(len(rows), func(i int) bool { return rows[i].ID >= id })
	if i < len(rows) && rows[i].ID == id {
		return i
	}
	return -1
}

func (s *state) get(kind ledger.Kind, id ledger.EntryID) *ledger.Entry {
	i := s.index(kind, id)
	if i < 0 {
		return nil
	}
	e := s.entries[kind][i]
	return &e
}

func (s *state) update(e ledger.Entry) error {
	i := s.index(e.Kind, e.ID)
	if i < 0 {
		return fmt.Errorf("%s entry %d: %w", e.Kind, e.ID, ledger.ErrNotFound)
	}
	s.entries[e.Kind][i] = e
	return nil
}

func (s *state) delete(kind ledger.Kind, id ledger.EntryID) error {
	i := s.index(kind, id)
	if i < 0 {
		return fmt.Errorf("%s entry %d: %w", kind, id, ledger.ErrNotFound)
	}
	rows := s.entries[kind]
	s.entries[kind] = append(rows[:i:i], rows[i+1:]...)
	return nil
}

func (s *state) latestBalance(kind ledger.Kind, accountKey string) (decimal.Decimal, bool) {
	rows := s.entries[kind]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].AccountKey == accountKey {
			return rows[i].Balance, true
		}
	}
	return decimal.Zero, false
}

func (s *state) loadAccount(kind ledger.Kind, accountKey string) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range s.entries[kind] {
		if e.AccountKey == accountKey {
			out = append(out, e)
		}
	}
	return out
}

func (s *state) setBalance(kind ledger.Kind, id ledger.EntryID, balance decimal.Decimal) error {
	i := s.index(kind, id)
	if i < 0 {
		return fmt.Errorf("%s entry %d: %w", kind, id, ledger.ErrNotFound)
	}
	s.entries[kind][i].Balance = balance
	return nil
}

func (s *state) list(kind ledger.Kind, f ledger.Filter) []ledger.Entry {
	out := []ledger.Entry{}
	skipped := 0
	for _, e := range s.entries[kind] {
		if f.AccountKey != "" && e.AccountKey != f.AccountKey {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func (s *state) accounts(kind ledger.Kind) []ledger.Account {
	byKey := make(map[string]*ledger.Account)
	var order []string
	for _, e := range s.entries[kind] {
		a, ok := byKey[e.AccountKey]
		if !ok {
			a = &ledger.Account{Kind: kind, AccountKey: e.AccountKey}
			byKey[e.AccountKey] = a
			order = append(order, e.AccountKey)
		}
		a.Entries++
		a.Balance = e.Balance
		a.LastEntry = e.ID
	}
	sort.Strings(order)
	out := make([]ledger.Account, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out
}

func (s *state) clone() state {
	c := state{
		entries:  make(map[ledger.Kind][]ledger.Entry, len(s.entries)),
		nextID:   make(map[ledger.Kind]ledger.EntryID, len(s.nextID)),
		counts:   make(map[string]int64, len(s.counts)),
		global:   s.global,
		archives: append([]archive.Record(nil), s.archives...),
	}
	for k, v := range s.entries {
		c.entries[k] = append([]ledger.Entry(nil), v...)
	}
	for k, v := range s.nextID {
		c.nextID[k] = v
	}
	for k, v := range s.counts {
		c.counts[k] = v
	}
	return c
}

var (
	_ ledger.TxStore = (*Memory)(nil)
	_ counter.Store  = (*Memory)(nil)
	_ archive.Store  = (*Memory)(nil)
)
