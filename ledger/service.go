/*
service.go - Create / update / delete operations on ledger entries

PURPOSE:
  The three mutations shared by the agent, vendor and office ledger modules.
  Each one validates its input, performs one primary write, then replays the
  affected account so that the stored balance chain is correct.

REQUEST FLOW (create):
  1. Validate credit/debit (exactly one positive, or an opening balance)
  2. Parse the entry label ("12/50" -> 12)
  3. Immediate balance = latest balance of the account + credit - debit
  4. Insert the row (commits on its own)
  5. Recompute the account (one transaction)
  6. Advance the entry counter for the kind's form type (best effort)
  7. Publish an entry.created event (best effort)

SECONDARY STEPS:
  Steps 6 and 7 never undo step 4. A failure is logged and the create still
  succeeds. The entry counter can therefore fall behind the real entries;
  this is accepted.

  A recompute failure after a committed insert/update/delete is reported as
  a StorageError carrying the written entry. Balances of that account stay
  stale until the next successful recompute.

SERIALIZATION:
  Mutations on the same account are serialized by an in-process lock so the
  "latest balance" read and the insert see a consistent chain. Across
  processes, ID order is authoritative and recompute converges.

  Counter and event steps run after the account lock is released, so a slow
  broker never queues other writers of that account.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/agency-ledger/archive"
	"github.com/warp/agency-ledger/counter"
	"github.com/warp/agency-ledger/events"
)

// EntryCounter advances the entry-counter for a form type.
type EntryCounter interface {
	Increment(ctx context.Context, formType string, actual int64) (counter.FormCount, error)
}

// Archiver snapshots a record before it is deleted.
type Archiver interface {
	Archive(ctx context.Context, module, recordID string, data any, actor string) (archive.Record, error)
	Discard(ctx context.Context, id uuid.UUID) error
}

// Deps are the collaborators of a Service. Only Store is required.
type Deps struct {
	Store     TxStore
	Counter   EntryCounter
	Archiver  Archiver
	Publisher events.Publisher
	Logger    *zap.Logger
	Metrics   Metrics
}

// Service implements the ledger mutations for every kind.
type Service struct {
	store      TxStore
	recomputer *Recomputer
	counter    EntryCounter
	archiver   Archiver
	publisher  events.Publisher
	log        *zap.Logger
	metrics    Metrics
	locks      *accountLocks
	now        func() time.Time
}

func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = NopMetrics{}
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	return &Service{
		store:      d.Store,
		recomputer: NewRecomputer(d.Store, d.Logger, d.Metrics),
		counter:    d.Counter,
		archiver:   d.Archiver,
		publisher:  d.Publisher,
		log:        d.Logger,
		metrics:    d.Metrics,
		locks:      newAccountLocks(),
		now:        time.Now,
	}
}

// =============================================================================
// INPUTS
// =============================================================================

type CreateInput struct {
	Kind       Kind
	AccountKey string
	Credit     decimal.NullDecimal
	Debit      decimal.NullDecimal
	Opening    decimal.NullDecimal
	Date       time.Time
	Employee   string
	Detail     string
	EntryLabel string
	Actor      string
}

// UpdateInput replaces the amounts of an entry. Credit, Debit and Opening
// are the complete new state: an absent value is stored as null. Nil
// descriptive fields keep their current value.
type UpdateInput struct {
	Kind       Kind
	ID         EntryID
	AccountKey *string
	Credit     decimal.NullDecimal
	Debit      decimal.NullDecimal
	Opening    decimal.NullDecimal
	Date       *time.Time
	Employee   *string
	Detail     *string
	EntryLabel *string
	Actor      string
}

type DeleteInput struct {
	Kind  Kind
	ID    EntryID
	Actor string
}

// Deleted is returned by DeleteEntry.
type Deleted struct {
	Entry      Entry  `json:"entry"`
	Recomputed bool   `json:"recomputed"`
	ArchiveID  string `json:"archive_id,omitempty"`
}

// =============================================================================
// CREATE
// =============================================================================

func (s *Service) CreateEntry(ctx context.Context, in CreateInput) (e *Entry, err error) {
	defer func() { s.metrics.Mutated(in.Kind, "create", err) }()

	key := strings.TrimSpace(in.AccountKey)
	if err := validateTarget(in.Kind, key); err != nil {
		return nil, err
	}
	if err := validateAmounts(in.Credit, in.Debit, in.Opening); err != nil {
		return nil, err
	}
	seq, hasSeq, err := parseEntryLabel(in.EntryLabel)
	if err != nil {
		return nil, err
	}

	created, err := s.insertLocked(ctx, in, key)
	if err != nil {
		return nil, err
	}

	if hasSeq {
		s.advanceCounter(ctx, in.Kind, seq)
	}
	s.publish(ctx, events.EntryCreated, created, in.Actor)

	s.log.Info("ledger entry created",
		zap.String("kind", string(in.Kind)),
		zap.Int64("id", int64(created.ID)),
		zap.String("account", key),
		zap.String("balance", created.Balance.String()))
	return &created, nil
}

// insertLocked writes the entry and replays its account while holding the
// account lock.
func (s *Service) insertLocked(ctx context.Context, in CreateInput, key string) (Entry, error) {
	unlock := s.locks.lock(in.Kind, key)
	defer unlock()

	entry := Entry{
		Kind:       in.Kind,
		AccountKey: key,
		Credit:     in.Credit,
		Debit:      in.Debit,
		Opening:    in.Opening,
		Date:       in.Date,
		Employee:   in.Employee,
		Detail:     in.Detail,
		EntryLabel: strings.TrimSpace(in.EntryLabel),
	}
	if entry.IsOpening() {
		entry.Balance = in.Opening.Decimal
	} else {
		prev, _, err := s.store.LatestBalance(ctx, in.Kind, key)
		if err != nil {
			return Entry{}, storageErr("read latest balance", err)
		}
		entry.Balance = prev.Add(entry.Delta())
	}
	now := s.now().UTC()
	entry.CreatedAt, entry.UpdatedAt = now, now
	if entry.Date.IsZero() {
		entry.Date = now
	}

	created, err := s.store.Insert(ctx, entry)
	if err != nil {
		return Entry{}, storageErr("insert entry", err)
	}

	if err := s.recomputer.Recompute(ctx, in.Kind, key); err != nil {
		return Entry{}, &StorageError{Op: "recompute after create", Err: err, Entry: &created}
	}
	return s.reload(ctx, created), nil
}

// =============================================================================
// UPDATE
// =============================================================================

func (s *Service) UpdateEntry(ctx context.Context, in UpdateInput) (e *Entry, err error) {
	defer func() { s.metrics.Mutated(in.Kind, "update", err) }()

	if !in.Kind.Valid() {
		return nil, &ValidationError{Field: "kind", Reason: "unknown ledger kind"}
	}
	if err := validateAmounts(in.Credit, in.Debit, in.Opening); err != nil {
		return nil, err
	}
	var target *string
	if in.AccountKey != nil {
		k := strings.TrimSpace(*in.AccountKey)
		if k == "" {
			return nil, &ValidationError{Field: "account_key", Reason: "must not be empty"}
		}
		target = &k
	}

	updated, err := s.updateLocked(ctx, in, target)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.EntryUpdated, updated, in.Actor)
	s.log.Info("ledger entry updated",
		zap.String("kind", string(in.Kind)),
		zap.Int64("id", int64(updated.ID)),
		zap.String("account", updated.AccountKey),
		zap.String("balance", updated.Balance.String()))
	return &updated, nil
}

func (s *Service) updateLocked(ctx context.Context, in UpdateInput, target *string) (Entry, error) {
	existing, newKey, unlock, err := s.lockEntry(ctx, in.Kind, in.ID, target)
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	updated := *existing
	updated.AccountKey = newKey
	updated.Credit, updated.Debit, updated.Opening = in.Credit, in.Debit, in.Opening
	if in.Date != nil {
		updated.Date = *in.Date
	}
	if in.Employee != nil {
		updated.Employee = *in.Employee
	}
	if in.Detail != nil {
		updated.Detail = *in.Detail
	}
	if in.EntryLabel != nil {
		updated.EntryLabel = strings.TrimSpace(*in.EntryLabel)
	}
	if updated.IsOpening() {
		updated.Balance = updated.Opening.Decimal
	} else {
		updated.Balance = existing.Balance.Add(updated.Delta().Sub(existing.Delta()))
	}
	updated.UpdatedAt = s.now().UTC()

	if err := s.store.Update(ctx, updated); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Entry{}, &NotFoundError{Kind: in.Kind, ID: in.ID}
		}
		return Entry{}, storageErr("update entry", err)
	}

	if err := s.recomputer.Recompute(ctx, in.Kind, newKey); err != nil {
		return Entry{}, &StorageError{Op: "recompute after update", Err: err, Entry: &updated}
	}
	if newKey != existing.AccountKey {
		if err := s.recomputer.Recompute(ctx, in.Kind, existing.AccountKey); err != nil {
			return Entry{}, &StorageError{Op: "recompute previous account", Err: err, Entry: &updated}
		}
	}
	return s.reload(ctx, updated), nil
}

// =============================================================================
// DELETE
// =============================================================================

func (s *Service) DeleteEntry(ctx context.Context, in DeleteInput) (d *Deleted, err error) {
	defer func() { s.metrics.Mutated(in.Kind, "delete", err) }()

	if !in.Kind.Valid() {
		return nil, &ValidationError{Field: "kind", Reason: "unknown ledger kind"}
	}

	result, err := s.deleteLocked(ctx, in)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.EntryDeleted, result.Entry, in.Actor)
	s.log.Info("ledger entry deleted",
		zap.String("kind", string(in.Kind)),
		zap.Int64("id", int64(in.ID)),
		zap.String("account", result.Entry.AccountKey))
	return result, nil
}

// deleteLocked archives the entry, deletes it and replays its account. A
// failed delete discards the archive record it just wrote.
func (s *Service) deleteLocked(ctx context.Context, in DeleteInput) (*Deleted, error) {
	existing, _, unlock, err := s.lockEntry(ctx, in.Kind, in.ID, nil)
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := &Deleted{Entry: *existing}
	var archived *archive.Record
	if s.archiver != nil {
		rec, err := s.archiver.Archive(ctx, in.Kind.Module(),
			strconv.FormatInt(int64(in.ID), 10), existing, in.Actor)
		if err != nil {
			return nil, storageErr("archive entry", err)
		}
		archived = &rec
		result.ArchiveID = rec.ID.String()
	}

	if err := s.store.Delete(ctx, in.Kind, in.ID); err != nil {
		if archived != nil {
			if derr := s.archiver.Discard(ctx, archived.ID); derr != nil {
				s.log.Warn("orphan archive record left after failed delete",
					zap.String("archive_id", archived.ID.String()),
					zap.Error(derr))
			}
		}
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Kind: in.Kind, ID: in.ID}
		}
		return nil, storageErr("delete entry", err)
	}

	if err := s.recomputer.Recompute(ctx, in.Kind, existing.AccountKey); err != nil {
		return nil, &StorageError{Op: "recompute after delete", Err: err, Entry: existing}
	}
	result.Recomputed = true
	return result, nil
}

// =============================================================================
// READS & REPAIR
// =============================================================================

func (s *Service) GetEntry(ctx context.Context, kind Kind, id EntryID) (*Entry, error) {
	if !kind.Valid() {
		return nil, &ValidationError{Field: "kind", Reason: "unknown ledger kind"}
	}
	return s.getExisting(ctx, kind, id)
}

func (s *Service) ListEntries(ctx context.Context, kind Kind, f Filter) ([]Entry, error) {
	if !kind.Valid() {
		return nil, &ValidationError{Field: "kind", Reason: "unknown ledger kind"}
	}
	f.AccountKey = strings.TrimSpace(f.AccountKey)
	entries, err := s.store.List(ctx, kind, f)
	if err != nil {
		return nil, storageErr("list entries", err)
	}
	return entries, nil
}

func (s *Service) Accounts(ctx context.Context, kind Kind) ([]Account, error) {
	if !kind.Valid() {
		return nil, &ValidationError{Field: "kind", Reason: "unknown ledger kind"}
	}
	accounts, err := s.store.Accounts(ctx, kind)
	if err != nil {
		return nil, storageErr("list accounts", err)
	}
	return accounts, nil
}

// Recompute replays one account on demand.
func (s *Service) Recompute(ctx context.Context, kind Kind, accountKey string) error {
	key := strings.TrimSpace(accountKey)
	if err := validateTarget(kind, key); err != nil {
		return err
	}
	unlock := s.locks.lock(kind, key)
	err := s.recomputer.Recompute(ctx, kind, key)
	unlock()
	if err != nil {
		return err
	}
	s.publish(ctx, events.AccountReplayed, Entry{Kind: kind, AccountKey: key}, "")
	return nil
}

// RecomputeAll replays every account of a kind and returns how many were
// replayed.
func (s *Service) RecomputeAll(ctx context.Context, kind Kind) (int, error) {
	if !kind.Valid() {
		return 0, &ValidationError{Field: "kind", Reason: "unknown ledger kind"}
	}
	accounts, err := s.store.Accounts(ctx, kind)
	if err != nil {
		return 0, storageErr("list accounts", err)
	}
	for i, a := range accounts {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := s.Recompute(ctx, kind, a.AccountKey); err != nil {
			return i, err
		}
	}
	return len(accounts), nil
}

// =============================================================================
// HELPERS
// =============================================================================

// maxRelock bounds how often lockEntry chases an entry that keeps moving
// between accounts.
const maxRelock = 5

// lockEntry locks the account an entry currently lives in, plus target when
// the entry is being moved, and returns the entry as read under those
// locks. If the entry moved between the unlocked read and the lock, the
// locks are released and taken again on its new account.
func (s *Service) lockEntry(ctx context.Context, kind Kind, id EntryID, target *string) (*Entry, string, func(), error) {
	for attempt := 0; attempt < maxRelock; attempt++ {
		seen, err := s.getExisting(ctx, kind, id)
		if err != nil {
			return nil, "", nil, err
		}
		newKey := seen.AccountKey
		if target != nil {
			newKey = *target
		}

		unlock := s.locks.lock(kind, seen.AccountKey, newKey)
		current, err := s.getExisting(ctx, kind, id)
		if err != nil {
			unlock()
			return nil, "", nil, err
		}
		if current.AccountKey == seen.AccountKey {
			return current, newKey, unlock, nil
		}
		unlock()

		if err := ctx.Err(); err != nil {
			return nil, "", nil, err
		}
	}
	return nil, "", nil, storageErr("lock entry",
		fmt.Errorf("%s entry %d kept moving between accounts", kind, id))
}

func (s *Service) getExisting(ctx context.Context, kind Kind, id EntryID) (*Entry, error) {
	e, err := s.store.Get(ctx, kind, id)
	if err != nil {
		return nil, storageErr("get entry", err)
	}
	if e == nil {
		return nil, &NotFoundError{Kind: kind, ID: id}
	}
	return e, nil
}

// reload returns the stored row, falling back to e if the read fails. The
// row itself is already committed at this point.
func (s *Service) reload(ctx context.Context, e Entry) Entry {
	fresh, err := s.store.Get(ctx, e.Kind, e.ID)
	if err != nil || fresh == nil {
		s.log.Warn("reload after recompute failed",
			zap.String("kind", string(e.Kind)),
			zap.Int64("id", int64(e.ID)),
			zap.Error(err))
		return e
	}
	return *fresh
}

func (s *Service) advanceCounter(ctx context.Context, kind Kind, seq int64) {
	if s.counter == nil {
		return
	}
	if _, err := s.counter.Increment(ctx, kind.FormType(), seq); err != nil {
		s.log.Warn("entry counter not advanced; entry kept",
			zap.String("form_type", kind.FormType()),
			zap.Int64("entry_number", seq),
			zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, t events.Type, e Entry, actor string) {
	at := s.now().UTC()
	ev := events.EntryEvent{
		ID:         events.NewID(at),
		Type:       t,
		Kind:       string(e.Kind),
		EntryID:    int64(e.ID),
		AccountKey: e.AccountKey,
		Balance:    e.Balance,
		Actor:      actor,
		At:         at,
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn("event publish failed",
			zap.String("type", string(t)),
			zap.String("account", e.AccountKey),
			zap.Error(err))
	}
}

func validateTarget(kind Kind, accountKey string) error {
	if !kind.Valid() {
		return &ValidationError{Field: "kind", Reason: "unknown ledger kind"}
	}
	if accountKey == "" {
		return &ValidationError{Field: "account_key", Reason: "is required"}
	}
	return nil
}

// amountScale is the number of decimal places every driver stores.
const amountScale = 2

// validateAmounts enforces credit-xor-debit. Opening entries carry neither.
func validateAmounts(credit, debit, opening decimal.NullDecimal) error {
	for _, a := range []struct {
		field string
		v     decimal.NullDecimal
	}{{"credit", credit}, {"debit", debit}, {"opening_balance", opening}} {
		if a.v.Valid && !a.v.Decimal.Equal(a.v.Decimal.Round(amountScale)) {
			return &ValidationError{Field: a.field, Reason: "must have at most 2 decimal places"}
		}
	}
	if credit.Valid && credit.Decimal.IsNegative() {
		return &ValidationError{Field: "credit", Reason: "must not be negative"}
	}
	if debit.Valid && debit.Decimal.IsNegative() {
		return &ValidationError{Field: "debit", Reason: "must not be negative"}
	}

	hasCredit := credit.Valid && credit.Decimal.IsPositive()
	hasDebit := debit.Valid && debit.Decimal.IsPositive()

	if hasCredit && hasDebit {
		return &ValidationError{Reason: "credit and debit are mutually exclusive"}
	}
	if opening.Valid {
		if hasCredit || hasDebit {
			return &ValidationError{Field: "opening_balance", Reason: "opening balance entries carry no credit or debit"}
		}
		return nil
	}
	if !hasCredit && !hasDebit {
		return &ValidationError{Reason: "one of credit or debit must be positive"}
	}
	return nil
}

func parseEntryLabel(label string) (int64, bool, error) {
	if strings.TrimSpace(label) == "" {
		return 0, false, nil
	}
	n, err := counter.ParseLabel(label)
	if err != nil {
		return 0, false, &ValidationError{Field: "entry_label", Reason: `must look like "<number>/<total>"`}
	}
	return n, true, nil
}

// =============================================================================
// ACCOUNT LOCKS
// =============================================================================

type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires every listed account of kind in sorted order and returns
// the release function.
func (a *accountLocks) lock(kind Kind, keys ...string) func() {
	sort.Strings(keys)
	var held []*sync.Mutex
	for i, k := range keys {
		if i > 0 && keys[i-1] == k {
			continue
		}
		m := a.get(string(kind) + "/" + k)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (a *accountLocks) get(key string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.locks[key]
	if !ok {
		m = &sync.Mutex{}
		a.locks[key] = m
	}
	return m
}
