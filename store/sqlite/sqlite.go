/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

INTERFACES IMPLEMENTED:
  ledger.TxStore:  Ledger entries for agent, vendor and office accounts
  counter.Store:   Entry counters and the global sequence
  archive.Store:   Snapshots of deleted records

KEY TABLES:
  agent_accounts, vendor_accounts, office_accounts:
                   One row per ledger entry. Same columns in all three.
                   id is AUTOINCREMENT so ids are never reused.
  entry_counts:    One row per form type (current_count)
  global_counter:  Exactly one row (id = 1) holding the shared global count
  archives:        JSON snapshots keyed by module + record id

AMOUNTS:
  credit, debit, opening_balance and balance are TEXT holding decimal
  strings. NULL means absent.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety within the process, and the
  connection is opened with _txlock=immediate so every transaction takes
  the write lock up front. Counter increments and account recomputes are
  therefore serialized.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging): readers don't block the
  single writer.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/agency-ledger/archive"
	"github.com/warp/agency-ledger/counter"
	"github.com/warp/agency-ledger/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	q  queries
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, q: queries{db: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	var b strings.Builder
	for _, k := range ledger.Kinds {
		fmt.Fprintf(&b, `
	CREATE TABLE IF NOT EXISTS %[1]s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_key TEXT NOT NULL,
		credit TEXT,
		debit TEXT,
		opening_balance TEXT,
		balance TEXT NOT NULL DEFAULT '0',
		entry_date TEXT NOT NULL,
		employee TEXT,
		detail TEXT,
		entry_label TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Hot path: replay of one account in id order
	CREATE INDEX IF NOT EXISTS idx_%[1]s_account_id
		ON %[1]s(account_key, id);
`, k.Table())
	}

	b.WriteString(`
	CREATE TABLE IF NOT EXISTS entry_counts (
		form_type TEXT PRIMARY KEY,
		current_count INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS global_counter (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		value INTEGER NOT NULL DEFAULT 0
	);
	INSERT OR IGNORE INTO global_counter (id, value) VALUES (1, 0);

	CREATE TABLE IF NOT EXISTS archives (
		id TEXT PRIMARY KEY,
		module TEXT NOT NULL,
		record_id TEXT NOT NULL,
		data TEXT NOT NULL,
		archived_by TEXT NOT NULL,
		archived_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_archives_module
		ON archives(module, archived_at);
	`)

	_, err := s.db.Exec(b.String())
	return err
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) Insert(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Insert(ctx, e)
}

func (s *Store) Get(ctx context.Context, kind ledger.Kind, id ledger.EntryID) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.Get(ctx, kind, id)
}

func (s *Store) Update(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Update(ctx, e)
}

func (s *Store) Delete(ctx context.Context, kind ledger.Kind, id ledger.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Delete(ctx, kind, id)
}

func (s *Store) LatestBalance(ctx context.Context, kind ledger.Kind, accountKey string) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.LatestBalance(ctx, kind, accountKey)
}

func (s *Store) LoadAccount(ctx context.Context, kind ledger.Kind, accountKey string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.LoadAccount(ctx, kind, accountKey)
}

func (s *Store) SetBalance(ctx context.Context, kind ledger.Kind, id ledger.EntryID, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.SetBalance(ctx, kind, id, balance)
}

func (s *Store) List(ctx context.Context, kind ledger.Kind, f ledger.Filter) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.List(ctx, kind, f)
}

func (s *Store) Accounts(ctx context.Context, kind ledger.Kind) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.Accounts(ctx, kind)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore, counter.Store)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.inTx(ctx, func(q queries) error { return fn(q) })
}

// WithCounterTx executes fn within a database transaction.
func (s *Store) WithCounterTx(ctx context.Context, fn func(counter.Repo) error) error {
	return s.inTx(ctx, func(q queries) error { return fn(q) })
}

func (s *Store) inTx(ctx context.Context, fn func(queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{db: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// ARCHIVE STORE (archive.Store interface)
// =============================================================================

func (s *Store) SaveArchive(ctx context.Context, r archive.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archives (id, module, record_id, data, archived_by, archived_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID.String(), r.Module, r.RecordID, string(r.Data), r.ArchivedBy, r.ArchivedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save archive: %w", err)
	}
	return nil
}

func (s *Store) DeleteArchive(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM archives WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}

func (s *Store) ListArchives(ctx context.Context, module string) ([]archive.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, module, record_id, data, archived_by, archived_at FROM archives`
	var args []any
	if module != "" {
		query += ` WHERE module = ?`
		args = append(args, module)
	}
	query += ` ORDER BY archived_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query archives: %w", err)
	}
	defer rows.Close()

	records := []archive.Record{}
	for rows.Next() {
		var (
			r          archive.Record
			id, data   string
			archivedAt string
		)
		if err := rows.Scan(&id, &r.Module, &r.RecordID, &data, &r.ArchivedBy, &archivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archive: %w", err)
		}
		r.ID, _ = uuid.Parse(id)
		r.Data = []byte(data)
		r.ArchivedAt, _ = time.Parse(time.RFC3339Nano, archivedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// =============================================================================
// QUERIES - shared by the store and its transactions
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries runs statements against either the database or a transaction.
// It takes no locks.
type queries struct {
	db querier
}

const entryColumns = `id, account_key, credit, debit, opening_balance, balance,
	entry_date, employee, detail, entry_label, created_at, updated_at`

func table(kind ledger.Kind) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown ledger kind %q", kind)
	}
	return kind.Table(), nil
}

func (q queries) Insert(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	t, err := table(e.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}

	res, err := q.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s
		(account_key, credit, debit, opening_balance, balance,
		 entry_date, employee, detail, entry_label, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t),
		e.AccountKey, e.Credit, e.Debit, e.Opening, e.Balance.String(),
		formatTime(e.Date), nullString(e.Employee), nullString(e.Detail), nullString(e.EntryLabel),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to insert entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to read entry id: %w", err)
	}
	e.ID = ledger.EntryID(id)
	return e, nil
}

func (q queries) Get(ctx context.Context, kind ledger.Kind, id ledger.EntryID) (*ledger.Entry, error) {
	t, err := table(kind)
	if err != nil {
		return nil, err
	}

	rows, err := q.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, entryColumns, t), id)
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanEntry(rows, kind)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (q queries) Update(ctx context.Context, e ledger.Entry) error {
	t, err := table(e.Kind)
	if err != nil {
		return err
	}

	res, err := q.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET
			account_key = ?, credit = ?, debit = ?, opening_balance = ?, balance = ?,
			entry_date = ?, employee = ?, detail = ?, entry_label = ?, updated_at = ?
		WHERE id = ?
	`, t),
		e.AccountKey, e.Credit, e.Debit, e.Opening, e.Balance.String(),
		formatTime(e.Date), nullString(e.Employee), nullString(e.Detail), nullString(e.EntryLabel),
		formatTime(e.UpdatedAt), e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}
	return requireRow(res, e.Kind, e.ID)
}

func (q queries) Delete(ctx context.Context, kind ledger.Kind, id ledger.EntryID) error {
	t, err := table(kind)
	if err != nil {
		return err
	}

	res, err := q.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t), id)
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return requireRow(res, kind, id)
}

func (q queries) LatestBalance(ctx context.Context, kind ledger.Kind, accountKey string) (decimal.Decimal, bool, error) {
	t, err := table(kind)
	if err != nil {
		return decimal.Zero, false, err
	}

	var balance decimal.Decimal
	err = q.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT balance FROM %s
		WHERE account_key = ?
		ORDER BY id DESC
		LIMIT 1
	`, t), accountKey).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to read latest balance: %w", err)
	}
	return balance, true, nil
}

func (q queries) LoadAccount(ctx context.Context, kind ledger.Kind, accountKey string) ([]ledger.Entry, error) {
	t, err := table(kind)
	if err != nil {
		return nil, err
	}
	return q.queryEntries(ctx, kind, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE account_key = ?
		ORDER BY id ASC
	`, entryColumns, t), accountKey)
}

func (q queries) SetBalance(ctx context.Context, kind ledger.Kind, id ledger.EntryID, balance decimal.Decimal) error {
	t, err := table(kind)
	if err != nil {
		return err
	}

	res, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET balance = ? WHERE id = ?`, t), balance.String(), id)
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	return requireRow(res, kind, id)
}

func (q queries) List(ctx context.Context, kind ledger.Kind, f ledger.Filter) ([]ledger.Entry, error) {
	t, err := table(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, entryColumns, t)
	var args []any
	if f.AccountKey != "" {
		query += ` WHERE account_key = ?`
		args = append(args, f.AccountKey)
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, f.Offset)
	}

	return q.queryEntries(ctx, kind, query, args...)
}

func (q queries) Accounts(ctx context.Context, kind ledger.Kind) ([]ledger.Account, error) {
	t, err := table(kind)
	if err != nil {
		return nil, err
	}

	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT a.account_key, a.n, a.last_id, e.balance
		FROM (
			SELECT account_key, COUNT(*) AS n, MAX(id) AS last_id
			FROM %[1]s
			GROUP BY account_key
		) a
		JOIN %[1]s e ON e.id = a.last_id
		ORDER BY a.account_key
	`, t))
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	accounts := []ledger.Account{}
	for rows.Next() {
		a := ledger.Account{Kind: kind}
		if err := rows.Scan(&a.AccountKey, &a.Entries, &a.LastEntry, &a.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (q queries) queryEntries(ctx context.Context, kind ledger.Kind, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	entries := []ledger.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows, kind)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows, kind ledger.Kind) (ledger.Entry, error) {
	var (
		e                             ledger.Entry
		employee, detail, entryLabel  sql.NullString
		entryDate, createdAt, updated string
	)

	err := rows.Scan(
		&e.ID, &e.AccountKey, &e.Credit, &e.Debit, &e.Opening, &e.Balance,
		&entryDate, &employee, &detail, &entryLabel, &createdAt, &updated,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.Kind = kind
	e.Employee = employee.String
	e.Detail = detail.String
	e.EntryLabel = entryLabel.String
	e.Date = parseTime(entryDate)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updated)
	return e, nil
}

// =============================================================================
// COUNTER REPO (counter.Repo interface)
// =============================================================================

func (q queries) CurrentCount(ctx context.Context, formType string) (int64, bool, error) {
	var n int64
	err := q.db.QueryRowContext(ctx,
		`SELECT current_count FROM entry_counts WHERE form_type = ?`, formType).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read entry count: %w", err)
	}
	return n, true, nil
}

func (q queries) SetCurrentCount(ctx context.Context, formType string, n int64) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO entry_counts (form_type, current_count, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(form_type) DO UPDATE SET
			current_count = excluded.current_count,
			updated_at = excluded.updated_at
	`, formType, n, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to write entry count: %w", err)
	}
	return nil
}

func (q queries) GlobalCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `SELECT value FROM global_counter WHERE id = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to read global count: %w", err)
	}
	return n, nil
}

func (q queries) SetGlobalCount(ctx context.Context, n int64) error {
	_, err := q.db.ExecContext(ctx, `UPDATE global_counter SET value = ? WHERE id = 1`, n)
	if err != nil {
		return fmt.Errorf("failed to write global count: %w", err)
	}
	return nil
}

func (q queries) ListCounts(ctx context.Context) ([]counter.FormCount, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT form_type, current_count FROM entry_counts ORDER BY form_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entry counts: %w", err)
	}
	defer rows.Close()

	counts := []counter.FormCount{}
	for rows.Next() {
		var c counter.FormCount
		if err := rows.Scan(&c.FormType, &c.CurrentCount); err != nil {
			return nil, fmt.Errorf("failed to scan entry count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func requireRow(res sql.Result, kind ledger.Kind, id ledger.EntryID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s entry %d: %w", kind, id, ledger.ErrNotFound)
	}
	return nil
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ counter.Store  = (*Store)(nil)
	_ archive.Store  = (*Store)(nil)
	_ ledger.Store   = queries{}
	_ counter.Repo   = queries{}
)
