// Package postgres implements the ledger, counter and archive stores on
// PostgreSQL through a pgx connection pool.
//
// Amounts are NUMERIC(18,2) columns. They are read back with a ::text cast
// and parsed into decimals so no precision is lost in transit.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/agency-ledger/archive"
	"github.com/warp/agency-ledger/counter"
	"github.com/warp/agency-ledger/ledger"
)

// serializationRetries bounds how often a counter transaction is replayed
// after a serialization failure.
const serializationRetries = 10

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// Connect opens a pool against dsn, retrying with exponential backoff, and
// migrates the schema.
func Connect(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute

	var pool *pgxpool.Pool
	delay := time.Second
	const maxAttempts = 5
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		pool, err = dial(ctx, cfg)
		if err == nil {
			break
		}
		log.Warn("database connection failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		if attempt == maxAttempts {
			return nil, fmt.Errorf("connect after %d attempts: %w", maxAttempts, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	s := &Store{pool: pool, log: log}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("connected to postgres")
	return s, nil
}

func dial(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	var b strings.Builder
	for _, k := range ledger.Kinds {
		fmt.Fprintf(&b, `
CREATE TABLE IF NOT EXISTS %[1]s (
	id              BIGSERIAL PRIMARY KEY,
	account_key     TEXT NOT NULL,
	credit          NUMERIC(18,2),
	debit           NUMERIC(18,2),
	opening_balance NUMERIC(18,2),
	balance         NUMERIC(18,2) NOT NULL DEFAULT 0,
	entry_date      TIMESTAMPTZ NOT NULL,
	employee        TEXT NOT NULL DEFAULT '',
	detail          TEXT NOT NULL DEFAULT '',
	entry_label     TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_account_id ON %[1]s (account_key, id);
`, k.Table())
	}
	b.WriteString(`
CREATE TABLE IF NOT EXISTS entry_counts (
	form_type     TEXT PRIMARY KEY,
	current_count BIGINT NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS global_counter (
	id    SMALLINT PRIMARY KEY CHECK (id = 1),
	value BIGINT NOT NULL DEFAULT 0
);
INSERT INTO global_counter (id, value) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;
CREATE TABLE IF NOT EXISTS archives (
	id          UUID PRIMARY KEY,
	module      TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	data        JSONB NOT NULL,
	archived_by TEXT NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archives_module ON archives (module, archived_at);
`)
	_, err := s.pool.Exec(ctx, b.String())
	return err
}

// ---------------------------------------------------------------------------
// ledger.Store
// ---------------------------------------------------------------------------

func (s *Store) Insert(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	return queries{s.pool}.Insert(ctx, e)
}

func (s *Store) Get(ctx context.Context, kind ledger.Kind, id ledger.EntryID) (*ledger.Entry, error) {
	return queries{s.pool}.Get(ctx, kind, id)
}

func (s *Store) Update(ctx context.Context, e ledger.Entry) error {
	return queries{s.pool}.Update(ctx, e)
}

func (s *Store) Delete(ctx context.Context, kind ledger.Kind, id ledger.EntryID) error {
	return queries{s.pool}.Delete(ctx, kind, id)
}

func (s *Store) LatestBalance(ctx context.Context, kind ledger.Kind, accountKey string) (decimal.Decimal, bool, error) {
	return queries{s.pool}.LatestBalance(ctx, kind, accountKey)
}

func (s *Store) LoadAccount(ctx context.Context, kind ledger.Kind, accountKey string) ([]ledger.Entry, error) {
	return queries{s.pool}.LoadAccount(ctx, kind, accountKey)
}

func (s *Store) SetBalance(ctx context.Context, kind ledger.Kind, id ledger.EntryID, balance decimal.Decimal) error {
	return queries{s.pool}.SetBalance(ctx, kind, id, balance)
}

func (s *Store) List(ctx context.Context, kind ledger.Kind, f ledger.Filter) ([]ledger.Entry, error) {
	return queries{s.pool}.List(ctx, kind, f)
}

func (s *Store) Accounts(ctx context.Context, kind ledger.Kind) ([]ledger.Account, error) {
	return queries{s.pool}.Accounts(ctx, kind)
}

// ---------------------------------------------------------------------------
// transactions
// ---------------------------------------------------------------------------

// WithTx runs fn in a READ COMMITTED transaction. Recomputes of one account
// are serialized by the caller's account lock.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.inTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(q queries) error {
		return fn(q)
	})
}

// WithCounterTx runs fn in a SERIALIZABLE transaction and replays it when
// Postgres reports a serialization failure.
func (s *Store) WithCounterTx(ctx context.Context, fn func(counter.Repo) error) error {
	var err error
	for attempt := 0; attempt < serializationRetries; attempt++ {
		err = s.inTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(q queries) error {
			return fn(q)
		})
		if !isSerializationFailure(err) {
			return err
		}
		s.log.Debug("counter transaction retried", zap.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 5 * time.Millisecond):
		}
	}
	return err
}

func (s *Store) inTx(ctx context.Context, opts pgx.TxOptions, fn func(queries) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(queries{tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

// ---------------------------------------------------------------------------
// archive.Store
// ---------------------------------------------------------------------------

func (s *Store) SaveArchive(ctx context.Context, r archive.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO archives (id, module, record_id, data, archived_by, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.Module, r.RecordID, string(r.Data), r.ArchivedBy, r.ArchivedAt)
	if err != nil {
		return fmt.Errorf("save archive: %w", err)
	}
	return nil
}

func (s *Store) DeleteArchive(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM archives WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete archive: %w", err)
	}
	return nil
}

func (s *Store) ListArchives(ctx context.Context, module string) ([]archive.Record, error) {
	query := `SELECT id, module, record_id, data::text, archived_by, archived_at FROM archives`
	var args []any
	if module != "" {
		query += ` WHERE module = $1`
		args = append(args, module)
	}
	query += ` ORDER BY archived_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query archives: %w", err)
	}
	defer rows.Close()

	records := []archive.Record{}
	for rows.Next() {
		var (
			r    archive.Record
			data string
		)
		if err := rows.Scan(&r.ID, &r.Module, &r.RecordID, &data, &r.ArchivedBy, &r.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		r.Data = []byte(data)
		records = append(records, r)
	}
	return records, rows.Err()
}

// ---------------------------------------------------------------------------
// queries
// ---------------------------------------------------------------------------

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
}

const entryColumns = `id, account_key, credit::text, debit::text, opening_balance::text, balance::text,
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

	err = q.db.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (account_key, credit, debit, opening_balance, balance,
			entry_date, employee, detail, entry_label, created_at, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11)
		RETURNING id`, t),
		e.AccountKey, numeric(e.Credit), numeric(e.Debit), numeric(e.Opening), e.Balance.String(),
		e.Date, e.Employee, e.Detail, e.EntryLabel, e.CreatedAt, e.UpdatedAt,
	).Scan(&e.ID)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	return e, nil
}

func (q queries) Get(ctx context.Context, kind ledger.Kind, id ledger.EntryID) (*ledger.Entry, error) {
	t, err := table(kind)
	if err != nil {
		return nil, err
	}

	row := q.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, entryColumns, t), id)
	e, err := scanEntry(row, kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
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

	tag, err := q.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET account_key = $1, credit = $2::numeric, debit = $3::numeric,
			opening_balance = $4::numeric, balance = $5::numeric, entry_date = $6,
			employee = $7, detail = $8, entry_label = $9, updated_at = $10
		WHERE id = $11`, t),
		e.AccountKey, numeric(e.Credit), numeric(e.Debit), numeric(e.Opening), e.Balance.String(),
		e.Date, e.Employee, e.Detail, e.EntryLabel, e.UpdatedAt, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	return requireRow(tag, e.Kind, e.ID)
}

func (q queries) Delete(ctx context.Context, kind ledger.Kind, id ledger.EntryID) error {
	t, err := table(kind)
	if err != nil {
		return err
	}
	tag, err := q.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, t), id)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return requireRow(tag, kind, id)
}

func (q queries) LatestBalance(ctx context.Context, kind ledger.Kind, accountKey string) (decimal.Decimal, bool, error) {
	t, err := table(kind)
	if err != nil {
		return decimal.Zero, false, err
	}

	var raw string
	err = q.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT balance::text FROM %s WHERE account_key = $1 ORDER BY id DESC LIMIT 1`, t),
		accountKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("latest balance: %w", err)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("latest balance: %w", err)
	}
	return balance, true, nil
}

func (q queries) LoadAccount(ctx context.Context, kind ledger.Kind, accountKey string) ([]ledger.Entry, error) {
	t, err := table(kind)
	if err != nil {
		return nil, err
	}
	return q.queryEntries(ctx, kind, fmt.Sprintf(
		`SELECT %s FROM %s WHERE account_key = $1 ORDER BY id ASC`, entryColumns, t), accountKey)
}

func (q queries) SetBalance(ctx context.Context, kind ledger.Kind, id ledger.EntryID, balance decimal.Decimal) error {
	t, err := table(kind)
	if err != nil {
		return err
	}
	tag, err := q.db.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET balance = $1::numeric WHERE id = $2`, t), balance.String(), id)
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return requireRow(tag, kind, id)
}

func (q queries) List(ctx context.Context, kind ledger.Kind, f ledger.Filter) ([]ledger.Entry, error) {
	t, err := table(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, entryColumns, t)
	var args []any
	if f.AccountKey != "" {
		args = append(args, f.AccountKey)
		query += fmt.Sprintf(` WHERE account_key = $%d`, len(args))
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}
	return q.queryEntries(ctx, kind, query, args...)
}

func (q queries) Accounts(ctx context.Context, kind ledger.Kind) ([]ledger.Account, error) {
	t, err := table(kind)
	if err != nil {
		return nil, err
	}

	rows, err := q.db.Query(ctx, fmt.Sprintf(`
		SELECT a.account_key, a.n, a.last_id, e.balance::text
		FROM (
			SELECT account_key, COUNT(*) AS n, MAX(id) AS last_id
			FROM %[1]s GROUP BY account_key
		) a
		JOIN %[1]s e ON e.id = a.last_id
		ORDER BY a.account_key`, t))
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	accounts := []ledger.Account{}
	for rows.Next() {
		var (
			a   = ledger.Account{Kind: kind}
			raw string
		)
		if err := rows.Scan(&a.AccountKey, &a.Entries, &a.LastEntry, &raw); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		if a.Balance, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (q queries) queryEntries(ctx context.Context, kind ledger.Kind, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
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

func scanEntry(row pgx.Row, kind ledger.Kind) (ledger.Entry, error) {
	var (
		e                      ledger.Entry
		credit, debit, opening *string
		balance                string
	)
	err := row.Scan(&e.ID, &e.AccountKey, &credit, &debit, &opening, &balance,
		&e.Date, &e.Employee, &e.Detail, &e.EntryLabel, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan entry: %w", err)
	}

	e.Kind = kind
	for _, f := range []struct {
		raw *string
		dst *decimal.NullDecimal
	}{{credit, &e.Credit}, {debit, &e.Debit}, {opening, &e.Opening}} {
		if f.raw == nil {
			continue
		}
		d, err := decimal.NewFromString(*f.raw)
		if err != nil {
			return e, fmt.Errorf("scan entry %d: %w", e.ID, err)
		}
		*f.dst = decimal.NewNullDecimal(d)
	}
	if e.Balance, err = decimal.NewFromString(balance); err != nil {
		return e, fmt.Errorf("scan entry %d: %w", e.ID, err)
	}
	return e, nil
}

// ---------------------------------------------------------------------------
// counter.Repo
// ---------------------------------------------------------------------------

func (q queries) CurrentCount(ctx context.Context, formType string) (int64, bool, error) {
	var n int64
	err := q.db.QueryRow(ctx,
		`SELECT current_count FROM entry_counts WHERE form_type = $1`, formType).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read entry count: %w", err)
	}
	return n, true, nil
}

func (q queries) SetCurrentCount(ctx context.Context, formType string, n int64) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO entry_counts (form_type, current_count, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (form_type) DO UPDATE
		SET current_count = EXCLUDED.current_count, updated_at = now()`,
		formType, n)
	if err != nil {
		return fmt.Errorf("write entry count: %w", err)
	}
	return nil
}

func (q queries) GlobalCount(ctx context.Context) (int64, error) {
	var n int64
	if err := q.db.QueryRow(ctx, `SELECT value FROM global_counter WHERE id = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("read global count: %w", err)
	}
	return n, nil
}

func (q queries) SetGlobalCount(ctx context.Context, n int64) error {
	if _, err := q.db.Exec(ctx, `UPDATE global_counter SET value = $1 WHERE id = 1`, n); err != nil {
		return fmt.Errorf("write global count: %w", err)
	}
	return nil
}

func (q queries) ListCounts(ctx context.Context) ([]counter.FormCount, error) {
	rows, err := q.db.Query(ctx, `SELECT form_type, current_count FROM entry_counts ORDER BY form_type`)
	if err != nil {
		return nil, fmt.Errorf("query entry counts: %w", err)
	}
	defer rows.Close()

	counts := []counter.FormCount{}
	for rows.Next() {
		var c counter.FormCount
		if err := rows.Scan(&c.FormType, &c.CurrentCount); err != nil {
			return nil, fmt.Errorf("scan entry count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func numeric(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func requireRow(tag pgconn.CommandTag, kind ledger.Kind, id ledger.EntryID) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s entry %d: %w", kind, id, ledger.ErrNotFound)
	}
	return nil
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ counter.Store  = (*Store)(nil)
	_ archive.Store  = (*Store)(nil)
)
