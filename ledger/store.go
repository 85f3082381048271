/*
store.go - Persistence interface for ledger entries

PURPOSE:
  Defines the boundary between the balance engine and the database. Each
  ledger kind is its own table; every method takes the kind explicitly.

KEY INTERFACES:
  Store:   Row-level operations (insert, get, update, delete, ordered load)
  TxStore: Store plus WithTx for atomic multi-row work (recompute)

ORDERING CONTRACT:
  LoadAccount MUST return entries ordered by ID ascending. Insert MUST assign
  IDs that are strictly greater than every ID previously assigned in the
  same table.

NOT FOUND:
  Get returns (nil, nil) for a missing id. Update and Delete return
  ErrNotFound when no row matched.

IMPLEMENTATIONS:
  - store/memory: In-memory for tests
  - store/sqlite: SQLite (default)
  - store/postgres: PostgreSQL via pgx
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store persists ledger entries.
type Store interface {
	// Insert assigns the next ID and writes the entry.
	Insert(ctx context.Context, e Entry) (Entry, error)

	// Get returns the entry or nil if it does not exist.
	Get(ctx context.Context, kind Kind, id EntryID) (*Entry, error)

	// Update overwrites every column of an existing entry.
	Update(ctx context.Context, e Entry) error

	// Delete removes the entry.
	Delete(ctx context.Context, kind Kind, id EntryID) error

	// LatestBalance returns the stored balance of the highest-ID entry of the
	// account, and false when the account has no entries.
	LatestBalance(ctx context.Context, kind Kind, accountKey string) (decimal.Decimal, bool, error)

	// LoadAccount returns every entry of the account ordered by ID ascending.
	LoadAccount(ctx context.Context, kind Kind, accountKey string) ([]Entry, error)

	// SetBalance writes only the balance column.
	SetBalance(ctx context.Context, kind Kind, id EntryID, balance decimal.Decimal) error

	// List returns entries ordered by ID ascending.
	List(ctx context.Context, kind Kind, f Filter) ([]Entry, error)

	// Accounts returns one summary per distinct account key.
	Accounts(ctx context.Context, kind Kind) ([]Account, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
