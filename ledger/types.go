/*
Package ledger provides the running-balance engine shared by the agent,
vendor and office account modules.

PURPOSE:
  Every ledger module keeps an independent set of accounts keyed by a name
  (agent name, vendor name, bank name). Each account is an ordered list of
  entries carrying a credit or a debit, and every entry stores the running
  balance of its account up to and including itself.

KEY CONCEPTS IN THIS FILE (types.go):
  - Kind: which ledger table an entry lives in (agent, vendor, office)
  - Entry: one row of a ledger table
  - Delta: the signed contribution of an entry (credit - debit)

ORDERING:
  Entries are ordered by ID, which is assigned in insertion order. The Date
  field is descriptive only; editing it never moves an entry in the chain.

OPENING BALANCES:
  An opening-balance entry has no credit or debit and an explicit Opening
  value. During replay it sets the running balance to that value instead of
  adding to it.

SEE ALSO:
  - recompute.go: Full replay of an account
  - service.go: Create / update / delete operations
  - store.go: Persistence interfaces
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// KIND - Which ledger module an entry belongs to
// =============================================================================

type Kind string

const (
	KindAgent  Kind = "agent"
	KindVendor Kind = "vendor"
	KindOffice Kind = "office"
)

// Kinds lists every ledger module.
var Kinds = []Kind{KindAgent, KindVendor, KindOffice}

// ParseKind accepts the kind name or its route form ("agent-accounts").
func ParseKind(s string) (Kind, error) {
	switch s {
	case "agent", "agent-accounts":
		return KindAgent, nil
	case "vendor", "vendor-accounts":
		return KindVendor, nil
	case "office", "office-accounts", "bank", "bank-accounts":
		return KindOffice, nil
	}
	return "", fmt.Errorf("unknown ledger kind %q", s)
}

func (k Kind) Valid() bool {
	return k == KindAgent || k == KindVendor || k == KindOffice
}

// Table is the storage table backing this kind.
func (k Kind) Table() string {
	return string(k) + "_accounts"
}

// Module is the name used for archive snapshots.
func (k Kind) Module() string {
	return string(k) + "_accounts"
}

// Route is the URL segment serving this kind.
func (k Kind) Route() string {
	return string(k) + "-accounts"
}

// FormType is the entry-counter form type advanced by creates on this kind.
func (k Kind) FormType() string {
	return string(k)
}

// =============================================================================
// ENTRY - One ledger row
// =============================================================================

type EntryID int64

// Entry is one row of a ledger table.
type Entry struct {
	ID         EntryID `json:"id"`
	Kind       Kind    `json:"kind"`
	AccountKey string  `json:"account_key"`

	Credit  decimal.NullDecimal `json:"credit"`
	Debit   decimal.NullDecimal `json:"debit"`
	Opening decimal.NullDecimal `json:"opening_balance"`
	Balance decimal.Decimal     `json:"balance"`

	// Descriptive fields; the engine never reads them.
	Date       time.Time `json:"date"`
	Employee   string    `json:"employee,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	EntryLabel string    `json:"entry_label,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsOpening reports whether the entry sets an explicit balance.
func (e Entry) IsOpening() bool {
	return e.Opening.Valid
}

// Delta is credit - debit with missing values treated as zero.
func (e Entry) Delta() decimal.Decimal {
	return amountOf(e.Credit).Sub(amountOf(e.Debit))
}

func amountOf(d decimal.NullDecimal) decimal.Decimal {
	if !d.Valid {
		return decimal.Zero
	}
	return d.Decimal
}

// Account summarizes one account key of a ledger kind.
type Account struct {
	Kind       Kind            `json:"kind"`
	AccountKey string          `json:"account_key"`
	Entries    int             `json:"entries"`
	Balance    decimal.Decimal `json:"balance"`
	LastEntry  EntryID         `json:"last_entry_id"`
}

// Filter narrows ListEntries.
type Filter struct {
	AccountKey string
	Limit      int
	Offset     int
}
