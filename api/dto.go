/*
dto.go - Request bodies and their conversion to ledger inputs

PURPOSE:
  Decouples the JSON contract from the ledger package. Amounts are decoded
  with shopspring/decimal, which accepts both JSON numbers and strings.

ACCOUNT KEY:
  Clients may name the account with "account_key" or with the field of the
  module they came from: "agent_name", "vendor_name" or "bank_name".

DATES:
  "2006-01-02" or RFC 3339. Empty means now.
*/
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/agency-ledger/ledger"
)

// EntryRequest is the body of POST /api/{kind}.
type EntryRequest struct {
	AccountKey string `json:"account_key"`
	AgentName  string `json:"agent_name"`
	VendorName string `json:"vendor_name"`
	BankName   string `json:"bank_name"`

	Credit         *decimal.Decimal `json:"credit"`
	Debit          *decimal.Decimal `json:"debit"`
	OpeningBalance *decimal.Decimal `json:"opening_balance"`

	Date       string `json:"date"`
	Employee   string `json:"employee"`
	Detail     string `json:"detail"`
	EntryLabel string `json:"entry_label"`
}

func (r EntryRequest) accountKey() string {
	for _, k := range []string{r.AccountKey, r.AgentName, r.VendorName, r.BankName} {
		if strings.TrimSpace(k) != "" {
			return k
		}
	}
	return ""
}

func (r EntryRequest) toCreateInput(kind ledger.Kind, actor string) (ledger.CreateInput, error) {
	date, err := parseDate(r.Date)
	if err != nil {
		return ledger.CreateInput{}, err
	}
	return ledger.CreateInput{
		Kind:       kind,
		AccountKey: r.accountKey(),
		Credit:     nullable(r.Credit),
		Debit:      nullable(r.Debit),
		Opening:    nullable(r.OpeningBalance),
		Date:       date,
		Employee:   r.Employee,
		Detail:     r.Detail,
		EntryLabel: r.EntryLabel,
		Actor:      actor,
	}, nil
}

// UpdateEntryRequest is the body of PUT /api/{kind}/{id}. Amounts are the
// full new state of the entry; omitted descriptive fields are kept.
type UpdateEntryRequest struct {
	AccountKey *string `json:"account_key"`

	Credit         *decimal.Decimal `json:"credit"`
	Debit          *decimal.Decimal `json:"debit"`
	OpeningBalance *decimal.Decimal `json:"opening_balance"`

	Date       *string `json:"date"`
	Employee   *string `json:"employee"`
	Detail     *string `json:"detail"`
	EntryLabel *string `json:"entry_label"`
}

func (r UpdateEntryRequest) toUpdateInput(kind ledger.Kind, id ledger.EntryID, actor string) (ledger.UpdateInput, error) {
	in := ledger.UpdateInput{
		Kind:       kind,
		ID:         id,
		AccountKey: r.AccountKey,
		Credit:     nullable(r.Credit),
		Debit:      nullable(r.Debit),
		Opening:    nullable(r.OpeningBalance),
		Employee:   r.Employee,
		Detail:     r.Detail,
		EntryLabel: r.EntryLabel,
		Actor:      actor,
	}
	if r.Date != nil {
		date, err := parseDate(*r.Date)
		if err != nil {
			return ledger.UpdateInput{}, err
		}
		if !date.IsZero() {
			in.Date = &date
		}
	}
	return in, nil
}

// IncrementRequest is the body of POST /api/entry-counts/increment. Either
// ActualEntryNumber or EntryLabel must be set.
type IncrementRequest struct {
	FormType          string `json:"form_type"`
	ActualEntryNumber *int64 `json:"actual_entry_number"`
	EntryLabel        string `json:"entry_label"`
}

// RecomputeResponse is returned by POST /api/{kind}/recompute.
type RecomputeResponse struct {
	Kind     ledger.Kind `json:"kind"`
	Account  string      `json:"account,omitempty"`
	Accounts int         `json:"accounts"`
}

func nullable(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &ledger.ValidationError{Field: "date", Reason: fmt.Sprintf("unrecognized date %q", s)}
	}
	return t, nil
}
