/*
Package counter tracks entry numbers per form type and a global sequence
shared by every booking and ledger module.

PURPOSE:
  Booking screens number their records with a label such as "12/50". The
  leading integer is the record's sequence number within its form type.
  The tracker remembers the latest number seen for each form type and keeps
  one global counter that advances whenever a main form type receives a
  number greater than the one it had before.

STATE:
  form type -> current_count   (one row per form type)
  global_count                 (one authoritative value)

  Reading any form type returns the same global_count.

OVERWRITE SEMANTICS:
  Increment always stores the incoming number as current_count, even when it
  is smaller than the previous one. A smaller number rewinds the counter and
  does not advance global_count.

ATOMICITY:
  Increment is a read-modify-write over two rows and runs inside one store
  transaction so concurrent increments for different form types cannot lose
  an update of global_count.
*/
package counter

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Main form types advance the global counter. Utility form types do not.
var (
	MainFormTypes = []string{
		"ticket", "umrah", "visa", "gamca", "navtcc", "services",
		"agent", "vendor", "office",
	}
	UtilityFormTypes = []string{
		"protector", "refund", "expense", "customer", "archive",
	}
)

// AllFormTypes returns main and utility form types.
func AllFormTypes() []string {
	all := make([]string, 0, len(MainFormTypes)+len(UtilityFormTypes))
	all = append(all, MainFormTypes...)
	return append(all, UtilityFormTypes...)
}

// IsMain reports whether formType advances the global counter.
func IsMain(formType string) bool {
	for _, m := range MainFormTypes {
		if m == formType {
			return true
		}
	}
	return false
}

// FormCount is the state of one form type.
type FormCount struct {
	FormType     string `json:"form_type"`
	CurrentCount int64  `json:"current_count"`
	GlobalCount  int64  `json:"global_count"`
}

var (
	// ErrInvalidLabel is returned for entry labels not shaped "<n>/<total>".
	ErrInvalidLabel = errors.New("invalid entry label")

	// ErrInvalidFormType is returned for an empty form type.
	ErrInvalidFormType = errors.New("invalid form type")
)

var labelPattern = regexp.MustCompile(`^\s*(\d+)\s*/\s*(\d+)\s*$`)

// ParseLabel extracts the sequence number from an entry label like "12/50".
func ParseLabel(label string) (int64, error) {
	m := labelPattern.FindStringSubmatch(label)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	return n, nil
}

// =============================================================================
// STORE
// =============================================================================

// Repo is the view of counter storage available inside a transaction.
type Repo interface {
	// CurrentCount returns the stored count, and false if the row is missing.
	CurrentCount(ctx context.Context, formType string) (int64, bool, error)

	// SetCurrentCount upserts the form type row.
	SetCurrentCount(ctx context.Context, formType string, n int64) error

	GlobalCount(ctx context.Context) (int64, error)
	SetGlobalCount(ctx context.Context, n int64) error

	// ListCounts returns every form type row ordered by form type.
	ListCounts(ctx context.Context) ([]FormCount, error)
}

// Store runs counter work in a serialized transaction.
type Store interface {
	WithCounterTx(ctx context.Context, fn func(Repo) error) error
}
