/*
errors.go - Error taxonomy for ledger operations

ERROR CATEGORIES:
  1. Validation - bad credit/debit combination, malformed entry label.
     Reported as 400, nothing is written.
  2. Not found - update/delete on a missing id. Reported as 404.
  3. Storage - the underlying store failed. Reported as 500.

PARTIAL WRITES:
  Create and delete commit their primary write before recomputing the
  account. If the recompute fails afterwards the primary write stays on disk
  and StorageError.Entry carries it, so callers can report what was written.
  The next successful recompute on the account repairs the balances.
*/
package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is the root of every input validation failure.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when an entry id does not exist.
	ErrNotFound = errors.New("entry not found")

	// ErrStorage wraps failures from the persistence layer.
	ErrStorage = errors.New("storage failure")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NotFoundError identifies the missing entry.
type NotFoundError struct {
	Kind Kind
	ID   EntryID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s entry %d not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// StorageError wraps a store failure. Entry is set when a primary write
// committed before a later step failed.
type StorageError struct {
	Op    string
	Err   error
	Entry *Entry
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
