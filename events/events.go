// Package events describes ledger change notifications published after a
// mutation commits. Publishing is best effort: a failed publish is logged by
// the caller and never undoes the write.
package events

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

type Type string

const (
	EntryCreated    Type = "entry.created"
	EntryUpdated    Type = "entry.updated"
	EntryDeleted    Type = "entry.deleted"
	AccountReplayed Type = "account.recomputed"
)

// EntryEvent is the payload written for every ledger mutation.
type EntryEvent struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Kind       string          `json:"kind"`
	EntryID    int64           `json:"entry_id,omitempty"`
	AccountKey string          `json:"account_key"`
	Balance    decimal.Decimal `json:"balance"`
	Actor      string          `json:"actor,omitempty"`
	At         time.Time       `json:"at"`
}

// Publisher delivers events to a broker.
type Publisher interface {
	Publish(ctx context.Context, ev EntryEvent) error
	Close() error
}

// NewID returns a lexically sortable event id.
func NewID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), ulid.Monotonic(rand.Reader, 0)).String()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, EntryEvent) error { return nil }
func (Nop) Close() error                              { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []EntryEvent
	Err    error
}

func (r *Recorder) Publish(_ context.Context, ev EntryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []EntryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EntryEvent(nil), r.events...)
}

func (r *Recorder) Close() error { return nil }
