/*
recompute.go - Full replay of an account's balance chain

PURPOSE:
  The stored balance column is derived data. Recompute rebuilds it for one
  account by walking every entry in ID order:

    running = 0
    for each entry:
        if opening: running = opening
        else:       running = running + credit - debit
        entry.balance = running

  This is the correctness mechanism for every mutation. The incremental
  balances computed inside create/update are only a convenience for the
  immediate response; after Recompute the disk always matches the replay.

ATOMICITY:
  The whole replay of one account runs inside a single store transaction.
  A failure part way through rolls back, leaving the previous chain intact.
  Different accounts may be recomputed concurrently.

IDEMPOTENCY:
  Replaying an unchanged account writes nothing: only rows whose stored
  balance differs from the replayed value are updated.
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Replay returns a copy of entries with Balance set to the running total.
// Entries must already be in ID order.
func Replay(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	running := decimal.Zero
	for i, e := range entries {
		if e.IsOpening() {
			running = e.Opening.Decimal
		} else {
			running = running.Add(e.Delta())
		}
		e.Balance = running
		out[i] = e
	}
	return out
}

// Recomputer re-derives stored balances from the entry chain.
type Recomputer struct {
	store   TxStore
	log     *zap.Logger
	metrics Metrics
}

func NewRecomputer(store TxStore, log *zap.Logger, metrics Metrics) *Recomputer {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Recomputer{store: store, log: log, metrics: metrics}
}

// Recompute replays one account and persists every changed balance.
func (r *Recomputer) Recompute(ctx context.Context, kind Kind, accountKey string) error {
	start := time.Now()
	var changed int

	err := r.store.WithTx(ctx, func(s Store) error {
		n, err := replayAccount(ctx, s, kind, accountKey)
		changed = n
		return err
	})

	r.metrics.Recomputed(kind, err, time.Since(start))
	if err != nil {
		r.log.Error("recompute failed",
			zap.String("kind", string(kind)),
			zap.String("account", accountKey),
			zap.Error(err))
		return storageErr("recompute "+accountKey, err)
	}

	r.log.Debug("recomputed account",
		zap.String("kind", string(kind)),
		zap.String("account", accountKey),
		zap.Int("changed", changed),
		zap.Duration("took", time.Since(start)))
	return nil
}

func replayAccount(ctx context.Context, s Store, kind Kind, accountKey string) (int, error) {
	entries, err := s.LoadAccount(ctx, kind, accountKey)
	if err != nil {
		return 0, err
	}

	changed := 0
	for i, e := range Replay(entries) {
		if e.Balance.Equal(entries[i].Balance) {
			continue
		}
		if err := s.SetBalance(ctx, kind, e.ID, e.Balance); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}
