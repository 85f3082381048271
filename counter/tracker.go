package counter

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Metrics receives counter activity. See metrics package.
type Metrics interface {
	CounterIncremented(formType string, advancedGlobal bool)
}

type nopMetrics struct{}

func (nopMetrics) CounterIncremented(string, bool) {}

// Tracker maintains per-form-type counts and the shared global count.
type Tracker struct {
	store   Store
	log     *zap.Logger
	metrics Metrics
}

func NewTracker(store Store, log *zap.Logger, metrics Metrics) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Tracker{store: store, log: log, metrics: metrics}
}

// EnsureInitialized creates a zero row for every missing form type.
func (t *Tracker) EnsureInitialized(ctx context.Context, formTypes []string) error {
	return t.store.WithCounterTx(ctx, func(r Repo) error {
		for _, ft := range formTypes {
			if ft == "" {
				return ErrInvalidFormType
			}
			_, ok, err := r.CurrentCount(ctx, ft)
			if err != nil {
				return err
			}
			if ok {
				continue
			}
			if err := r.SetCurrentCount(ctx, ft, 0); err != nil {
				return err
			}
		}
		return nil
	})
}

// Increment records actual as the latest entry number of formType.
func (t *Tracker) Increment(ctx context.Context, formType string, actual int64) (FormCount, error) {
	if formType == "" {
		return FormCount{}, ErrInvalidFormType
	}
	if actual < 0 {
		return FormCount{}, fmt.Errorf("%w: entry number %d is negative", ErrInvalidLabel, actual)
	}

	var (
		state    FormCount
		advanced bool
	)
	err := t.store.WithCounterTx(ctx, func(r Repo) error {
		previous, _, err := r.CurrentCount(ctx, formType)
		if err != nil {
			return err
		}
		if err := r.SetCurrentCount(ctx, formType, actual); err != nil {
			return err
		}

		global, err := r.GlobalCount(ctx)
		if err != nil {
			return err
		}
		if actual > previous && IsMain(formType) {
			global++
			advanced = true
			if err := r.SetGlobalCount(ctx, global); err != nil {
				return err
			}
		}

		state = FormCount{FormType: formType, CurrentCount: actual, GlobalCount: global}
		return nil
	})
	if err != nil {
		t.log.Error("entry counter increment failed",
			zap.String("form_type", formType),
			zap.Int64("entry_number", actual),
			zap.Error(err))
		return FormCount{}, fmt.Errorf("increment %s: %w", formType, err)
	}

	t.metrics.CounterIncremented(formType, advanced)
	t.log.Debug("entry counter incremented",
		zap.String("form_type", formType),
		zap.Int64("current", state.CurrentCount),
		zap.Int64("global", state.GlobalCount))
	return state, nil
}

// IncrementLabel parses an entry label and increments with its sequence number.
func (t *Tracker) IncrementLabel(ctx context.Context, formType, label string) (FormCount, error) {
	n, err := ParseLabel(label)
	if err != nil {
		return FormCount{}, err
	}
	return t.Increment(ctx, formType, n)
}

// List returns every form type with the shared global count.
func (t *Tracker) List(ctx context.Context) ([]FormCount, error) {
	var counts []FormCount
	err := t.store.WithCounterTx(ctx, func(r Repo) error {
		rows, err := r.ListCounts(ctx)
		if err != nil {
			return err
		}
		global, err := r.GlobalCount(ctx)
		if err != nil {
			return err
		}
		for i := range rows {
			rows[i].GlobalCount = global
		}
		counts = rows
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list entry counts: %w", err)
	}
	return counts, nil
}

// Get returns the state of one form type. A missing row reads as zero.
func (t *Tracker) Get(ctx context.Context, formType string) (FormCount, error) {
	state := FormCount{FormType: formType}
	err := t.store.WithCounterTx(ctx, func(r Repo) error {
		n, _, err := r.CurrentCount(ctx, formType)
		if err != nil {
			return err
		}
		g, err := r.GlobalCount(ctx)
		if err != nil {
			return err
		}
		state.CurrentCount, state.GlobalCount = n, g
		return nil
	})
	if err != nil {
		return FormCount{}, fmt.Errorf("get entry count %s: %w", formType, err)
	}
	return state, nil
}
