package ledger

import "time"

// Metrics receives engine activity. The metrics package provides the
// Prometheus implementation.
type Metrics interface {
	Recomputed(kind Kind, err error, took time.Duration)
	Mutated(kind Kind, op string, err error)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) Recomputed(Kind, error, time.Duration) {}
func (NopMetrics) Mutated(Kind, string, error)           {}
