// Package metrics exposes Prometheus collectors for ledger recomputes,
// mutations and entry counter increments.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/agency-ledger/ledger"
)

// Metrics implements ledger.Metrics and counter.Metrics.
type Metrics struct {
	recomputeTotal    *prometheus.CounterVec
	recomputeDuration *prometheus.HistogramVec
	mutationsTotal    *prometheus.CounterVec
	counterIncrements *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer
// to serve them from promhttp.Handler().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		recomputeTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_recompute_total",
				Help: "Account balance replays by ledger kind and outcome",
			},
			[]string{"kind", "status"},
		),
		recomputeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_recompute_duration_seconds",
				Help:    "Duration of one account balance replay",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		mutationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_mutations_total",
				Help: "Ledger entry creates, updates and deletes by outcome",
			},
			[]string{"kind", "op", "status"},
		),
		counterIncrements: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entry_counter_increments_total",
				Help: "Entry counter increments by form type and whether the global count advanced",
			},
			[]string{"form_type", "global"},
		),
	}
}

func (m *Metrics) Recomputed(kind ledger.Kind, err error, took time.Duration) {
	m.recomputeTotal.WithLabelValues(string(kind), status(err)).Inc()
	m.recomputeDuration.WithLabelValues(string(kind)).Observe(took.Seconds())
}

func (m *Metrics) Mutated(kind ledger.Kind, op string, err error) {
	m.mutationsTotal.WithLabelValues(string(kind), op, status(err)).Inc()
}

func (m *Metrics) CounterIncremented(formType string, advancedGlobal bool) {
	m.counterIncrements.WithLabelValues(formType, strconv.FormatBool(advancedGlobal)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
