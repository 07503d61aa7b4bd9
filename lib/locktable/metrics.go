package locktable

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// tableMetrics are the counters of one lock table. Each table owns its own
// metrics.Set so several tables (tests, benchmarks) can coexist.
type tableMetrics struct {
	set              *metrics.Set
	inlineAcquired   *metrics.Counter
	overflowAcquired *metrics.Counter
	failed           *metrics.Counter
	created          *metrics.Counter
	reclaimed        *metrics.Counter
	violations       *metrics.Counter
}

func newTableMetrics(entries func() float64) *tableMetrics {
	set := metrics.NewSet()
	m := &tableMetrics{
		set:              set,
		inlineAcquired:   set.NewCounter("hlock_locktable_inline_acquired_total"),
		overflowAcquired: set.NewCounter("hlock_locktable_overflow_acquired_total"),
		failed:           set.NewCounter("hlock_locktable_lock_failed_total"),
		created:          set.NewCounter("hlock_locktable_overflow_created_total"),
		reclaimed:        set.NewCounter("hlock_locktable_overflow_reclaimed_total"),
		violations:       set.NewCounter("hlock_locktable_contract_violations_total"),
	}
	set.NewGauge("hlock_locktable_overflow_entries", entries)
	return m
}

func (lt *lockTableImpl) WritePrometheus(w io.Writer) {
	lt.metrics.set.WritePrometheus(w)
}
