package bench

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/hlock/lib/common"
	"github.com/ValentinKolb/hlock/lib/lockmgr"
	"github.com/ValentinKolb/hlock/lib/locktable"
	"github.com/ValentinKolb/hlock/lib/store"
	"github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// Report is the result of a benchmark run.
type Report struct {
	Config   common.BenchConfig
	LoadTime time.Duration
	Elapsed  time.Duration

	Ops        int64
	Reads      int64
	Upserts    int64
	RMWs       int64
	NotFound   int64
	Pending    int64
	Throughput float64

	LatencyP50  time.Duration
	LatencyP99  time.Duration
	LatencyP999 time.Duration

	Checkpoints     int
	CheckpointBytes int64

	Store store.Info

	registry gometrics.Registry
	locks    locktable.ILockTable
	manager  lockmgr.ILockManager
}

// String returns a formatted summary of the run
func (r *Report) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Results")
	addField("Load Time", r.LoadTime.Round(time.Millisecond).String())
	addField("Elapsed", r.Elapsed.Round(time.Millisecond).String())
	addField("Operations", strconv.FormatInt(r.Ops, 10))
	addField("Throughput", fmt.Sprintf("%.0f ops/s", r.Throughput))
	addField("Reads", strconv.FormatInt(r.Reads, 10))
	addField("Upserts", strconv.FormatInt(r.Upserts, 10))
	addField("RMWs", strconv.FormatInt(r.RMWs, 10))
	addField("Not Found", strconv.FormatInt(r.NotFound, 10))
	addField("Went Pending", strconv.FormatInt(r.Pending, 10))

	addSection("Latency (sampled)")
	addField("p50", r.LatencyP50.String())
	addField("p99", r.LatencyP99.String())
	addField("p99.9", r.LatencyP999.String())

	addSection("Store")
	addField("Keys", strconv.FormatUint(r.Store.Keys, 10))
	addField("Log", fmt.Sprintf("begin=%d head=%d read-only=%d tail=%d",
		r.Store.BeginAddress, r.Store.HeadAddress, r.Store.ReadOnlyAddress, r.Store.TailAddress))
	addField("Overflow Lock Entries", strconv.Itoa(r.Store.LockTable.OverflowEntries))
	if r.Checkpoints > 0 {
		addField("Checkpoints", fmt.Sprintf("%d (%d bytes)", r.Checkpoints, r.CheckpointBytes))
	}

	return sb.String()
}

// WritePrometheus writes the run summary, the lock table and lock manager
// metrics and the process metrics in Prometheus text format.
func (r *Report) WritePrometheus(w io.Writer) {
	set := metrics.NewSet()
	set.NewGauge("hlock_bench_ops_total", func() float64 { return float64(r.Ops) })
	set.NewGauge("hlock_bench_throughput", func() float64 { return r.Throughput })
	set.NewGauge("hlock_bench_pending_total", func() float64 { return float64(r.Pending) })
	for q, d := range map[string]time.Duration{"0.5": r.LatencyP50, "0.99": r.LatencyP99, "0.999": r.LatencyP999} {
		set.NewGauge(fmt.Sprintf(`hlock_bench_latency_seconds{quantile=%q}`, q), func() float64 { return d.Seconds() })
	}
	set.WritePrometheus(w)

	if r.locks != nil {
		r.locks.WritePrometheus(w)
	}
	if r.manager != nil {
		r.manager.WritePrometheus(w)
	}
	metrics.WriteProcessMetrics(w)
}

// WriteDetails dumps the raw meter and histogram state of the run.
func (r *Report) WriteDetails(w io.Writer) {
	if r.registry != nil {
		gometrics.WriteOnce(r.registry, w)
	}
}
