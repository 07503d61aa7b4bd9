package bench

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/hlock/lib/common"
)

func testConfig() *common.BenchConfig {
	return &common.BenchConfig{
		Threads:         4,
		Keys:            2048,
		ReadPercent:     50,
		Duration:        100 * time.Millisecond,
		LockImpl:        common.LockImplNone,
		Buckets:         1024,
		RefreshInterval: 64,
		IOLatency:       100 * time.Microsecond,
		LogLevel:        "error",
	}
}

func TestRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	t.Run("ReadUpsert", func(t *testing.T) {
		report, err := Run(ctx, testConfig())
		if err != nil {
			t.Fatal(err)
		}
		if report.Reads == 0 || report.Upserts == 0 || report.RMWs != 0 {
			t.Errorf("unexpected mix: %d reads, %d upserts, %d rmws", report.Reads, report.Upserts, report.RMWs)
		}
		// every key was loaded
		if report.NotFound != 0 || report.Store.Keys != 2048 {
			t.Errorf("%d reads not found, %d keys in the index", report.NotFound, report.Store.Keys)
		}
		if !strings.Contains(report.String(), "Throughput") {
			t.Errorf("report misses throughput:\n%s", report.String())
		}
	})

	t.Run("RMWBelowHead", func(t *testing.T) {
		conf := testConfig()
		conf.ReadPercent = -1
		conf.HeadFraction = 0.5
		report, err := Run(ctx, conf)
		if err != nil {
			t.Fatal(err)
		}
		if report.RMWs == 0 || report.Reads != 0 {
			t.Errorf("unexpected mix: %d reads, %d rmws", report.Reads, report.RMWs)
		}
		if report.Pending == 0 {
			t.Errorf("no operation went pending with half the log below head")
		}
		if report.Store.HeadAddress <= report.Store.BeginAddress {
			t.Errorf("head %d not above begin %d", report.Store.HeadAddress, report.Store.BeginAddress)
		}
	})

	t.Run("ManualLocksAndCheckpoints", func(t *testing.T) {
		conf := testConfig()
		conf.LockImpl = common.LockImplManual
		conf.CheckpointInterval = 20 * time.Millisecond
		report, err := Run(ctx, conf)
		if err != nil {
			t.Fatal(err)
		}
		if report.Checkpoints == 0 {
			t.Errorf("no checkpoint written")
		}
		if n := report.locks.OverflowEntries(); n != 0 {
			t.Errorf("%d overflow entries left after the run", n)
		}

		var buf bytes.Buffer
		report.WritePrometheus(&buf)
		for _, name := range []string{"hlock_bench_ops_total", "hlock_lockmgr_acquired_total 1", `quantile="0.99"`} {
			if !strings.Contains(buf.String(), name) {
				t.Errorf("metrics output misses %q", name)
			}
		}
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		conf := testConfig()
		conf.Threads = 0
		if _, err := Run(ctx, conf); err == nil {
			t.Errorf("Run accepted zero threads")
		}
	})
}
