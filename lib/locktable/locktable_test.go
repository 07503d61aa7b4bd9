package locktable_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ValentinKolb/hlock/lib/epoch"
	"github.com/ValentinKolb/hlock/lib/hashindex"
	"github.com/ValentinKolb/hlock/lib/locktable"
	locktesting "github.com/ValentinKolb/hlock/lib/locktable/testing"
)

func factory(ep epoch.IEpoch) locktable.ILockTable {
	return locktable.NewLockTable(ep, &locktable.Options{Seed: 7})
}

func TestLockTable(t *testing.T) {
	locktesting.RunLockTableTests(t, "LockTable", factory)
}

func TestLockTableSingleRetry(t *testing.T) {
	locktesting.RunLockTableTests(t, "LockTableSingleRetry", func(ep epoch.IEpoch) locktable.ILockTable {
		return locktable.NewLockTable(ep, &locktable.Options{MaxInlineRetries: 1})
	})
}

func BenchmarkLockTable(b *testing.B) {
	locktesting.RunLockTableBenchmarks(b, "LockTable", factory)
}

func TestMetrics(t *testing.T) {
	ep := epoch.NewEpoch(nil)
	defer ep.Close()
	ix := hashindex.New(ep, nil)
	lt := locktable.NewLockTable(ep, nil)

	h, _ := ep.Register()
	defer h.Release()
	h.ProtectAndGetEpoch()
	defer h.Unprotect()

	key := []byte("m")
	hei := ix.Resolve(h, key)
	lt.TryLockEphemeralExclusive(key, &hei)
	lt.TryLockEphemeralShared(key, &hei)
	lt.UnlockEphemeralExclusive(key, &hei)
	lt.TryLockManual(key, &hei, locktable.LockExclusive)

	var buf bytes.Buffer
	lt.WritePrometheus(&buf)
	out := buf.String()
	for _, line := range []string{
		"hlock_locktable_inline_acquired_total 1",
		"hlock_locktable_lock_failed_total 1",
		"hlock_locktable_overflow_acquired_total 1",
		"hlock_locktable_overflow_created_total 1",
		"hlock_locktable_overflow_entries 1",
	} {
		if !strings.Contains(out, line) {
			t.Errorf("metrics should contain %q:\n%s", line, out)
		}
	}
	lt.UnlockManual(key, &hei, locktable.LockExclusive)
}
