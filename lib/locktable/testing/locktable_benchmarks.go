package testing

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/hlock/lib/locktable"
)

// RunLockTableBenchmarks runs the lock table benchmarks.
func RunLockTableBenchmarks(b *testing.B, name string, factory Factory) {
	b.Run(name, func(b *testing.B) {
		b.Run("EphemeralExclusiveUncontended", func(b *testing.B) {
			benchmarkEphemeral(b, newEnv(b, factory), 1<<14, true)
		})

		b.Run("EphemeralSharedUncontended", func(b *testing.B) {
			benchmarkEphemeral(b, newEnv(b, factory), 1<<14, false)
		})

		b.Run("EphemeralSharedHotKey", func(b *testing.B) {
			benchmarkEphemeral(b, newEnv(b, factory), 1, false)
		})

		b.Run("ManualExclusive", func(b *testing.B) {
			benchmarkManual(b, newEnv(b, factory), locktable.LockExclusive)
		})

		b.Run("ManualShared", func(b *testing.B) {
			benchmarkManual(b, newEnv(b, factory), locktable.LockShared)
		})
	})
}

func benchKeys(n int) [][]byte {
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("bench-%d", i))
	}
	return keys
}

func benchmarkEphemeral(b *testing.B, e *env, numKeys int, exclusive bool) {
	keys := benchKeys(numKeys)
	var next atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		s := e.session(b)
		defer s.close()
		i := int(next.Add(1)) * 7919
		for pb.Next() {
			key := keys[i%len(keys)]
			i++
			hei := e.ix.Resolve(s.h, key)
			if exclusive {
				if e.lt.TryLockEphemeralExclusive(key, &hei) {
					e.lt.UnlockEphemeralExclusive(key, &hei)
				}
			} else if e.lt.TryLockEphemeralShared(key, &hei) {
				e.lt.UnlockEphemeralShared(key, &hei)
			}
			if i%256 == 0 {
				s.h.Refresh()
			}
		}
	})
}

func benchmarkManual(b *testing.B, e *env, lockType locktable.LockType) {
	keys := benchKeys(1 << 10)
	var next atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		s := e.session(b)
		defer s.close()
		i := int(next.Add(1)) * 7919
		for pb.Next() {
			key := keys[i%len(keys)]
			i++
			hei := e.ix.Resolve(s.h, key)
			if e.lt.TryLockManual(key, &hei, lockType) {
				e.lt.UnlockManual(key, &hei, lockType)
			}
			if i%256 == 0 {
				s.h.Refresh()
			}
		}
	})
}
