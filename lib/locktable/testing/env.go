package testing

import (
	"testing"
	"time"

	"github.com/ValentinKolb/hlock/lib/epoch"
	"github.com/ValentinKolb/hlock/lib/hashindex"
	"github.com/ValentinKolb/hlock/lib/locktable"
)

// Factory creates a lock table that reclaims through ep.
type Factory func(ep epoch.IEpoch) locktable.ILockTable

// env is one epoch service, hash index and lock table.
type env struct {
	ep epoch.IEpoch
	ix *hashindex.Index
	lt locktable.ILockTable
}

func newEnv(tb testing.TB, factory Factory) *env {
	tb.Helper()
	ep := epoch.NewEpoch(&epoch.Options{MaxHandles: 256, SweepInterval: time.Millisecond})
	tb.Cleanup(func() { _ = ep.Close() })
	return &env{
		ep: ep,
		ix: hashindex.New(ep, &hashindex.Options{Buckets: 64}),
		lt: factory(ep),
	}
}

// session is a registered, protected epoch handle. It stands in for one worker thread.
type session struct {
	e *env
	h *epoch.Handle
}

func (e *env) session(tb testing.TB) *session {
	tb.Helper()
	h, err := e.ep.Register()
	if err != nil {
		tb.Fatalf("register: %v", err)
	}
	tb.Cleanup(func() {
		if h.IsReleased() {
			return
		}
		if h.IsProtected() {
			h.Unprotect()
		}
		h.Release()
	})
	h.ProtectAndGetEpoch()
	return &session{e: e, h: h}
}

func (s *session) hei(key string) *hashindex.HashEntryInfo {
	hei := s.e.ix.Resolve(s.h, []byte(key))
	return &hei
}

func (s *session) close() {
	if s.h.IsProtected() {
		s.h.Unprotect()
	}
	s.h.Release()
}

// waitFor polls cond while refreshing h until it holds or the deadline passes.
func waitFor(tb testing.TB, h *epoch.Handle, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			tb.Fatal("condition not reached before deadline")
		}
		if h.IsProtected() {
			h.Refresh()
		}
		time.Sleep(time.Millisecond)
	}
}
