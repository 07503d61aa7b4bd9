package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hlock/lib/epoch"
	"github.com/ValentinKolb/hlock/lib/locktable"
	"github.com/ValentinKolb/hlock/lib/store"
	"github.com/ValentinKolb/hlock/lib/util"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var plog = logger.GetLogger("lockmgr")

// number of idle epoch handles kept for reuse
const handleCache = 8

// grant is the set of keys one owner holds, in acquisition order.
type grant struct {
	lockType locktable.LockType
	keys     []string
}

type lockMgrImpl struct {
	store   store.IStore
	handles chan *epoch.Handle
	owners  *xsync.MapOf[string, *grant]
	closed  atomic.Bool

	set      *metrics.Set
	acquired *metrics.Counter
	timeouts *metrics.Counter
	released *metrics.Counter
}

// NewLockManager creates a lock manager on the lock table of st. Its locks
// are manual locks, so they also exclude the record operations of st.
func NewLockManager(st store.IStore) ILockManager {
	set := metrics.NewSet()
	lm := &lockMgrImpl{
		store:    st,
		handles:  make(chan *epoch.Handle, handleCache),
		owners:   xsync.NewMapOf[string, *grant](),
		set:      set,
		acquired: set.NewCounter("hlock_lockmgr_acquired_total"),
		timeouts: set.NewCounter("hlock_lockmgr_timeouts_total"),
		released: set.NewCounter("hlock_lockmgr_released_total"),
	}
	set.NewGauge("hlock_lockmgr_owners", func() float64 {
		return float64(lm.owners.Size())
	})
	return lm
}

// --------------------------------------------------------------------------
// Epoch handles
// --------------------------------------------------------------------------

// handle returns a cached or newly registered epoch handle. If the handle
// table is full it waits for a cached one until ctx is done.
func (lm *lockMgrImpl) handle(ctx context.Context) (*epoch.Handle, error) {
	select {
	case h := <-lm.handles:
		return h, nil
	default:
	}
	h, err := lm.store.Epoch().Register()
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, epoch.ErrTableFull) {
		return nil, err
	}
	select {
	case h := <-lm.handles:
		return h, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", err, ctx.Err())
	}
}

func (lm *lockMgrImpl) putHandle(h *epoch.Handle) {
	if !lm.closed.Load() {
		select {
		case lm.handles <- h:
			return
		default:
		}
	}
	h.Release()
}

func (lm *lockMgrImpl) tryLock(h *epoch.Handle, key string, lockType locktable.LockType) bool {
	h.ProtectAndGetEpoch()
	defer h.Unprotect()
	k := []byte(key)
	hei := lm.store.Index().Resolve(h, k)
	return lm.store.LockTable().TryLockManual(k, &hei, lockType)
}

func (lm *lockMgrImpl) unlock(h *epoch.Handle, key string, lockType locktable.LockType) {
	h.ProtectAndGetEpoch()
	defer h.Unprotect()
	k := []byte(key)
	hei := lm.store.Index().Resolve(h, k)
	lm.store.LockTable().UnlockManual(k, &hei, lockType)
}

// unlockAll releases keys in reverse order.
func (lm *lockMgrImpl) unlockAll(h *epoch.Handle, keys []string, lockType locktable.LockType) {
	for i := len(keys) - 1; i >= 0; i-- {
		lm.unlock(h, keys[i], lockType)
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see lockmgr/interface.go)
// --------------------------------------------------------------------------

func (lm *lockMgrImpl) AcquireLock(ctx context.Context, key string, lockType locktable.LockType, timeout time.Duration) (bool, []byte, error) {
	return lm.AcquireMany(ctx, []string{key}, lockType, timeout)
}

func (lm *lockMgrImpl) AcquireMany(ctx context.Context, keys []string, lockType locktable.LockType, timeout time.Duration) (bool, []byte, error) {
	if lm.closed.Load() {
		return false, nil, ErrClosed
	}
	if len(keys) == 0 {
		return false, nil, ErrNoKeys
	}

	// Generate owner id (256 bit random value)
	ownerID, err := generateOwnerID()
	if err != nil {
		return false, nil, err
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	h, err := lm.handle(waitCtx)
	if err != nil {
		return false, nil, err
	}
	defer lm.putHandle(h)

	ordered := globalOrder(lm.store.Index(), keys)
	for i, key := range ordered {
		var backoff util.Backoff
		for !lm.tryLock(h, key, lockType) {
			var waitErr error
			if timeout <= 0 {
				waitErr = context.DeadlineExceeded
			} else {
				waitErr = backoff.WaitContext(waitCtx)
			}
			if waitErr == nil {
				continue
			}
			lm.unlockAll(h, ordered[:i], lockType)
			if err := ctx.Err(); err != nil {
				return false, nil, err
			}
			lm.timeouts.Inc()
			plog.Debugf("lock on %q not acquired within %s", key, timeout)
			return false, nil, nil
		}
	}

	lm.owners.Store(string(ownerID), &grant{lockType: lockType, keys: ordered})
	lm.acquired.Add(len(ordered))
	return true, ownerID, nil
}

func (lm *lockMgrImpl) ReleaseLock(key string, ownerID []byte) (bool, error) {
	h, err := lm.handle(context.Background())
	if err != nil {
		return false, err
	}
	defer lm.putHandle(h)

	var (
		held     = false
		mismatch = false
	)
	lm.owners.Compute(string(ownerID), func(g *grant, loaded bool) (*grant, bool) {
		if !loaded {
			return nil, true
		}
		held = true
		idx := slices.Index(g.keys, key)
		if idx < 0 {
			mismatch = true
			return g, false
		}
		lm.unlock(h, key, g.lockType)
		rest := &grant{lockType: g.lockType, keys: slices.Delete(slices.Clone(g.keys), idx, idx+1)}
		return rest, len(rest.keys) == 0
	})

	switch {
	case !held:
		// Return true if the owner holds nothing (anymore)
		return true, nil
	case mismatch:
		return false, fmt.Errorf("release %q: %w", key, ErrOwnerMismatch)
	default:
		lm.released.Inc()
		return true, nil
	}
}

func (lm *lockMgrImpl) ReleaseAll(ownerID []byte) (int, error) {
	h, err := lm.handle(context.Background())
	if err != nil {
		return 0, err
	}
	defer lm.putHandle(h)

	n := 0
	lm.owners.Compute(string(ownerID), func(g *grant, loaded bool) (*grant, bool) {
		if loaded {
			lm.unlockAll(h, g.keys, g.lockType)
			n = len(g.keys)
		}
		return nil, true
	})
	lm.released.Add(n)
	return n, nil
}

func (lm *lockMgrImpl) Owners() int {
	return lm.owners.Size()
}

func (lm *lockMgrImpl) WritePrometheus(w io.Writer) {
	lm.set.WritePrometheus(w)
}

func (lm *lockMgrImpl) Close() error {
	if !lm.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	for {
		select {
		case h := <-lm.handles:
			h.Release()
		default:
			if n := lm.owners.Size(); n > 0 {
				plog.Warningf("closing lock manager with %d owners still holding locks", n)
			}
			return nil
		}
	}
}
