package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hlock/lib/epoch"
	"github.com/ValentinKolb/hlock/lib/hashindex"
	"github.com/ValentinKolb/hlock/lib/locktable"
	"github.com/lni/dragonboat/v4/logger"
)

var plog = logger.GetLogger("store")

type storeImpl struct {
	epoch     epoch.IEpoch
	ownEpoch  bool
	index     *hashindex.Index
	locks     locktable.ILockTable
	log       *recordLog
	merge     MergeFunc
	refresh   int
	ioLatency time.Duration

	sessions  atomic.Int64
	pendingIO atomic.Int64
	closed    atomic.Bool
	// maintenance serializes head and begin shifts
	maintenance sync.Mutex
}

// NewStore creates an empty store.
func NewStore(opts *Options) IStore {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = defaultRefreshInterval
	}
	if o.IOLatency <= 0 {
		o.IOLatency = defaultIOLatency
	}
	if o.Merge == nil {
		o.Merge = AddInt64
	}
	if o.PageBits == 0 {
		o.PageBits = defaultPageBits
	}
	if o.MaxPages <= 0 {
		o.MaxPages = defaultMaxPages
	}

	s := &storeImpl{
		epoch:     o.Epoch,
		merge:     o.Merge,
		refresh:   o.RefreshInterval,
		ioLatency: o.IOLatency,
		log:       newRecordLog(o.PageBits, o.MaxPages),
	}
	if s.epoch == nil {
		s.epoch = epoch.NewEpoch(o.EpochOptions)
		s.ownEpoch = true
	}
	s.index = hashindex.New(s.epoch, o.Index)
	s.locks = locktable.NewLockTable(s.epoch, o.LockTable)

	plog.Infof("created store (seed=%d, page size=%d, refresh interval=%d, io latency=%s)",
		s.index.Seed(), 1<<o.PageBits, o.RefreshInterval, o.IOLatency)
	return s
}

func (s *storeImpl) Epoch() epoch.IEpoch { return s.epoch }
func (s *storeImpl) Index() *hashindex.Index { return s.index }
func (s *storeImpl) LockTable() locktable.ILockTable { return s.locks }

// withHandle runs fn with a freshly registered, protected handle.
func (s *storeImpl) withHandle(fn func(h *epoch.Handle)) error {
	h, err := s.epoch.Register()
	if err != nil {
		return err
	}
	h.ProtectAndGetEpoch()
	defer func() {
		h.Unprotect()
		h.Release()
	}()
	fn(h)
	return nil
}

// waitDrained blocks until the drain action scheduled by the caller closed done.
func (s *storeImpl) waitDrained(ctx context.Context, done <-chan struct{}) error {
	ticker := time.NewTicker(100 * time.Microsecond)
	defer ticker.Stop()
	for {
		s.epoch.Drain()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// --------------------------------------------------------------------------
// Log Maintenance (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) ShiftReadOnlyAddress(address uint64) {
	ro := raise(&s.log.readOnly, s.log.clamp(address))
	plog.Debugf("read-only address at %d", ro)
}

func (s *storeImpl) ShiftHeadAddress(ctx context.Context, address uint64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.maintenance.Lock()
	defer s.maintenance.Unlock()
	return s.shiftHead(ctx, s.log.clamp(address))
}

func (s *storeImpl) shiftHead(ctx context.Context, address uint64) error {
	if address <= s.log.head.Load() {
		return nil
	}
	// every record below head must be read-only first, and no operation may
	// still be updating one in place when head moves
	raise(&s.log.readOnly, address)
	done := make(chan struct{})
	s.epoch.BumpCurrentEpochWith(func() {
		raise(&s.log.head, address)
		close(done)
	})
	if err := s.waitDrained(ctx, done); err != nil {
		return err
	}
	plog.Debugf("head address at %d", address)
	return nil
}

func (s *storeImpl) ShiftBeginAddress(ctx context.Context, address uint64) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.maintenance.Lock()
	defer s.maintenance.Unlock()

	address = s.log.clamp(address)
	if address <= s.log.begin.Load() {
		return 0, nil
	}
	if err := s.shiftHead(ctx, address); err != nil {
		return 0, err
	}
	raise(&s.log.begin, address)

	var evicted int
	if err := s.withHandle(func(h *epoch.Handle) {
		evicted = s.index.EvictBelow(h, address)
	}); err != nil {
		return 0, err
	}

	s.epoch.BumpCurrentEpochWith(func() {
		pages := s.log.truncate(address)
		plog.Debugf("truncated %d log pages below %d", pages, address)
	})
	plog.Infof("begin address at %d, evicted %d keys", address, evicted)
	return evicted, nil
}

// --------------------------------------------------------------------------
// Info & Lifecycle
// --------------------------------------------------------------------------

func (s *storeImpl) GetInfo() Info {
	return Info{
		BeginAddress:    s.log.begin.Load(),
		HeadAddress:     s.log.head.Load(),
		ReadOnlyAddress: s.log.readOnly.Load(),
		TailAddress:     s.log.tail.Load(),
		Keys:            s.index.Size(),
		Sessions:        int(s.sessions.Load()),
		PendingIO:       s.pendingIO.Load(),
		PendingDrains:   s.epoch.PendingDrains(),
		Index:           s.index.GetInfo(),
		LockTable:       s.locks.GetInfo(),
		Epoch:           s.epoch.CurrentEpoch(),
	}
}

func (s *storeImpl) Close() error {
	if n := s.sessions.Load(); n > 0 {
		return NewError(RetCInvalidOperation, "store has open sessions")
	}
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	plog.Infof("closing store (tail=%d, keys=%d)", s.log.tail.Load(), s.index.Size())
	if s.ownEpoch {
		return s.epoch.Close()
	}
	return nil
}
