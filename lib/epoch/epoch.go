package epoch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hlock/lib/util"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sys/cpu"
)

var plog = logger.GetLogger("epoch")

// --------------------------------------------------------------------------
// Handle table
// --------------------------------------------------------------------------

// entry is one handle slot. Slots are padded so that goroutines publishing
// their epochs do not share cache lines.
type entry struct {
	_     cpu.CacheLinePad
	local atomic.Uint64 // 0 = unprotected
	inUse atomic.Bool
}

// --------------------------------------------------------------------------
// Drain list
// --------------------------------------------------------------------------

type drainRequest struct {
	epoch  uint64
	action func()
}

// drainSlot is an arena cell. Free cells are tracked by index in drainList.free.
type drainSlot struct {
	epoch  uint64
	action func()
}

// drainList keeps pending actions in an arena ordered by epoch.
// All fields are guarded by mu.
type drainList struct {
	mu    sync.Mutex
	slots []drainSlot
	free  []uint64
	order *util.MapHeap // arena index -> epoch
}

func (d *drainList) insert(r *drainRequest) {
	var idx uint64
	if n := len(d.free); n > 0 {
		idx = d.free[n-1]
		d.free = d.free[:n-1]
	} else {
		idx = uint64(len(d.slots))
		d.slots = append(d.slots, drainSlot{})
	}
	d.slots[idx] = drainSlot{epoch: r.epoch, action: r.action}
	d.order.AddItem(idx, r.epoch)
}

// takeReady removes every action with epoch <= safe and returns them in epoch order.
func (d *drainList) takeReady(safe uint64, dst []func()) []func() {
	d.order.PopWhile(safe, func(idx, _ uint64) {
		dst = append(dst, d.slots[idx].action)
		d.slots[idx] = drainSlot{}
		d.free = append(d.free, idx)
	})
	return dst
}

// --------------------------------------------------------------------------
// Epoch service
// --------------------------------------------------------------------------

type epochImpl struct {
	current atomic.Uint64
	table   []entry
	hint    atomic.Uint64
	active  atomic.Int64

	queue   *util.LockFreeMPSC[drainRequest]
	drains  drainList
	pending atomic.Int64
	drained atomic.Uint64

	closed  atomic.Bool
	stop    chan struct{}
	stopped sync.WaitGroup
	closeMu sync.Mutex
}

// NewEpoch creates an epoch service. The global epoch starts at 1.
func NewEpoch(opts *Options) IEpoch {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.MaxHandles <= 0 {
		o.MaxHandles = defaultMaxHandles
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = defaultSweepInterval
	}

	e := &epochImpl{
		table: make([]entry, o.MaxHandles),
		queue: util.NewLockFreeMPSC[drainRequest](),
		drains: drainList{
			order: util.NewMapHeap(),
		},
		stop: make(chan struct{}),
	}
	e.current.Store(1)

	if o.SweepInterval > 0 {
		e.stopped.Add(1)
		go e.sweep(o.SweepInterval)
	}
	return e
}

func (e *epochImpl) Register() (*Handle, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	n := uint64(len(e.table))
	start := e.hint.Add(1)
	for i := uint64(0); i < n; i++ {
		idx := (start + i) % n
		if e.table[idx].inUse.CompareAndSwap(false, true) {
			e.table[idx].local.Store(0)
			e.active.Add(1)
			plog.Debugf("registered handle %d", idx)
			return &Handle{e: e, idx: int(idx)}, nil
		}
	}
	return nil, ErrTableFull
}

func (e *epochImpl) CurrentEpoch() uint64 {
	return e.current.Load()
}

func (e *epochImpl) SafeToReclaimEpoch() uint64 {
	oldest := e.current.Load()
	for i := range e.table {
		if local := e.table[i].local.Load(); local != 0 && local < oldest {
			oldest = local
		}
	}
	return oldest - 1
}

func (e *epochImpl) BumpCurrentEpoch() uint64 {
	next := e.current.Add(1)
	if e.pending.Load() > 0 {
		e.Drain()
	}
	return next
}

func (e *epochImpl) BumpCurrentEpochWith(action func()) uint64 {
	prior := e.current.Add(1) - 1
	e.ScheduleOnDrain(prior, action)
	return prior
}

func (e *epochImpl) ScheduleOnDrain(epoch uint64, action func()) {
	if action == nil {
		return
	}
	e.pending.Add(1)
	if !e.queue.Push(&drainRequest{epoch: epoch, action: action}) {
		// closed: no handle can be protected anymore
		plog.Warningf("drain action for epoch %d scheduled after close, running it now", epoch)
		e.run(action)
	}
}

func (e *epochImpl) run(action func()) {
	action()
	e.pending.Add(-1)
	e.drained.Add(1)
}

// collect moves queued requests into the arena without blocking.
// Requires drains.mu.
func (e *epochImpl) collect() {
	for {
		select {
		case r, ok := <-e.queue.Recv():
			if !ok {
				return
			}
			e.drains.insert(r)
		default:
			return
		}
	}
}

func (e *epochImpl) Drain() int {
	if !e.drains.mu.TryLock() {
		return 0
	}
	e.collect()
	ready := e.drains.takeReady(e.SafeToReclaimEpoch(), nil)
	e.drains.mu.Unlock()

	for _, action := range ready {
		e.run(action)
	}
	return len(ready)
}

func (e *epochImpl) PendingDrains() int {
	return int(e.pending.Load())
}

func (e *epochImpl) DrainedCount() uint64 {
	return e.drained.Load()
}

func (e *epochImpl) ActiveHandles() int {
	return int(e.active.Load())
}

// sweep is the background sweeper. It moves requests into the arena as soon as
// they arrive and retries ready actions on every tick.
func (e *epochImpl) sweep(interval time.Duration) {
	defer e.stopped.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case r, ok := <-e.queue.Recv():
			if !ok {
				return
			}
			e.drains.mu.Lock()
			e.drains.insert(r)
			e.drains.mu.Unlock()
		case <-ticker.C:
			e.Drain()
		}
	}
}

func (e *epochImpl) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()

	if e.closed.Load() {
		return nil
	}
	for i := range e.table {
		if e.table[i].local.Load() != 0 {
			return ErrProtected
		}
	}
	e.closed.Store(true)

	close(e.stop)
	e.stopped.Wait()
	e.queue.Close()

	e.drains.mu.Lock()
	for r := range e.queue.Recv() {
		e.drains.insert(r)
	}
	ready := e.drains.takeReady(^uint64(0), nil)
	e.drains.mu.Unlock()

	for _, action := range ready {
		e.run(action)
	}
	plog.Debugf("closed after %d drain actions", e.drained.Load())
	return nil
}
