package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/hlock/lib/epoch"
	"github.com/ValentinKolb/hlock/lib/hashindex"
	"github.com/ValentinKolb/hlock/lib/util"
)

// spins between two epoch refreshes while waiting for a lock
const lockRefreshSpins = 16

// completion is a pending operation whose record was fetched.
type completion struct {
	op      *Operation
	address uint64
	rec     *record
	manual  bool
}

// Session issues record operations on behalf of one goroutine. It is not safe
// for concurrent use.
//
// Each operation protects the session's epoch handle for its own duration, so
// an idle session never holds back reclamation.
type Session struct {
	st          *storeImpl
	h           *epoch.Handle
	ops         int
	pending     int
	completions *util.LockFreeMPSC[completion]
	lockable    *LockableContext
	closed      bool
}

func (st *storeImpl) NewSession() (*Session, error) {
	if st.closed.Load() {
		return nil, ErrClosed
	}
	h, err := st.epoch.Register()
	if err != nil {
		return nil, fmt.Errorf("register session: %w", err)
	}
	st.sessions.Add(1)
	return &Session{
		st:          st,
		h:           h,
		completions: util.NewLockFreeMPSC[completion](),
	}, nil
}

// enter protects the session handle. Every RefreshInterval operations the
// handle is refreshed, which also runs ready drain actions.
func (s *Session) enter() {
	s.h.ProtectAndGetEpoch()
	s.ops++
	if s.ops%s.st.refresh == 0 {
		s.h.Refresh()
	}
}

func (s *Session) exit() {
	s.h.Unprotect()
}

// Pending returns the number of operations waiting for CompletePending.
func (s *Session) Pending() int {
	return s.pending
}

// Handle returns the epoch handle of the session.
func (s *Session) Handle() *epoch.Handle {
	return s.h
}

// --------------------------------------------------------------------------
// Ephemeral Locks
// --------------------------------------------------------------------------

// lockEphemeral takes an ephemeral lock on key, retrying with backoff until
// ctx is done. While waiting the handle is refreshed now and then and the
// descriptor resolved again, so a long wait does not stall reclamation.
func (s *Session) lockEphemeral(ctx context.Context, key []byte, hei *hashindex.HashEntryInfo, exclusive bool) error {
	var backoff util.Backoff
	for {
		var ok bool
		if exclusive {
			ok = s.st.locks.TryLockEphemeralExclusive(key, hei)
		} else {
			ok = s.st.locks.TryLockEphemeralShared(key, hei)
		}
		if ok {
			hei.Refresh()
			return nil
		}
		if err := backoff.WaitContext(ctx); err != nil {
			return fmt.Errorf("lock %q: %w", key, err)
		}
		if backoff.Waits()%lockRefreshSpins == 0 {
			s.h.Refresh()
			*hei = s.st.index.Resolve(s.h, key)
		}
	}
}

func (s *Session) unlockEphemeral(key []byte, hei *hashindex.HashEntryInfo, exclusive bool) {
	if exclusive {
		s.st.locks.UnlockEphemeralExclusive(key, hei)
	} else {
		s.st.locks.UnlockEphemeralShared(key, hei)
	}
}

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

// Read returns the value of key. On StatusPending the value is delivered
// through CompletePending.
func (s *Session) Read(ctx context.Context, key []byte) ([]byte, Status, error) {
	op := &Operation{Kind: OpRead, Key: key}
	status, err := s.Execute(ctx, op)
	return op.Output, status, err
}

// Upsert sets the value of key. Upserts never go pending.
func (s *Session) Upsert(ctx context.Context, key, value []byte) (Status, error) {
	return s.Execute(ctx, &Operation{Kind: OpUpsert, Key: key, Input: value})
}

// RMW merges input into the value of key and returns the new value.
func (s *Session) RMW(ctx context.Context, key, input []byte) ([]byte, Status, error) {
	op := &Operation{Kind: OpRMW, Key: key, Input: input}
	status, err := s.Execute(ctx, op)
	return op.Output, status, err
}

// Delete removes key. Returns StatusNotFound if the key has no live record.
func (s *Session) Delete(ctx context.Context, key []byte) (Status, error) {
	return s.Execute(ctx, &Operation{Kind: OpDelete, Key: key})
}

// Execute runs op under an ephemeral lock. If op goes pending, the same
// pointer is returned by a later CompletePending.
func (s *Session) Execute(ctx context.Context, op *Operation) (Status, error) {
	if s.closed {
		return 0, ErrClosed
	}
	return s.execute(ctx, op, false)
}

// execute runs op. With manual set the caller holds a manual lock on the key
// and no ephemeral lock is taken.
func (s *Session) execute(ctx context.Context, op *Operation, manual bool) (Status, error) {
	s.enter()
	hei := s.st.index.Resolve(s.h, op.Key)
	exclusive := op.Kind.exclusive()
	if manual {
		hei.Refresh()
	} else if err := s.lockEphemeral(ctx, op.Key, &hei, exclusive); err != nil {
		s.exit()
		return 0, err
	}

	status, rec, err := s.perform(op, &hei)
	address := hei.Address()

	if !manual {
		s.unlockEphemeral(op.Key, &hei, exclusive)
	}
	s.exit()

	op.Status = status
	if err == nil && status == StatusPending {
		s.issue(op, address, rec, manual)
	}
	return status, err
}

// live returns the record the descriptor points to, nil if the key has none.
func (s *Session) live(hei *hashindex.HashEntryInfo) *record {
	address := hei.Address()
	if hei.IsUnresolved() || address < s.st.log.begin.Load() {
		return nil
	}
	return s.st.log.get(address)
}

// perform executes op against the record of hei. The caller holds the lock
// the operation needs. Returns the record to fetch when op must go pending.
func (s *Session) perform(op *Operation, hei *hashindex.HashEntryInfo) (Status, *record, error) {
	var (
		l        = s.st.log
		address  = hei.Address()
		rec      = s.live(hei)
		onDisk   = rec != nil && address < l.head.Load()
		mutable  = rec != nil && address >= l.readOnly.Load()
		deleted  = rec != nil && !onDisk && rec.tombstone
		notFound = rec == nil || deleted
	)

	switch op.Kind {
	case OpRead:
		if onDisk {
			return StatusPending, rec, nil
		}
		if notFound {
			return StatusNotFound, nil, nil
		}
		op.Output = bytes.Clone(rec.value)
		return StatusOK, nil, nil

	case OpUpsert:
		if mutable {
			rec.value = bytes.Clone(op.Input)
			rec.tombstone = false
			return StatusOK, nil, nil
		}
		return s.appendRecord(hei, &record{key: hei.Key(), value: bytes.Clone(op.Input)})

	case OpRMW:
		if onDisk {
			return StatusPending, rec, nil
		}
		var old []byte
		if !notFound {
			old = rec.value
		}
		if mutable {
			rec.value = s.st.merge(old, op.Input)
			rec.tombstone = false
			op.Output = bytes.Clone(rec.value)
			return StatusOK, nil, nil
		}
		return s.copyUpdate(op, hei, old)

	case OpDelete:
		if notFound {
			return StatusNotFound, nil, nil
		}
		if mutable {
			rec.value = nil
			rec.tombstone = true
			return StatusOK, nil, nil
		}
		return s.appendRecord(hei, &record{key: hei.Key(), tombstone: true})

	default:
		return 0, nil, NewError(RetCInvalidOperation, fmt.Sprintf("unknown operation kind %d", op.Kind))
	}
}

// copyUpdate writes the merge of old and op.Input as a new record at the tail.
func (s *Session) copyUpdate(op *Operation, hei *hashindex.HashEntryInfo, old []byte) (Status, *record, error) {
	value := s.st.merge(old, op.Input)
	status, _, err := s.appendRecord(hei, &record{key: hei.Key(), value: value})
	if err == nil {
		op.Output = bytes.Clone(value)
	}
	return status, nil, err
}

// appendRecord appends rec and points the key's slot at it. The caller holds
// an exclusive lock, so the slot address cannot change underneath.
func (s *Session) appendRecord(hei *hashindex.HashEntryInfo, rec *record) (Status, *record, error) {
	address, err := s.st.log.append(rec)
	if err != nil {
		return 0, nil, err
	}
	if !s.st.index.TryUpdateAddress(hei, address) {
		plog.Errorf("slot of key %q changed while exclusively locked", rec.key)
		return 0, nil, NewError(RetCInternalError, fmt.Sprintf("slot of key %q changed while exclusively locked", rec.key))
	}
	return StatusOK, nil, nil
}

// --------------------------------------------------------------------------
// Pending I/O
// --------------------------------------------------------------------------

// issue starts the simulated read of a record below head. The record is
// captured now, below head it can no longer change.
func (s *Session) issue(op *Operation, address uint64, rec *record, manual bool) {
	s.pending++
	s.st.pendingIO.Add(1)
	if manual {
		s.lockable.pendingOn(op.Key, 1)
	}
	c := &completion{op: op, address: address, rec: rec, manual: manual}
	time.AfterFunc(s.st.ioLatency, func() {
		s.completions.Push(c)
	})
}

// CompletePending finishes the operations whose reads have completed and
// returns them. With wait set it blocks until no operation is pending or ctx
// is done.
func (s *Session) CompletePending(ctx context.Context, wait bool) ([]*Operation, error) {
	if s.closed {
		return nil, ErrClosed
	}
	var done []*Operation
	for {
		select {
		case c := <-s.completions.Recv():
			done = s.finish(ctx, c, done)
			continue
		default:
		}
		if !wait || s.pending == 0 {
			return done, nil
		}
		select {
		case c := <-s.completions.Recv():
			done = s.finish(ctx, c, done)
		case <-ctx.Done():
			return done, ctx.Err()
		}
	}
}

// finish re-resolves the key of a completed read, reacquires the lock and
// finishes the operation. If the key moved to a new record while the read was
// in flight, the operation starts over and may go pending again.
func (s *Session) finish(ctx context.Context, c *completion, done []*Operation) []*Operation {
	s.pending--
	s.st.pendingIO.Add(-1)
	if c.manual {
		s.lockable.pendingOn(c.op.Key, -1)
	}

	op := c.op
	status, err := s.resume(ctx, c)
	op.Status, op.Err = status, err
	if err != nil || status != StatusPending {
		done = append(done, op)
	}
	return done
}

func (s *Session) resume(ctx context.Context, c *completion) (Status, error) {
	op := c.op
	s.enter()
	hei := s.st.index.Resolve(s.h, op.Key)
	exclusive := op.Kind.exclusive()
	if c.manual {
		hei.Refresh()
	} else if err := s.lockEphemeral(ctx, op.Key, &hei, exclusive); err != nil {
		s.exit()
		return 0, err
	}

	var (
		status Status
		rec    *record
		err    error
	)
	if hei.Address() != c.address {
		status, rec, err = s.perform(op, &hei)
	} else {
		fetched := c.rec
		if c.address < s.st.log.begin.Load() {
			fetched = nil
		}
		status, err = s.apply(op, &hei, fetched)
	}
	address := hei.Address()

	if !c.manual {
		s.unlockEphemeral(op.Key, &hei, exclusive)
	}
	s.exit()

	if err == nil && status == StatusPending {
		s.issue(op, address, rec, c.manual)
	}
	return status, err
}

// apply finishes op with the fetched record.
func (s *Session) apply(op *Operation, hei *hashindex.HashEntryInfo, fetched *record) (Status, error) {
	var old []byte
	found := fetched != nil && !fetched.tombstone
	if found {
		old = fetched.value
	}

	switch op.Kind {
	case OpRead:
		if !found {
			return StatusNotFound, nil
		}
		op.Output = bytes.Clone(old)
		return StatusOK, nil
	case OpRMW:
		status, _, err := s.copyUpdate(op, hei, old)
		return status, err
	default:
		return 0, NewError(RetCInternalError, fmt.Sprintf("%s cannot complete pending", op.Kind))
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Close releases the session. It fails while operations are pending or the
// session's lockable context holds locks.
func (s *Session) Close() error {
	if s.closed {
		return ErrClosed
	}
	if s.pending > 0 {
		return NewError(RetCInvalidOperation, fmt.Sprintf("session has %d pending operations", s.pending))
	}
	if s.lockable != nil && s.lockable.Held() > 0 {
		return ErrLocksHeld
	}
	s.closed = true

	s.completions.Close()
	for range s.completions.Recv() {
	}
	if s.h.IsProtected() {
		s.h.Unprotect()
	}
	s.h.Release()
	s.st.sessions.Add(-1)
	return nil
}
