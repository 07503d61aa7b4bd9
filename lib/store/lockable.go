package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/ValentinKolb/hlock/lib/locktable"
	"github.com/ValentinKolb/hlock/lib/util"
)

// LockRequest names a key and the manual lock wanted on it.
type LockRequest struct {
	Key  []byte
	Type locktable.LockType
}

// Shared returns a shared LockRequest for key.
func Shared(key []byte) LockRequest {
	return LockRequest{Key: key, Type: locktable.LockShared}
}

// Exclusive returns an exclusive LockRequest for key.
func Exclusive(key []byte) LockRequest {
	return LockRequest{Key: key, Type: locktable.LockExclusive}
}

// LockableContext holds manual locks across operations of its session.
// Operations through the context require the key to be locked by the context
// (exclusively for writes) and take no ephemeral lock.
//
// Multi-key locks are always acquired in the (hash, key) order, so two
// contexts locking overlapping key sets cannot deadlock.
type LockableContext struct {
	s       *Session
	held    map[string]locktable.LockType
	pending map[string]int
}

// Lockable returns the lockable context of the session.
func (s *Session) Lockable() *LockableContext {
	if s.lockable == nil {
		s.lockable = &LockableContext{
			s:       s,
			held:    make(map[string]locktable.LockType),
			pending: make(map[string]int),
		}
	}
	return s.lockable
}

type orderedRequest struct {
	hash uint64
	key  string
	t    locktable.LockType
}

// order merges duplicate keys (exclusive wins) and sorts by (hash, key).
func (lc *LockableContext) order(reqs []LockRequest) []orderedRequest {
	merged := make(map[string]locktable.LockType, len(reqs))
	for _, r := range reqs {
		if t, ok := merged[string(r.Key)]; !ok || t < r.Type {
			merged[string(r.Key)] = r.Type
		}
	}
	out := make([]orderedRequest, 0, len(merged))
	for k, t := range merged {
		out = append(out, orderedRequest{hash: lc.s.st.index.Hash([]byte(k)), key: k, t: t})
	}
	slices.SortFunc(out, func(a, b orderedRequest) int {
		if c := cmp.Compare(a.hash, b.hash); c != 0 {
			return c
		}
		return strings.Compare(a.key, b.key)
	})
	return out
}

func (lc *LockableContext) check(ordered []orderedRequest) error {
	if lc.s.closed {
		return ErrClosed
	}
	for _, r := range ordered {
		if _, ok := lc.held[r.key]; ok {
			return NewError(RetCInvalidOperation, fmt.Sprintf("key %q is already locked by this context", r.key))
		}
	}
	return nil
}

func (lc *LockableContext) tryAcquire(r orderedRequest) bool {
	h := lc.s.h
	h.ProtectAndGetEpoch()
	defer h.Unprotect()
	key := []byte(r.key)
	hei := lc.s.st.index.Resolve(h, key)
	return lc.s.st.locks.TryLockManual(key, &hei, r.t)
}

func (lc *LockableContext) release(key string, t locktable.LockType) {
	h := lc.s.h
	h.ProtectAndGetEpoch()
	defer h.Unprotect()
	k := []byte(key)
	hei := lc.s.st.index.Resolve(h, k)
	lc.s.st.locks.UnlockManual(k, &hei, t)
}

// releaseAll unlocks acquired in reverse order.
func (lc *LockableContext) releaseAll(acquired []orderedRequest) {
	for i := len(acquired) - 1; i >= 0; i-- {
		lc.release(acquired[i].key, acquired[i].t)
	}
}

// Lock acquires manual locks on all requested keys, waiting with backoff until
// ctx is done. On error no lock of this call is held.
func (lc *LockableContext) Lock(ctx context.Context, reqs ...LockRequest) error {
	ordered := lc.order(reqs)
	if err := lc.check(ordered); err != nil {
		return err
	}
	for i, r := range ordered {
		var backoff util.Backoff
		for !lc.tryAcquire(r) {
			if err := backoff.WaitContext(ctx); err != nil {
				lc.releaseAll(ordered[:i])
				return fmt.Errorf("lock %q: %w", r.key, err)
			}
		}
	}
	for _, r := range ordered {
		lc.held[r.key] = r.t
	}
	return nil
}

// TryLock acquires manual locks on all requested keys without waiting. It
// either acquires all of them or none.
func (lc *LockableContext) TryLock(reqs ...LockRequest) (bool, error) {
	ordered := lc.order(reqs)
	if err := lc.check(ordered); err != nil {
		return false, err
	}
	for i, r := range ordered {
		if !lc.tryAcquire(r) {
			lc.releaseAll(ordered[:i])
			return false, nil
		}
	}
	for _, r := range ordered {
		lc.held[r.key] = r.t
	}
	return true, nil
}

// Unlock releases the manual locks of keys. It fails without releasing
// anything if a key is not held or still has a pending operation.
func (lc *LockableContext) Unlock(keys ...[]byte) error {
	reqs := make([]LockRequest, 0, len(keys))
	for _, k := range keys {
		t, ok := lc.held[string(k)]
		if !ok {
			return fmt.Errorf("unlock %q: %w", k, ErrNotLocked)
		}
		if lc.pending[string(k)] > 0 {
			return NewError(RetCInvalidOperation, fmt.Sprintf("unlock %q: operations still pending", k))
		}
		reqs = append(reqs, LockRequest{Key: k, Type: t})
	}
	ordered := lc.order(reqs)
	lc.releaseAll(ordered)
	for _, r := range ordered {
		delete(lc.held, r.key)
	}
	return nil
}

// UnlockAll releases every lock held by the context.
func (lc *LockableContext) UnlockAll() error {
	keys := make([][]byte, 0, len(lc.held))
	for k := range lc.held {
		keys = append(keys, []byte(k))
	}
	return lc.Unlock(keys...)
}

// Held returns the number of keys locked by the context.
func (lc *LockableContext) Held() int {
	return len(lc.held)
}

// IsHeld reports the lock the context holds on key.
func (lc *LockableContext) IsHeld(key []byte) (locktable.LockType, bool) {
	t, ok := lc.held[string(key)]
	return t, ok
}

func (lc *LockableContext) pendingOn(key []byte, delta int) {
	k := string(key)
	if n := lc.pending[k] + delta; n > 0 {
		lc.pending[k] = n
	} else {
		delete(lc.pending, k)
	}
}

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

// Execute runs op under the manual lock the context holds on op.Key.
func (lc *LockableContext) Execute(ctx context.Context, op *Operation) (Status, error) {
	if lc.s.closed {
		return 0, ErrClosed
	}
	t, ok := lc.held[string(op.Key)]
	if !ok || (op.Kind.exclusive() && t != locktable.LockExclusive) {
		return 0, fmt.Errorf("%s %q: %w", op.Kind, op.Key, ErrNotLocked)
	}
	return lc.s.execute(ctx, op, true)
}

// Read is Session.Read under the context's lock.
func (lc *LockableContext) Read(ctx context.Context, key []byte) ([]byte, Status, error) {
	op := &Operation{Kind: OpRead, Key: key}
	status, err := lc.Execute(ctx, op)
	return op.Output, status, err
}

// Upsert is Session.Upsert under the context's lock.
func (lc *LockableContext) Upsert(ctx context.Context, key, value []byte) (Status, error) {
	return lc.Execute(ctx, &Operation{Kind: OpUpsert, Key: key, Input: value})
}

// RMW is Session.RMW under the context's lock.
func (lc *LockableContext) RMW(ctx context.Context, key, input []byte) ([]byte, Status, error) {
	op := &Operation{Kind: OpRMW, Key: key, Input: input}
	status, err := lc.Execute(ctx, op)
	return op.Output, status, err
}

// Delete is Session.Delete under the context's lock.
func (lc *LockableContext) Delete(ctx context.Context, key []byte) (Status, error) {
	return lc.Execute(ctx, &Operation{Kind: OpDelete, Key: key})
}
