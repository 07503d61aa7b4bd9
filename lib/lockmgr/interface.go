package lockmgr

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ValentinKolb/hlock/lib/locktable"
)

var (
	// ErrOwnerMismatch is returned by ReleaseLock when the owner does not hold the key
	ErrOwnerMismatch = errors.New("lockmgr: key not held by owner")
	// ErrNoKeys is returned by AcquireMany without keys
	ErrNoKeys = errors.New("lockmgr: no keys to lock")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("lockmgr: closed")
)

// ILockManager defines the interface for a lock provider.
type ILockManager interface {
	// AcquireLock acquires a manual lock of lockType on key, retrying until
	// timeout passes. A zero timeout tries exactly once.
	// Return a boolean indicating whether the lock was acquired, an owner ID, and an error if any.
	// Running out of time is not an error, ok is false then.
	AcquireLock(ctx context.Context, key string, lockType locktable.LockType, timeout time.Duration) (ok bool, ownerID []byte, err error)

	// AcquireMany acquires locks on all keys for a single owner, in the global
	// (hash, key) order. Either all keys are locked or none.
	AcquireMany(ctx context.Context, keys []string, lockType locktable.LockType, timeout time.Duration) (ok bool, ownerID []byte, err error)

	// ReleaseLock releases the lock the owner holds on key.
	// Return a boolean indicating whether the lock was released, and an error if any.
	// The method will also return true if the owner holds no locks at all.
	ReleaseLock(key string, ownerID []byte) (ok bool, err error)

	// ReleaseAll releases every lock of the owner and returns how many were released.
	ReleaseAll(ownerID []byte) (int, error)

	// Owners returns the number of owners that hold at least one lock.
	Owners() int

	// WritePrometheus writes the lock manager metrics in Prometheus text format.
	WritePrometheus(w io.Writer)

	// Close releases the cached epoch handles. Locks stay held.
	Close() error
}
