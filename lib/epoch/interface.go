package epoch

import (
	"errors"
	"time"
)

var (
	// ErrTableFull is returned by Register when every handle slot is taken
	ErrTableFull = errors.New("epoch: handle table full")
	// ErrClosed is returned by Register after Close
	ErrClosed = errors.New("epoch: closed")
	// ErrHandleReleased is the panic value for calls on a released handle
	ErrHandleReleased = errors.New("epoch: handle released")
	// ErrProtected is the panic value for releasing a protected handle, and
	// the error returned by Close while handles are still protected
	ErrProtected = errors.New("epoch: handle still protected")
)

// Options configures an epoch service.
type Options struct {
	// MaxHandles is the number of handle slots (default 128)
	MaxHandles int
	// SweepInterval is the period of the background sweeper (default 10ms).
	// A negative value disables the sweeper, drain actions then only run
	// cooperatively through Handle.Refresh, Drain and Close.
	SweepInterval time.Duration
}

const (
	defaultMaxHandles    = 128
	defaultSweepInterval = 10 * time.Millisecond
)

// IEpoch is the epoch service shared by all sessions of a store.
//
// Thread-safety: all methods are safe for concurrent use. A *Handle belongs to
// a single goroutine at a time.
type IEpoch interface {
	// Register claims a handle slot for the calling goroutine.
	Register() (*Handle, error)

	// CurrentEpoch returns the global epoch.
	CurrentEpoch() uint64
	// SafeToReclaimEpoch returns the largest epoch no protected handle can still observe.
	SafeToReclaimEpoch() uint64
	// BumpCurrentEpoch advances the global epoch and returns the new value.
	BumpCurrentEpoch() uint64
	// BumpCurrentEpochWith advances the global epoch and schedules action against the
	// epoch before the bump. Returns that epoch.
	BumpCurrentEpochWith(action func()) uint64
	// ScheduleOnDrain runs action once SafeToReclaimEpoch() >= epoch.
	ScheduleOnDrain(epoch uint64, action func())

	// Drain runs every ready action unless another goroutine is already sweeping.
	// Returns the number of actions run.
	Drain() int
	// PendingDrains returns the number of scheduled actions that have not run yet.
	PendingDrains() int
	// DrainedCount returns the number of actions run so far.
	DrainedCount() uint64
	// ActiveHandles returns the number of registered handles.
	ActiveHandles() int

	// Close stops the sweeper and runs every remaining action. It fails with
	// ErrProtected while a handle is still protected.
	Close() error
}
