package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/hlock/lib/epoch"
	"github.com/ValentinKolb/hlock/lib/hashindex"
	"github.com/ValentinKolb/hlock/lib/locktable"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IStore is a hash-indexed record store whose records live in an append-only
// log. All record operations go through a Session; the store itself only
// exposes log maintenance and checkpointing.
type IStore interface {
	// NewSession registers a new session. A session belongs to one goroutine.
	NewSession() (*Session, error)

	// ShiftReadOnlyAddress marks every record below address as read-only.
	// Updates to read-only records are copied to the tail.
	ShiftReadOnlyAddress(address uint64)
	// ShiftHeadAddress moves the head to address. Records below head are only
	// reachable through pending I/O. Blocks until every operation that might
	// still update such a record in place has finished, so it must not be
	// called from a goroutine that owns a protected session.
	ShiftHeadAddress(ctx context.Context, address uint64) error
	// ShiftBeginAddress truncates the log below address and evicts the index
	// slots of unlocked keys whose record was truncated. Returns the number of
	// evicted keys.
	ShiftBeginAddress(ctx context.Context, address uint64) (int, error)

	// Checkpoint writes every live record to w once all operations that were
	// in flight when the checkpoint started have finished.
	Checkpoint(ctx context.Context, w io.Writer) (CheckpointInfo, error)
	// Recover upserts every record of a checkpoint written by Checkpoint.
	Recover(ctx context.Context, r io.Reader) (CheckpointInfo, error)

	// Epoch returns the epoch service shared by sessions, index and lock table.
	Epoch() epoch.IEpoch
	// Index returns the hash index.
	Index() *hashindex.Index
	// LockTable returns the lock table.
	LockTable() locktable.ILockTable

	// GetInfo returns a snapshot of the store state.
	// It is not guaranteed that all fields are consistent with each other!
	GetInfo() Info
	// Close closes the store. It fails while sessions are still open.
	Close() error
}

// MergeFunc computes the new value of an RMW from the old value and the input.
// old is nil when the key has no live record. The result must not alias input.
type MergeFunc func(old, input []byte) []byte

// AddInt64 is the default MergeFunc: it interprets old and input as little
// endian int64 and stores their sum. Missing bytes count as zero.
func AddInt64(old, input []byte) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(decodeInt64(old)+decodeInt64(input)))
	return out
}

func decodeInt64(b []byte) int64 {
	var buf [8]byte
	copy(buf[:], b)
	return int64(binary.LittleEndian.Uint64(buf[:]))
}

// Options configures a store.
type Options struct {
	// Epoch is the epoch service to use. If nil the store creates its own and
	// closes it on Close.
	Epoch epoch.IEpoch
	// EpochOptions configures the epoch service created when Epoch is nil
	EpochOptions *epoch.Options
	// Index configures the hash index
	Index *hashindex.Options
	// LockTable configures the lock table
	LockTable *locktable.Options
	// RefreshInterval is the number of operations between two epoch refreshes
	// of a session (default 256)
	RefreshInterval int
	// IOLatency is the simulated latency of reading a record below head (default 50µs)
	IOLatency time.Duration
	// Merge is the RMW update function (default AddInt64)
	Merge MergeFunc
	// PageBits is the log2 of the number of records per log page (default 12)
	PageBits uint
	// MaxPages bounds the log size in pages (default 65536)
	MaxPages int
}

const (
	defaultRefreshInterval = 256
	defaultIOLatency       = 50 * time.Microsecond
	defaultPageBits        = 12
	defaultMaxPages        = 1 << 16
)

// Info is a snapshot of the store state.
type Info struct {
	BeginAddress    uint64         `json:"begin_address"`
	HeadAddress     uint64         `json:"head_address"`
	ReadOnlyAddress uint64         `json:"read_only_address"`
	TailAddress     uint64         `json:"tail_address"`
	Keys            int            `json:"keys"`
	Sessions        int            `json:"sessions"`
	PendingIO       int64          `json:"pending_io"`
	PendingDrains   int            `json:"pending_drains"`
	Index           hashindex.Info `json:"index"`
	LockTable       locktable.Info `json:"lock_table"`
	Epoch           uint64         `json:"epoch"`
}

// CheckpointInfo describes a written or recovered checkpoint.
type CheckpointInfo struct {
	// Seed is the hash seed of the index that wrote the checkpoint
	Seed uint64
	// TailAddress is the log tail once the checkpoint became consistent
	TailAddress uint64
	// Records is the number of records written or recovered
	Records uint64
	// Bytes is the number of bytes written or read
	Bytes int64
}

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

// OpKind is the kind of a record operation.
type OpKind uint8

const (
	OpRead OpKind = iota
	OpUpsert
	OpRMW
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "Read"
	case OpUpsert:
		return "Upsert"
	case OpRMW:
		return "RMW"
	case OpDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// exclusive reports whether the operation needs an exclusive lock.
func (k OpKind) exclusive() bool {
	return k != OpRead
}

// Status is the outcome of a record operation.
type Status uint8

const (
	StatusOK Status = iota
	StatusNotFound
	// StatusPending means the record is below head. The operation finishes
	// in a later call to Session.CompletePending.
	StatusPending
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NotFound"
	case StatusPending:
		return "Pending"
	default:
		return "Unknown"
	}
}

// Operation is a single record operation and, once finished, its result.
type Operation struct {
	Kind OpKind
	Key  []byte
	// Input is the value of an upsert or the input of an RMW
	Input []byte
	// Output is the value read, or the value written by an RMW
	Output []byte
	// Status is the outcome, StatusPending until the operation has finished
	Status Status
	// Err is set when a pending operation failed while completing
	Err error
	// Context is passed through untouched, e.g. to match completions to requests
	Context any
}

func (op *Operation) String() string {
	return fmt.Sprintf("Operation{Kind: %s, Key: %q, Status: %s}", op.Kind, op.Key, op.Status)
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message. Errors with the same code match with errors.Is.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("StoreError (code %s): %s", e.Code, e.Msg)
}

// Is matches errors by their return code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: Command executed successfully.
	RetCInternalError                   // 1: Command failed due to an internal error.
	RetCInvalidOperation                // 2: Invalid operation.
	RetCClosed                          // 3: The store or session is closed.
	RetCNotLocked                       // 4: The key is not locked by the lockable context.
	RetCLocksHeld                       // 5: The session still holds manual locks.
	RetCLogFull                         // 6: The record log has no free page.
	RetCBadCheckpoint                   // 7: The checkpoint is malformed.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCClosed:
		return "Closed"
	case RetCNotLocked:
		return "NotLocked"
	case RetCLocksHeld:
		return "LocksHeld"
	case RetCLogFull:
		return "LogFull"
	case RetCBadCheckpoint:
		return "BadCheckpoint"
	default:
		return "Unknown"
	}
}

var (
	// ErrClosed is returned by calls on a closed store or session
	ErrClosed = NewError(RetCClosed, "closed")
	// ErrNotLocked is returned by lockable context operations on keys the context does not hold
	ErrNotLocked = NewError(RetCNotLocked, "key not locked by this context")
	// ErrLocksHeld is returned by Session.Close while manual locks are still held
	ErrLocksHeld = NewError(RetCLocksHeld, "session still holds manual locks")
	// ErrLogFull is returned when the record log cannot grow
	ErrLogFull = NewError(RetCLogFull, "record log full")
	// ErrBadCheckpoint is returned by Recover for malformed input
	ErrBadCheckpoint = NewError(RetCBadCheckpoint, "malformed checkpoint")
)
