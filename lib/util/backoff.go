package util

import (
	"context"
	"runtime"
)

const defaultBackoffLimit = 10

// Backoff implements the exponential backoff used by every retry loop in this module.
//
//   - At low contention: a few Gosched calls, the goroutine keeps its time slice cheap
//   - At higher contention: the number of yields doubles per retry up to 1<<Limit,
//     so retrying goroutines do not all hit the same cache line at once
//
// The zero value is ready to use. A Backoff must not be shared between goroutines.
type Backoff struct {
	// Limit caps the exponent (0 = default of 10, i.e. at most 1024 yields per Wait)
	Limit   uint8
	attempt uint8
	waits   int
}

// Wait yields the processor 2^attempt times and increases the attempt counter.
func (b *Backoff) Wait() {
	limit := b.Limit
	if limit == 0 {
		limit = defaultBackoffLimit
	}
	if b.attempt < limit {
		b.attempt++
	}
	for i := 0; i < 1<<b.attempt; i++ {
		runtime.Gosched()
	}
	b.waits++
}

// WaitContext is like Wait but returns the context error instead of waiting
// once the context is done.
func (b *Backoff) WaitContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.Wait()
	return nil
}

// Reset restarts the backoff at the smallest delay.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.waits = 0
}

// Waits returns how often Wait was called since the last Reset.
func (b *Backoff) Waits() int {
	return b.waits
}
