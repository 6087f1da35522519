package api

import (
	"context"
	"time"
)

// Semaphore is a named counting semaphore shared between processes.
type Semaphore interface {
	// Wait blocks until the count is positive, then decrements it.
	Wait() error
	// WaitContext is Wait bounded by ctx.
	WaitContext(ctx context.Context) error
	// WaitTimeout returns false if d elapsed before the count could be taken.
	WaitTimeout(d time.Duration) (bool, error)
	// TryWait decrements the count if it is positive, without blocking.
	TryWait() bool
	// Signal increments the count, waking one waiter.
	Signal() error
	// Value returns the current count.
	Value() uint32
	// Close detaches from the semaphore without destroying it.
	Close() error
}
