package shm

import "errors"

var (
	// ErrRegionTooSmall is returned when an existing file is smaller than requested.
	ErrRegionTooSmall = errors.New("shared region too small")
	// ErrFutexTimeout is returned by FutexWait when its timeout elapses.
	ErrFutexTimeout = errors.New("futex wait timed out")
)
