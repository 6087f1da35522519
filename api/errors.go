// Package api defines public API contracts for printq.
package api

import "errors"

var (
	// ErrResourceCreation is returned when a shared segment or semaphore could
	// not be created, even after removing a stale one left by an earlier run.
	ErrResourceCreation = errors.New("printq: resource creation failed")

	// ErrNotFound is returned when attaching to a segment or semaphore that the
	// bootstrap process has not created (yet).
	ErrNotFound = errors.New("printq: resource not found")

	// ErrIPCFault is returned when a segment or semaphore became invalid after
	// it was attached, for example because it was removed externally.
	ErrIPCFault = errors.New("printq: ipc fault")

	// ErrInvalidRecord is returned for a job record that does not fit the
	// fixed slot layout. It signals a caller contract violation.
	ErrInvalidRecord = errors.New("printq: invalid job record")

	// ErrUnsupportedPlatform is returned on platforms without process-shared
	// mappings and futexes.
	ErrUnsupportedPlatform = errors.New("printq: unsupported platform")
)

// IsFatal reports whether err leaves the calling process unable to take part
// in the queue.
func IsFatal(err error) bool {
	return errors.Is(err, ErrResourceCreation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrIPCFault) ||
		errors.Is(err, ErrUnsupportedPlatform)
}
