//go:build !linux

package shm

import (
	"time"

	"github.com/srediag/printq/api"
)

// FutexWait is not implemented on this platform.
func FutexWait(addr *uint32, val uint32, timeout time.Duration) error {
	return api.ErrUnsupportedPlatform
}

// FutexWake is not implemented on this platform.
func FutexWake(addr *uint32, n int) (int, error) {
	return 0, api.ErrUnsupportedPlatform
}
