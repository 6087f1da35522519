//go:build linux

package shm

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (not FUTEX_PRIVATE_FLAG) operations: waiters live in other processes.
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

// FutexWait sleeps while *addr == val. It returns nil when woken, when the
// value already differs or when interrupted; callers re-check their
// condition. A zero timeout waits without limit.
func FutexWait(addr *uint32, val uint32, timeout time.Duration) error {
	if AtomicLoadUint32(addr) != val {
		return nil
	}
	var tsp uintptr
	var ts unix.Timespec
	if timeout > 0 {
		ts = unix.NsecToTimespec(timeout.Nanoseconds())
		tsp = uintptr(unsafe.Pointer(&ts))
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		tsp,
		0,
		0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return ErrFutexTimeout
	}
	return fmt.Errorf("futex wait: %w", errno)
}

// FutexWake wakes up to n waiters sleeping on addr and returns how many woke.
func FutexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakeOp,
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("futex wake: %w", errno)
	}
	return int(r1), nil
}
