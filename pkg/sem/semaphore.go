// Package sem implements named counting semaphores shared between processes.
//
// Each semaphore is a small shared segment holding a versioned header and a
// 32-bit count used as a futex word, so waiters sleep in the kernel and are
// woken by Signal from any process that opened the same name.
package sem

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/srediag/printq/api"
	"github.com/srediag/printq/internal/logger"
	internalshm "github.com/srediag/printq/internal/shm"
	"github.com/srediag/printq/pkg/shm"
)

// Header layout of a semaphore segment.
const (
	magicOffset   = 0
	versionOffset = 4
	valueOffset   = 8
	waitersOffset = 12
	initialOffset = 16
	headerSize    = 64

	semMagic   = 0x4d455350 // "PSEM"
	semVersion = 1

	// DefaultProbeInterval bounds each kernel wait so cancellation and
	// removal of the semaphore are noticed.
	DefaultProbeInterval = 100 * time.Millisecond
)

var (
	// ErrOverflow is returned by Signal when the count cannot grow.
	ErrOverflow = errors.New("semaphore count overflow")

	log = logger.New("sem", nil)
)

// Options locate semaphores and tune waiting.
type Options struct {
	// Dir overrides the shared-memory directory.
	Dir string
	// ProbeInterval is the longest single sleep of a waiter.
	ProbeInterval time.Duration
}

func (o Options) segment(name string) shm.Options {
	return shm.Options{
		Name: "sem." + strings.TrimPrefix(name, "/"),
		Dir:  o.Dir,
		Size: headerSize,
	}
}

// Semaphore is an attached named semaphore. It is safe for concurrent use by
// the goroutines of one process and by any number of processes.
type Semaphore struct {
	name    string
	seg     *shm.Segment
	value   *uint32
	waiters *uint32
	probe   time.Duration
	closed  atomic.Bool
}

var _ api.Semaphore = (*Semaphore)(nil)

// CreateOrReset creates the semaphore with count initial. A semaphore left
// under the same name by an earlier run is destroyed and recreated, so the
// count is always initial afterwards. Failure wraps api.ErrResourceCreation.
func CreateOrReset(ctx context.Context, name string, initial uint32, opts Options) (*Semaphore, error) {
	seg, err := shm.Create(ctx, opts.segment(name))
	if err != nil {
		return nil, fmt.Errorf("semaphore %s: %w", name, err)
	}
	mem := seg.Bytes()
	internalshm.AtomicStoreUint32(internalshm.Uint32At(mem, versionOffset), semVersion)
	internalshm.AtomicStoreUint32(internalshm.Uint32At(mem, initialOffset), initial)
	internalshm.AtomicStoreUint32(internalshm.Uint32At(mem, waitersOffset), 0)
	internalshm.AtomicStoreUint32(internalshm.Uint32At(mem, valueOffset), initial)
	// magic last: openers treat a semaphore without it as not created yet
	internalshm.AtomicStoreUint32(internalshm.Uint32At(mem, magicOffset), semMagic)
	log.Debugf("created semaphore %s with count %d", name, initial)
	return newSemaphore(name, seg, opts), nil
}

// OpenExisting attaches to a semaphore created by another process. A missing
// or not yet initialized semaphore wraps api.ErrNotFound.
func OpenExisting(ctx context.Context, name string, opts Options) (*Semaphore, error) {
	seg, err := shm.Open(ctx, opts.segment(name))
	if err != nil {
		return nil, fmt.Errorf("semaphore %s: %w", name, err)
	}
	mem := seg.Bytes()
	if internalshm.AtomicLoadUint32(internalshm.Uint32At(mem, magicOffset)) != semMagic {
		_ = seg.Close()
		return nil, fmt.Errorf("semaphore %s: %w: not initialized", name, api.ErrNotFound)
	}
	if v := internalshm.AtomicLoadUint32(internalshm.Uint32At(mem, versionOffset)); v != semVersion {
		_ = seg.Close()
		return nil, fmt.Errorf("semaphore %s: unsupported version %d", name, v)
	}
	return newSemaphore(name, seg, opts), nil
}

// Remove destroys the named semaphore. Attached handles keep working on the
// old instance but report api.ErrIPCFault from their next check.
func Remove(name string, opts Options) error {
	return shm.Remove(opts.segment(name))
}

func newSemaphore(name string, seg *shm.Segment, opts Options) *Semaphore {
	probe := opts.ProbeInterval
	if probe <= 0 {
		probe = DefaultProbeInterval
	}
	mem := seg.Bytes()
	return &Semaphore{
		name:    name,
		seg:     seg,
		value:   internalshm.Uint32At(mem, valueOffset),
		waiters: internalshm.Uint32At(mem, waitersOffset),
		probe:   probe,
	}
}

// Name returns the semaphore name.
func (s *Semaphore) Name() string { return s.name }

// Value returns the current count.
func (s *Semaphore) Value() uint32 {
	if s.closed.Load() {
		return 0
	}
	return internalshm.AtomicLoadUint32(s.value)
}

// Initial returns the count the semaphore was created with.
func (s *Semaphore) Initial() uint32 {
	if s.closed.Load() {
		return 0
	}
	return internalshm.AtomicLoadUint32(internalshm.Uint32At(s.seg.Bytes(), initialOffset))
}

// TryWait decrements the count if it is positive.
func (s *Semaphore) TryWait() bool {
	if s.closed.Load() {
		return false
	}
	for {
		v := internalshm.AtomicLoadUint32(s.value)
		if v == 0 {
			return false
		}
		if internalshm.AtomicCompareAndSwapUint32(s.value, v, v-1) {
			return true
		}
	}
}

// Wait blocks until the count is positive, then decrements it. It fails with
// api.ErrIPCFault if the semaphore is removed while waiting.
func (s *Semaphore) Wait() error {
	return s.WaitProbe(context.Background(), nil)
}

// WaitContext is Wait bounded by ctx; it returns ctx.Err() on cancellation
// without taking the count.
func (s *Semaphore) WaitContext(ctx context.Context) error {
	return s.WaitProbe(ctx, nil)
}

// WaitTimeout reports false if d elapsed before the count could be taken.
func (s *Semaphore) WaitTimeout(d time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	err := s.WaitProbe(ctx, nil)
	if errors.Is(err, context.DeadlineExceeded) {
		return false, nil
	}
	return err == nil, err
}

// WaitProbe is WaitContext that also runs probe each time a kernel wait
// times out; a probe error aborts the wait and is returned.
func (s *Semaphore) WaitProbe(ctx context.Context, probe func() error) error {
	for {
		if s.TryWait() {
			return nil
		}
		if s.closed.Load() {
			return fmt.Errorf("%w: semaphore %s is closed", api.ErrIPCFault, s.name)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		timeout := s.probe
		if dl, ok := ctx.Deadline(); ok {
			left := time.Until(dl)
			if left <= 0 {
				return context.DeadlineExceeded
			}
			if left < timeout {
				timeout = left
			}
		}

		internalshm.AtomicAddUint32(s.waiters, 1)
		err := internalshm.FutexWait(s.value, 0, timeout)
		internalshm.AtomicAddUint32(s.waiters, -1)

		switch {
		case err == nil:
		case errors.Is(err, internalshm.ErrFutexTimeout):
			if err := s.Check(); err != nil {
				return err
			}
			if probe != nil {
				if err := probe(); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("%w: semaphore %s: %w", api.ErrIPCFault, s.name, err)
		}
	}
}

// Signal increments the count and wakes one waiter.
func (s *Semaphore) Signal() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: semaphore %s is closed", api.ErrIPCFault, s.name)
	}
	for {
		v := internalshm.AtomicLoadUint32(s.value)
		if v == math.MaxUint32 {
			return fmt.Errorf("semaphore %s: %w", s.name, ErrOverflow)
		}
		if internalshm.AtomicCompareAndSwapUint32(s.value, v, v+1) {
			break
		}
	}
	if internalshm.AtomicLoadUint32(s.waiters) == 0 {
		return nil
	}
	if _, err := internalshm.FutexWake(s.value, 1); err != nil {
		return fmt.Errorf("%w: semaphore %s: %w", api.ErrIPCFault, s.name, err)
	}
	return nil
}

// Check returns an error wrapping api.ErrIPCFault if the semaphore was
// closed here or removed by another process.
func (s *Semaphore) Check() error {
	if err := s.seg.Check(); err != nil {
		return fmt.Errorf("semaphore %s: %w", s.name, err)
	}
	return nil
}

// Close detaches from the semaphore without destroying it. It must not race
// with a Wait or Signal on the same handle.
func (s *Semaphore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.seg.Close()
}

// Remove destroys the semaphore. The handle stays usable until Close.
func (s *Semaphore) Remove() error {
	return s.seg.Remove()
}
