//go:build linux

package shm

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MapRegion maps or creates a shared memory region (Linux implementation).
// A missing file is reported as os.ErrNotExist and an existing file on create
// as os.ErrExist, both wrapped.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Create {
		if opts.Size <= 0 {
			return nil, fmt.Errorf("map %s: invalid size %d", opts.Path, opts.Size)
		}
		flags |= unix.O_CREAT | unix.O_EXCL
	}
	mode := opts.Mode
	if mode == 0 {
		mode = 0666
	}
	fd, err := unix.Open(opts.Path, flags, mode)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: opts.Path, Err: err}
	}
	cleanup := func() {
		_ = unix.Close(fd)
		if opts.Create {
			_ = unix.Unlink(opts.Path)
		}
	}

	size := opts.Size
	if opts.Create {
		// umask may have narrowed the mode; peers running as other users still need access.
		_ = unix.Fchmod(fd, mode)
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			cleanup()
			return nil, fmt.Errorf("ftruncate %s: %w", opts.Path, err)
		}
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		cleanup()
		return nil, fmt.Errorf("fstat %s: %w", opts.Path, err)
	}
	if !opts.Create {
		if st.Size < int64(size) {
			cleanup()
			return nil, fmt.Errorf("map %s: file is %d bytes, need %d: %w", opts.Path, st.Size, size, ErrRegionTooSmall)
		}
		if size == 0 {
			size = int(st.Size)
		}
		if size == 0 {
			cleanup()
			return nil, fmt.Errorf("map %s: empty file: %w", opts.Path, ErrRegionTooSmall)
		}
	}

	addr, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("mmap %s: %w", opts.Path, err)
	}
	return &MappedRegion{
		Addr: addr,
		Path: opts.Path,
		fd:   fd,
		dev:  uint64(st.Dev),
		ino:  st.Ino,
	}, nil
}

// UnmapRegion unmaps and closes the shared memory region (Linux implementation).
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	var errs []error
	if err := unix.Munmap(region.Addr); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	region.Addr = nil
	if region.fd >= 0 {
		if err := unix.Close(region.fd); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		region.fd = -1
	}
	return errors.Join(errs...)
}

// Unlinked reports whether the file behind the region has been removed or
// replaced by another file since it was mapped.
func (r *MappedRegion) Unlinked() bool {
	var st unix.Stat_t
	if err := unix.Stat(r.Path, &st); err != nil {
		return true
	}
	return uint64(st.Dev) != r.dev || st.Ino != r.ino
}

// RemoveRegion unlinks the backing file. A missing file is not an error.
func RemoveRegion(path string) error {
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return &os.PathError{Op: "unlink", Path: path, Err: err}
	}
	return nil
}
