package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/srediag/printq/api"
	"github.com/srediag/printq/internal/logger"
	internalshm "github.com/srediag/printq/internal/shm"
)

const (
	// DefaultDir is where segments live when Options.Dir is empty.
	DefaultDir = "/dev/shm"

	filePrefix = "printq."
)

var log = logger.New("shm", nil)

// Options identifies a segment and, on creation, its size.
type Options struct {
	// Name is the identifier shared by all processes, e.g. "/printq".
	Name string
	// Dir overrides the shared-memory directory.
	Dir string
	// Size is the segment size in bytes. Required by Create. When opening,
	// zero maps the whole file and a positive value maps exactly that many
	// bytes, failing if the file is smaller.
	Size int
	// Mode is the permission of a created segment; zero means 0666.
	Mode uint32
}

// Path returns the backing file of the segment.
func (o Options) Path() (string, error) {
	name := strings.TrimPrefix(o.Name, "/")
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid segment name %q", o.Name)
	}
	dir := o.Dir
	if dir == "" {
		dir = defaultDir()
	}
	return filepath.Join(dir, filePrefix+name), nil
}

func defaultDir() string {
	info, err := os.Stat(DefaultDir)
	if err == nil && info.IsDir() {
		return DefaultDir
	}
	return os.TempDir()
}

// Segment is a named shared memory region mapped into this process.
type Segment struct {
	name   string
	region *internalshm.MappedRegion
	closed atomic.Bool
}

// Create creates a segment. A stale segment left under the same name by an
// earlier run is removed and creation is retried once; if that fails too the
// error wraps api.ErrResourceCreation.
func Create(ctx context.Context, opts Options) (*Segment, error) {
	path, err := opts.Path()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrResourceCreation, err)
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("%w: invalid segment size %d", api.ErrResourceCreation, opts.Size)
	}
	if !canCreateOnDevShm(uint64(opts.Size), path) {
		return nil, fmt.Errorf("%w: %w: path %s, size %d", api.ErrResourceCreation, ErrShareMemoryHadNotLeftSpace, path, opts.Size)
	}
	mapOpts := internalshm.MapOptions{Path: path, Size: opts.Size, Create: true, Mode: opts.Mode}
	region, err := internalshm.MapRegion(ctx, mapOpts)
	if errors.Is(err, os.ErrExist) {
		log.Warnf("removing stale segment %s", path)
		if rerr := internalshm.RemoveRegion(path); rerr != nil {
			return nil, fmt.Errorf("%w: %w", api.ErrResourceCreation, rerr)
		}
		region, err = internalshm.MapRegion(ctx, mapOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrResourceCreation, err)
	}
	log.Debugf("created segment %s (%d bytes)", path, opts.Size)
	return &Segment{name: opts.Name, region: region}, nil
}

// Open attaches to a segment created by another process. A segment that does
// not exist, or is still smaller than opts.Size, wraps api.ErrNotFound.
func Open(ctx context.Context, opts Options) (*Segment, error) {
	path, err := opts.Path()
	if err != nil {
		return nil, err
	}
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{Path: path, Size: opts.Size})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, internalshm.ErrRegionTooSmall) {
			return nil, fmt.Errorf("%w: %w", api.ErrNotFound, err)
		}
		return nil, err
	}
	log.Debugf("opened segment %s (%d bytes)", path, len(region.Addr))
	return &Segment{name: opts.Name, region: region}, nil
}

// Remove unlinks the segment named by opts. Processes that still have it
// mapped keep their mapping until they close it.
func Remove(opts Options) error {
	path, err := opts.Path()
	if err != nil {
		return err
	}
	return internalshm.RemoveRegion(path)
}

// Name returns the name the segment was created or opened with.
func (s *Segment) Name() string { return s.name }

// Path returns the backing file.
func (s *Segment) Path() string { return s.region.Path }

// Size returns the mapped size in bytes.
func (s *Segment) Size() int { return len(s.region.Addr) }

// Bytes returns the mapped memory. It must not be used after Close.
func (s *Segment) Bytes() []byte { return s.region.Addr }

// Check returns an error wrapping api.ErrIPCFault if the segment was closed
// here or removed by another process.
func (s *Segment) Check() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: segment %s is closed", api.ErrIPCFault, s.name)
	}
	if s.region.Unlinked() {
		return fmt.Errorf("%w: segment %s was removed", api.ErrIPCFault, s.region.Path)
	}
	return nil
}

// Close unmaps the segment. The segment itself stays until removed.
func (s *Segment) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return internalshm.UnmapRegion(context.Background(), s.region)
}

// Remove unlinks the segment. It is still mapped until Close.
func (s *Segment) Remove() error {
	return internalshm.RemoveRegion(s.region.Path)
}
