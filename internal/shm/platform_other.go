//go:build !linux

package shm

import (
	"context"
	"fmt"

	"github.com/srediag/printq/api"
)

// MapRegion is not implemented on this platform.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, fmt.Errorf("map %s: %w", opts.Path, api.ErrUnsupportedPlatform)
}

// UnmapRegion is not implemented on this platform.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	return api.ErrUnsupportedPlatform
}

// Unlinked always reports true on this platform.
func (r *MappedRegion) Unlinked() bool {
	return true
}

// RemoveRegion is not implemented on this platform.
func RemoveRegion(path string) error {
	return api.ErrUnsupportedPlatform
}
