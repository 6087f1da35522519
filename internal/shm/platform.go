// Package shm contains platform-specific helpers for shared memory mappings
// and the futex words that live inside them.
package shm

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Path string

	fd  int
	dev uint64
	ino uint64
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	// Path of the backing file, usually under /dev/shm.
	Path string
	// Size in bytes. When opening an existing region, zero maps the whole file
	// and a positive value is the minimum acceptable file size.
	Size int
	// Create creates the file. It fails with os.ErrExist if the file is already there.
	Create bool
	// Mode is the permission of a created file; zero means 0666.
	Mode uint32
}

// Function implementations are provided in platform-specific files (platform_linux.go, platform_other.go).
