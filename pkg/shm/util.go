package shm

import (
	"errors"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrShareMemoryHadNotLeftSpace is returned when /dev/shm cannot hold a new segment.
var ErrShareMemoryHadNotLeftSpace = errors.New("share memory had not left space")

// canCreateOnDevShm reports whether size bytes fit in /dev/shm. Paths outside
// /dev/shm are not checked.
func canCreateOnDevShm(size uint64, path string) bool {
	if !strings.HasPrefix(path, DefaultDir+"/") {
		return true
	}
	stat, err := disk.Usage(DefaultDir)
	if err != nil {
		log.Warnf("could not read %s usage: %v", DefaultDir, err)
		return true
	}
	return stat.Free >= size
}
