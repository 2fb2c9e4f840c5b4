//go:build linux

package xdp

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// allocLocked maps an anonymous region and locks it into RAM. AF_XDP mode
// cannot tolerate page faults on the packet path, so an mlock failure
// (usually RLIMIT_MEMLOCK) aborts the allocation.
func allocLocked(size uint64) ([]byte, error) {
	area, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, errors.Wrap(err, "mmap")
	}
	if err := unix.Mlock(area); err != nil {
		unix.Munmap(area)
		return nil, errors.Wrap(err, "mlock (raise RLIMIT_MEMLOCK)")
	}
	return area, nil
}

func releaseLocked(area []byte) error {
	unix.Munlock(area)
	return unix.Munmap(area)
}
