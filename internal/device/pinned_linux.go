//go:build linux

package device

import (
	"golang.org/x/sys/unix"
)

// allocPinned maps anonymous memory and locks it into RAM. Locking is best
// effort: without CAP_IPC_LOCK or with a small RLIMIT_MEMLOCK the mapping is
// still usable, just pageable.
func allocPinned(size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	_ = unix.Mlock(buf)
	return buf, nil
}

func freePinned(buf []byte) {
	if len(buf) == 0 {
		return
	}
	_ = unix.Munlock(buf)
	_ = unix.Munmap(buf)
}
