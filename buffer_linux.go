//go:build linux
// +build linux

package hwq

import (
	"golang.org/x/sys/unix"
)

// allocPages maps zeroed anonymous memory directly so queue buffers are page
// aligned and invisible to the garbage collector's copying decisions.
func allocPages(size uint32, typ AllocType) ([]byte, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if typ == AllocHuge {
		flags |= unix.MAP_HUGETLB
	}

	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func releasePages(b []byte, _ AllocType) {
	_ = unix.Munmap(b)
}
