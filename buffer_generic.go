//go:build !linux
// +build !linux

package hwq

import (
	"fmt"
	"os"
	"unsafe"
)

// allocPages over-allocates from the heap and slices at the next page
// boundary. Huge pages are a linux facility; requesting them here is a
// policy mismatch and the caller falls back to anonymous memory.
func allocPages(size uint32, typ AllocType) ([]byte, error) {
	if typ == AllocHuge {
		return nil, fmt.Errorf("huge pages are not available on this platform")
	}

	page := uintptr(os.Getpagesize())
	raw := make([]byte, uintptr(size)+page)
	off := uintptr(unsafe.Pointer(&raw[0])) & (page - 1)
	if off != 0 {
		off = page - off
	}
	return raw[off : off+uintptr(size)], nil
}

func releasePages(_ []byte, _ AllocType) {}
