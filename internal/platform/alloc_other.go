//go:build !linux

package platform

import (
	"fmt"
	"os"
	"unsafe"
)

// AllocArena allocates a page-aligned region for use as DMA memory. The
// non-Linux path over-allocates and slices to alignment.
func AllocArena(size int, busBase uint64) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("platform: invalid arena size %d", size)
	}
	pageSize := os.Getpagesize()
	size = (size + pageSize - 1) &^ (pageSize - 1)
	raw := make([]byte, size+pageSize)
	off := 0
	// Find the first page boundary inside raw.
	for i := 0; i < pageSize; i++ {
		if addrOf(raw[i:])%uintptr(pageSize) == 0 {
			off = i
			break
		}
	}
	return NewArena(raw[off:off+size], busBase), nil
}

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
