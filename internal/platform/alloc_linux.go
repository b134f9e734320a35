//go:build linux

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AllocArena maps an anonymous page-aligned region for use as DMA memory.
// Page alignment satisfies the strictest layout the legacy transport
// demands (page-aligned queue memory).
func AllocArena(size int, busBase uint64) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("platform: invalid arena size %d", size)
	}
	pageSize := unix.Getpagesize()
	size = (size + pageSize - 1) &^ (pageSize - 1)
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap %d bytes: %w", size, err)
	}
	return NewArena(buf, busBase), nil
}
