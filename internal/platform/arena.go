package platform

import "fmt"

// Arena is a Memory implementation over a cache-coherent byte block. Cache
// maintenance is a no-op; Barrier is a compiler-level ordering point only,
// which is sufficient for the single-core execution model the drivers
// assume.
type Arena struct {
	buf     []byte
	busBase uint64
	next    uint64
}

// NewArena wraps buf as coherent DMA memory appearing at busBase on the
// device side.
func NewArena(buf []byte, busBase uint64) *Arena {
	return &Arena{buf: buf, busBase: busBase}
}

func (a *Arena) Bytes() []byte { return a.buf }

func (a *Arena) BusAddr(off uint64) uint64 { return a.busBase + off }

func (a *Arena) Offset(busAddr uint64) (uint64, bool) {
	if busAddr < a.busBase || busAddr >= a.busBase+uint64(len(a.buf)) {
		return 0, false
	}
	return busAddr - a.busBase, true
}

func (a *Arena) CacheClean(off, length uint64)      {}
func (a *Arena) CacheInvalidate(off, length uint64) {}
func (a *Arena) Barrier()                           {}

// Alloc carves an aligned region out of the arena and returns its offset.
// align must be a power of two.
func (a *Arena) Alloc(size, align uint64) (uint64, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("platform: alignment %d is not a power of two", align)
	}
	off := (a.next + align - 1) &^ (align - 1)
	if off+size > uint64(len(a.buf)) {
		return 0, fmt.Errorf("platform: arena exhausted (want %d bytes at %#x, have %d)", size, off, len(a.buf))
	}
	a.next = off + size
	return off, nil
}
