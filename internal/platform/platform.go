// Package platform supplies the pieces of the machine the device drivers
// consume but do not own: DMA-visible memory with explicit cache
// maintenance, 32-bit device register access, and interrupt dispatch.
//
// Device discovery (walking ACPI/FDT tables or PCI config space to find
// candidate register windows) happens outside this module; drivers receive
// its result as a Discovery value.
package platform

// Memory is a block of DMA-visible memory shared between the CPU and a
// device. Offsets are relative to the start of the block.
//
// Drivers must bracket every span the device reads with CacheClean and
// every span the device writes with CacheInvalidate, even on coherent
// platforms where both are no-ops, so the same driver code runs on
// non-coherent hardware unchanged.
type Memory interface {
	// Bytes returns the CPU view of the whole block. The slice stays
	// valid for the lifetime of the Memory.
	Bytes() []byte

	// BusAddr translates an offset into the address the device uses.
	BusAddr(off uint64) uint64

	// Offset translates a device bus address back into an offset.
	// Returns false if the address is outside this block.
	Offset(busAddr uint64) (uint64, bool)

	// CacheClean makes CPU writes in [off, off+length) visible to the
	// device.
	CacheClean(off, length uint64)

	// CacheInvalidate discards stale CPU caching of [off, off+length)
	// so device writes become visible.
	CacheInvalidate(off, length uint64)

	// Barrier orders memory accesses on either side of the call.
	Barrier()
}

// RegisterBlock is access to a device register window. MMIO register
// files are 32-bit wide; PCI capability structures mix widths, so the
// narrow accessors are part of the contract too. Reads and writes include
// the barriers the underlying bus requires.
type RegisterBlock interface {
	Read8(off uint64) uint8
	Read16(off uint64) uint16
	Read32(off uint64) uint32
	Write8(off uint64, value uint8)
	Write16(off uint64, value uint16)
	Write32(off uint64, value uint32)
}

// ConfigSpace is byte-granular access to a PCI function's configuration
// space, plus resolution of its BARs into register windows.
type ConfigSpace interface {
	Read8(off uint16) uint8
	Read16(off uint16) uint16
	Read32(off uint16) uint32
	Write16(off uint16, value uint16)

	// BAR returns the register window behind a base address register,
	// or false if the BAR is unimplemented or an I/O BAR.
	BAR(index uint8) (RegisterBlock, bool)
}

// Discovery is one validated device candidate produced by the platform's
// bus scan.
type Discovery struct {
	Regs     RegisterBlock
	Config   ConfigSpace // nil for MMIO devices
	Line     uint32
	DeviceID uint32
}
