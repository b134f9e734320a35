package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/vmos-dev/vmos/internal/platform"
)

// MaxQueueSize caps the negotiated queue size driver-side. The entropy
// device typically advertises 256 or less.
const MaxQueueSize = 256

// noDesc terminates the on-wire free list.
const noDesc = 0xFFFF

const (
	descEntryBytes = 16
	usedElemBytes  = 8
	legacyAlign    = 4096
)

// QueueLayout places the descriptor table, available ring and used ring
// inside a caller-provided block of DMA memory. Offsets are absolute
// within the platform.Memory the queue runs over.
type QueueLayout struct {
	BlockOff uint64
	DescOff  uint64
	AvailOff uint64
	UsedOff  uint64
	End      uint64
	Size     uint16
	Legacy   bool
}

// Layout computes the split-ring layout for a queue of the given size at
// blockOff. Legacy transports require the block page-aligned and the used
// ring aligned to the next page boundary; modern transports use the
// natural 16/2/4-byte alignments. Ring tails reserve the event-index
// slots even though the driver never negotiates VIRTIO_F_EVENT_IDX, so
// the memory contract matches devices that lay them out anyway.
func Layout(blockOff uint64, size uint16, legacy bool) (QueueLayout, error) {
	if size == 0 || size&(size-1) != 0 {
		return QueueLayout{}, fmt.Errorf("virtio: queue size %d is not a power of two", size)
	}
	if legacy && blockOff%legacyAlign != 0 {
		return QueueLayout{}, fmt.Errorf("virtio: legacy queue block at %#x is not page-aligned", blockOff)
	}
	if !legacy && blockOff%descEntryBytes != 0 {
		return QueueLayout{}, fmt.Errorf("virtio: queue block at %#x is not 16-byte aligned", blockOff)
	}

	n := uint64(size)
	descOff := blockOff
	availOff := descOff + n*descEntryBytes
	availEnd := availOff + 4 + n*2 + 2 // flags, idx, ring, used_event

	usedAlign := uint64(4)
	if legacy {
		usedAlign = legacyAlign
	}
	usedOff := (availEnd + usedAlign - 1) &^ (usedAlign - 1)
	end := usedOff + 4 + n*usedElemBytes + 2 // flags, idx, ring, avail_event

	return QueueLayout{
		BlockOff: blockOff,
		DescOff:  descOff,
		AvailOff: availOff,
		UsedOff:  usedOff,
		End:      end,
		Size:     size,
		Legacy:   legacy,
	}, nil
}

// BlockBytes reports how much memory Layout needs for a queue of the
// given size, independent of placement.
func BlockBytes(size uint16, legacy bool) uint64 {
	l, err := Layout(0, size, legacy)
	if err != nil {
		return 0
	}
	return l.End
}

// DescHandle names one granted descriptor. The generation counter makes
// handles single-use: once the descriptor is freed, outstanding handles
// for it go stale and every queue operation rejects them.
type DescHandle struct {
	index uint16
	gen   uint32
}

// Index returns the descriptor slot the handle refers to.
func (h DescHandle) Index() uint16 { return h.index }

// Queue is the driver side of one VirtIO split virtqueue. The descriptor
// table and available ring are driver-owned; the used ring is written by
// the device and only read here.
//
// A descriptor index is always in exactly one of three places: the free
// list threaded through the descriptor table's next fields, granted (in
// flight with the device), or consumed-but-not-yet-freed during a drain.
type Queue struct {
	mem    platform.Memory
	layout QueueLayout

	freeHead uint16
	numFree  uint16

	availShadow uint16 // next avail idx to publish
	lastUsed    uint16 // next used idx to consume

	inflight []bool
	gen      []uint32
}

// InitQueue lays the three tables out per layout, zeroes them, and builds
// the free list covering every descriptor.
func InitQueue(mem platform.Memory, layout QueueLayout) (*Queue, error) {
	buf := mem.Bytes()
	if layout.End > uint64(len(buf)) {
		return nil, fmt.Errorf("virtio: queue layout needs %d bytes, memory has %d", layout.End, len(buf))
	}
	q := &Queue{
		mem:      mem,
		layout:   layout,
		numFree:  layout.Size,
		inflight: make([]bool, layout.Size),
		gen:      make([]uint32, layout.Size),
	}
	clear(buf[layout.BlockOff:layout.End])

	// Thread the free list through the descriptor next fields, the same
	// words the device will later follow for chained descriptors.
	for i := uint16(0); i < layout.Size-1; i++ {
		q.put16(q.descFieldOff(i, 14), i+1)
	}
	q.put16(q.descFieldOff(layout.Size-1, 14), noDesc)

	// avail.flags bit 0 clear: we want interrupts.
	q.put16(layout.AvailOff, 0)
	q.put16(layout.AvailOff+2, 0)
	q.put16(layout.UsedOff, 0)
	q.put16(layout.UsedOff+2, 0)
	return q, nil
}

func (q *Queue) Size() uint16    { return q.layout.Size }
func (q *Queue) NumFree() uint16 { return q.numFree }

// Layout returns the queue's memory placement, for transport setup.
func (q *Queue) Layout() QueueLayout { return q.layout }

// Alloc pops one descriptor off the free list. ErrNoDescriptors is the
// backpressure signal; Alloc never blocks.
func (q *Queue) Alloc() (DescHandle, error) {
	if q.numFree == 0 {
		return DescHandle{}, ErrNoDescriptors
	}
	idx := q.freeHead
	q.freeHead = q.get16(q.descFieldOff(idx, 14))
	q.numFree--
	q.inflight[idx] = true
	return DescHandle{index: idx, gen: q.gen[idx]}, nil
}

// Fill writes the descriptor for a single-element chain: one buffer at
// busAddr, device-writable or device-readable. Chaining is not needed for
// the request/response devices this driver serves.
func (q *Queue) Fill(h DescHandle, busAddr uint64, length uint32, deviceWritable bool) error {
	if err := q.check(h); err != nil {
		return err
	}
	var flags uint16
	if deviceWritable {
		flags = descFWrite
	}
	off := q.descFieldOff(h.index, 0)
	q.put64(off, busAddr)
	q.put32(off+8, length)
	q.put16(off+12, flags)
	q.put16(off+14, noDesc)
	return nil
}

// Publish appends the descriptor to the available ring and advances the
// published index. It does not notify the device; callers batch the
// notify themselves after flushing.
func (q *Queue) Publish(h DescHandle) error {
	if err := q.check(h); err != nil {
		return err
	}
	ringOff := q.layout.AvailOff + 4 + uint64(q.availShadow%q.layout.Size)*2
	q.put16(ringOff, h.index)
	q.mem.Barrier() // ring entry before index
	q.availShadow++
	q.put16(q.layout.AvailOff+2, q.availShadow)
	return nil
}

// FlushPublished cleans the descriptor table and available ring out to
// the device. Must run before the notify register is written.
func (q *Queue) FlushPublished() {
	q.mem.CacheClean(q.layout.DescOff, q.layout.AvailOff-q.layout.DescOff)
	q.mem.CacheClean(q.layout.AvailOff, 4+uint64(q.layout.Size)*2)
	q.mem.Barrier()
}

// HasCompleted reports whether the device has produced used-ring entries
// the driver has not consumed. The used index is device-written, so the
// header span is invalidated before the read.
func (q *Queue) HasCompleted() bool {
	q.mem.CacheInvalidate(q.layout.UsedOff, 4)
	q.mem.Barrier()
	return q.get16(q.layout.UsedOff+2) != q.lastUsed
}

// TakeCompleted consumes one used-ring entry and returns the handle of
// the completed descriptor and the byte count the device reported. The
// descriptor stays granted until Free.
func (q *Queue) TakeCompleted() (DescHandle, uint32, error) {
	elemOff := q.layout.UsedOff + 4 + uint64(q.lastUsed%q.layout.Size)*usedElemBytes
	q.mem.CacheInvalidate(elemOff, usedElemBytes)
	q.mem.Barrier()
	id := q.get32(elemOff)
	bytes := q.get32(elemOff + 4)
	if id >= uint32(q.layout.Size) {
		return DescHandle{}, 0, fmt.Errorf("virtio: device returned descriptor id %d beyond queue size %d", id, q.layout.Size)
	}
	q.lastUsed++
	idx := uint16(id)
	return DescHandle{index: idx, gen: q.gen[idx]}, bytes, nil
}

// Free returns the descriptor to the free list and retires the handle.
func (q *Queue) Free(h DescHandle) error {
	if err := q.check(h); err != nil {
		return err
	}
	q.put16(q.descFieldOff(h.index, 14), q.freeHead)
	q.freeHead = h.index
	q.numFree++
	q.inflight[h.index] = false
	q.gen[h.index]++
	return nil
}

func (q *Queue) check(h DescHandle) error {
	if h.index >= q.layout.Size {
		return fmt.Errorf("virtio: descriptor index %d out of range", h.index)
	}
	if !q.inflight[h.index] || q.gen[h.index] != h.gen {
		return ErrStaleHandle
	}
	return nil
}

func (q *Queue) descFieldOff(index uint16, field uint64) uint64 {
	return q.layout.DescOff + uint64(index)*descEntryBytes + field
}

func (q *Queue) put16(off uint64, v uint16) {
	binary.LittleEndian.PutUint16(q.mem.Bytes()[off:], v)
}

func (q *Queue) put32(off uint64, v uint32) {
	binary.LittleEndian.PutUint32(q.mem.Bytes()[off:], v)
}

func (q *Queue) put64(off uint64, v uint64) {
	binary.LittleEndian.PutUint64(q.mem.Bytes()[off:], v)
}

func (q *Queue) get16(off uint64) uint16 {
	return binary.LittleEndian.Uint16(q.mem.Bytes()[off:])
}

func (q *Queue) get32(off uint64) uint32 {
	return binary.LittleEndian.Uint32(q.mem.Bytes()[off:])
}
