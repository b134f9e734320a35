package devsim

import (
	"encoding/binary"
	"fmt"

	"github.com/vmos-dev/vmos/internal/platform"
)

const (
	descBytes     = 16
	usedElemBytes = 8

	descFlagNext  = 1
	descFlagWrite = 2
)

type descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// ringConsumer is the device side of one split queue: it pops heads off
// the available ring and pushes (id, len) pairs onto the used ring. All
// addresses are bus addresses into the shared arena.
type ringConsumer struct {
	mem  platform.Memory
	size uint16

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	lastAvail uint16
	usedIdx   uint16
	ready     bool
}

func (r *ringConsumer) reset() {
	*r = ringConsumer{mem: r.mem}
}

func (r *ringConsumer) at(busAddr uint64, length uint64) ([]byte, error) {
	off, ok := r.mem.Offset(busAddr)
	if !ok || off+length > uint64(len(r.mem.Bytes())) {
		return nil, fmt.Errorf("devsim: bus address %#x+%d outside arena", busAddr, length)
	}
	return r.mem.Bytes()[off : off+length], nil
}

func (r *ringConsumer) readDesc(idx uint16) (descriptor, error) {
	if idx >= r.size {
		return descriptor{}, fmt.Errorf("devsim: descriptor index %d beyond queue size %d", idx, r.size)
	}
	b, err := r.at(r.descAddr+uint64(idx)*descBytes, descBytes)
	if err != nil {
		return descriptor{}, err
	}
	return descriptor{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

// popAvail consumes one available-ring entry, returning the chain head.
func (r *ringConsumer) popAvail() (uint16, bool, error) {
	hdr, err := r.at(r.availAddr, 4+uint64(r.size)*2)
	if err != nil {
		return 0, false, err
	}
	availIdx := binary.LittleEndian.Uint16(hdr[2:4])
	if availIdx == r.lastAvail {
		return 0, false, nil
	}
	slot := r.lastAvail % r.size
	head := binary.LittleEndian.Uint16(hdr[4+slot*2:])
	r.lastAvail++
	if head >= r.size {
		return 0, false, fmt.Errorf("devsim: driver published head %d beyond queue size %d", head, r.size)
	}
	return head, true, nil
}

// pushUsed publishes one completion and advances the used index.
func (r *ringConsumer) pushUsed(head uint16, length uint32) error {
	ring, err := r.at(r.usedAddr, 4+uint64(r.size)*usedElemBytes)
	if err != nil {
		return err
	}
	slot := r.usedIdx % r.size
	elem := ring[4+uint64(slot)*usedElemBytes:]
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	r.usedIdx++
	binary.LittleEndian.PutUint16(ring[2:4], r.usedIdx)
	return nil
}
