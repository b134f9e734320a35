package devsim

import (
	"fmt"
	"log/slog"

	"github.com/vmos-dev/vmos/internal/platform"
)

// MMIO register offsets (device side of the same map the driver uses).
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regGuestPageSize     = 0x028
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueAlign        = 0x03c
	regQueuePFN          = 0x040
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptAck      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueAvailLow     = 0x090
	regQueueAvailHigh    = 0x094
	regQueueUsedLow      = 0x0a0
	regQueueUsedHigh     = 0x0a4
	regConfigGeneration  = 0x0fc

	mmioMagic = 0x74726976
	simVendor = 0x53494d56

	intQueue = 0x1

	featureV1   = uint64(1) << 32
	statusDrvOK = 4
)

// Options configures one simulated device instance.
type Options struct {
	Version   uint32 // register map version: 1 (legacy) or 2 (modern)
	DeviceID  uint32
	QueueSize uint16 // advertised QueueNumMax
	Line      uint32
	Features  uint64 // offered in addition to VERSION_1 on modern maps

	// Manual stops notify from completing buffers; tests drive
	// completion order through CompleteNext / Complete.
	Manual bool

	// MaxWrite caps how many bytes one completion writes; the used
	// entry reports the short length. Zero fills every buffer.
	MaxWrite uint32

	Source Source
}

func (o *Options) normalize() {
	if o.Version == 0 {
		o.Version = 2
	}
	if o.QueueSize == 0 {
		o.QueueSize = 64
	}
	if o.Source == nil {
		o.Source = CounterSource()
	}
}

// MMIODevice is a software VirtIO device behind the memory-mapped
// register map. It satisfies platform.RegisterBlock, so the driver's
// transport talks to it exactly as it would to hardware.
type MMIODevice struct {
	model
	opts Options

	status      uint32
	devFeatSel  uint32
	drvFeatSel  uint32
	drvFeatures uint64
	queueSel    uint32
	queueNum    uint16
	queueReady  uint32

	// legacy map state
	guestPageSize uint32
	queueAlign    uint32
	queuePFN      uint32

	descLow, descHigh   uint32
	availLow, availHigh uint32
	usedLow, usedHigh   uint32

	// counters for tests and the demo tool
	Notifies int
	Resets   int
}

func NewMMIO(mem platform.Memory, disp *platform.Dispatcher, opts Options) *MMIODevice {
	opts.normalize()
	if opts.Version == 2 {
		opts.Features |= featureV1
	}
	d := &MMIODevice{opts: opts}
	d.model = model{disp: disp, line: opts.Line, source: opts.Source, manual: opts.Manual, maxWrite: opts.MaxWrite}
	d.ring.mem = mem
	d.reset()
	return d
}

func (d *MMIODevice) reset() {
	d.status = 0
	d.devFeatSel, d.drvFeatSel, d.drvFeatures = 0, 0, 0
	d.queueSel, d.queueNum, d.queueReady = 0, 0, 0
	d.guestPageSize, d.queueAlign, d.queuePFN = 0, 0, 0
	d.descLow, d.descHigh = 0, 0
	d.availLow, d.availHigh = 0, 0
	d.usedLow, d.usedHigh = 0, 0
	d.resetModel()
	d.Resets++
}

func (d *MMIODevice) Read32(off uint64) uint32 {
	switch off {
	case regMagicValue:
		return mmioMagic
	case regVersion:
		return d.opts.Version
	case regDeviceID:
		return d.opts.DeviceID
	case regVendorID:
		return simVendor
	case regDeviceFeatures:
		if d.devFeatSel == 0 {
			return uint32(d.opts.Features)
		}
		return uint32(d.opts.Features >> 32)
	case regDeviceFeaturesSel:
		return d.devFeatSel
	case regDriverFeaturesSel:
		return d.drvFeatSel
	case regQueueSel:
		return d.queueSel
	case regQueueNumMax:
		if d.queueSel != 0 {
			return 0
		}
		return uint32(d.opts.QueueSize)
	case regQueueNum:
		return uint32(d.queueNum)
	case regQueuePFN:
		return d.queuePFN
	case regQueueReady:
		return d.queueReady
	case regInterruptStatus:
		return d.isr
	case regStatus:
		return d.status
	case regConfigGeneration:
		return 0
	default:
		return 0
	}
}

func (d *MMIODevice) Write32(off uint64, value uint32) {
	switch off {
	case regDeviceFeaturesSel:
		d.devFeatSel = value
	case regDriverFeaturesSel:
		d.drvFeatSel = value
	case regDriverFeatures:
		if d.drvFeatSel == 0 {
			d.drvFeatures = d.drvFeatures&^uint64(0xffffffff) | uint64(value)
		} else {
			d.drvFeatures = d.drvFeatures&0xffffffff | uint64(value)<<32
		}
	case regGuestPageSize:
		d.guestPageSize = value
	case regQueueSel:
		d.queueSel = value
	case regQueueNum:
		d.queueNum = uint16(value)
	case regQueueAlign:
		d.queueAlign = value
	case regQueuePFN:
		d.queuePFN = value
		if value != 0 && d.queueSel == 0 {
			d.activateLegacy()
		}
	case regQueueReady:
		d.queueReady = value
		if value != 0 && d.queueSel == 0 {
			d.activateModern()
		}
	case regQueueNotify:
		d.Notifies++
		if value == 0 {
			d.service()
		}
	case regInterruptAck:
		d.isr &^= value
	case regStatus:
		if value == 0 {
			d.reset()
			return
		}
		// A device that rejects the driver's feature subset would clear
		// FEATURES_OK here; the simulator accepts any subset of what it
		// offered.
		d.status = value
		d.running = value&statusDrvOK != 0
	case regQueueDescLow:
		d.descLow = value
	case regQueueDescHigh:
		d.descHigh = value
	case regQueueAvailLow:
		d.availLow = value
	case regQueueAvailHigh:
		d.availHigh = value
	case regQueueUsedLow:
		d.usedLow = value
	case regQueueUsedHigh:
		d.usedHigh = value
	default:
		slog.Debug("devsim: write to unhandled register", "offset", fmt.Sprintf("%#x", off), "value", value)
	}
}

// Narrow accesses fall through to the containing 32-bit register; the
// MMIO map is defined in 32-bit registers only.

func (d *MMIODevice) Read8(off uint64) uint8 {
	return uint8(d.Read32(off&^3) >> ((off & 3) * 8))
}

func (d *MMIODevice) Read16(off uint64) uint16 {
	return uint16(d.Read32(off&^3) >> ((off & 2) * 8))
}

func (d *MMIODevice) Write8(off uint64, value uint8) {
	shift := (off & 3) * 8
	v := d.Read32(off&^3)&^(0xff<<shift) | uint32(value)<<shift
	d.Write32(off&^3, v)
}

func (d *MMIODevice) Write16(off uint64, value uint16) {
	shift := (off & 2) * 8
	v := d.Read32(off&^3)&^(0xffff<<shift) | uint32(value)<<shift
	d.Write32(off&^3, v)
}

func (d *MMIODevice) activateModern() {
	d.ring.size = d.queueNum
	d.ring.descAddr = uint64(d.descHigh)<<32 | uint64(d.descLow)
	d.ring.availAddr = uint64(d.availHigh)<<32 | uint64(d.availLow)
	d.ring.usedAddr = uint64(d.usedHigh)<<32 | uint64(d.usedLow)
	d.ring.ready = true
}

// activateLegacy derives the three table addresses from the PFN, the
// guest page size and the ring alignment the driver programmed.
func (d *MMIODevice) activateLegacy() {
	pageSize := uint64(d.guestPageSize)
	if pageSize == 0 {
		pageSize = 4096
	}
	align := uint64(d.queueAlign)
	if align == 0 {
		align = 4096
	}
	n := uint64(d.queueNum)
	base := uint64(d.queuePFN) * pageSize
	d.ring.size = d.queueNum
	d.ring.descAddr = base
	d.ring.availAddr = base + n*descBytes
	availEnd := d.ring.availAddr + 4 + n*2 + 2
	d.ring.usedAddr = (availEnd + align - 1) &^ (align - 1)
	d.ring.ready = true
}
