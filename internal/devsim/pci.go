package devsim

import (
	"encoding/binary"
	"log/slog"

	"github.com/vmos-dev/vmos/internal/platform"
)

// PCI simulator geometry: all three capability windows live in BAR 0.
const (
	pciVendor     = 0x1af4
	pciModernBase = 0x1040

	capCommonPtr = 0x40
	capNotifyPtr = 0x50
	capISRPtr    = 0x64

	barCommonOff = 0x0000
	barNotifyOff = 0x1000
	barISROff    = 0x2000

	notifyMultiplier = 4
)

// Common configuration offsets, device side.
const (
	comDeviceFeatureSel = 0x00
	comDeviceFeature    = 0x04
	comDriverFeatureSel = 0x08
	comDriverFeature    = 0x0c
	comMSIXConfig       = 0x10
	comNumQueues        = 0x12
	comDeviceStatus     = 0x14
	comConfigGen        = 0x15
	comQueueSelect      = 0x16
	comQueueSize        = 0x18
	comQueueMSIXVector  = 0x1a
	comQueueEnable      = 0x1c
	comQueueNotifyOff   = 0x1e
	comQueueDesc        = 0x20
	comQueueDriver      = 0x28
	comQueueDevice      = 0x30
)

// PCIDevice is a software VirtIO device behind the modern PCI capability
// transport: a 256-byte config space whose vendor capability chain
// points the common, notify and ISR windows into BAR 0. It satisfies
// platform.ConfigSpace.
type PCIDevice struct {
	model
	opts Options

	cfg [256]byte

	devFeatSel  uint32
	drvFeatSel  uint32
	drvFeatures uint64
	status      uint8
	queueSel    uint16
	queueSize   uint16
	queueEnable uint16
	msixConfig  uint16
	queueMSIX   uint16

	desc, avail, used uint64

	Notifies int
	Resets   int
}

func NewPCI(mem platform.Memory, disp *platform.Dispatcher, opts Options) *PCIDevice {
	opts.normalize()
	opts.Features |= featureV1
	d := &PCIDevice{opts: opts}
	d.model = model{disp: disp, line: opts.Line, source: opts.Source, manual: opts.Manual, maxWrite: opts.MaxWrite}
	d.ring.mem = mem
	d.buildConfigSpace()
	d.resetDevice()
	return d
}

func (d *PCIDevice) buildConfigSpace() {
	put16 := func(off uint16, v uint16) { binary.LittleEndian.PutUint16(d.cfg[off:], v) }
	put32 := func(off uint16, v uint32) { binary.LittleEndian.PutUint32(d.cfg[off:], v) }

	put16(0x00, pciVendor)
	put16(0x02, uint16(pciModernBase+d.opts.DeviceID))
	put16(0x06, 0x0010) // capability list present
	put16(0x2e, uint16(d.opts.DeviceID))
	d.cfg[0x34] = capCommonPtr

	cap := func(ptr uint16, next uint8, length uint8, cfgType uint8, winOff uint32, winLen uint32) {
		d.cfg[ptr+0] = 0x09 // vendor-specific
		d.cfg[ptr+1] = next
		d.cfg[ptr+2] = length
		d.cfg[ptr+3] = cfgType
		d.cfg[ptr+4] = 0 // BAR 0
		put32(ptr+8, winOff)
		put32(ptr+12, winLen)
	}
	cap(capCommonPtr, capNotifyPtr, 16, 1, barCommonOff, 0x40)
	cap(capNotifyPtr, capISRPtr, 20, 2, barNotifyOff, 0x100)
	put32(capNotifyPtr+16, notifyMultiplier)
	cap(capISRPtr, 0, 16, 3, barISROff, 4)
}

func (d *PCIDevice) resetDevice() {
	d.devFeatSel, d.drvFeatSel, d.drvFeatures = 0, 0, 0
	d.status = 0
	d.queueSel, d.queueSize, d.queueEnable = 0, 0, 0
	d.msixConfig, d.queueMSIX = 0, 0
	d.desc, d.avail, d.used = 0, 0, 0
	d.resetModel()
	d.Resets++
}

func (d *PCIDevice) Read8(off uint16) uint8 { return d.cfg[off] }

func (d *PCIDevice) Read16(off uint16) uint16 {
	return binary.LittleEndian.Uint16(d.cfg[off:])
}

func (d *PCIDevice) Read32(off uint16) uint32 {
	return binary.LittleEndian.Uint32(d.cfg[off:])
}

func (d *PCIDevice) Write16(off uint16, value uint16) {
	// Only the command register is driver-writable in the simulator.
	if off == 0x04 {
		binary.LittleEndian.PutUint16(d.cfg[off:], value)
	}
}

func (d *PCIDevice) BAR(index uint8) (platform.RegisterBlock, bool) {
	if index != 0 {
		return nil, false
	}
	return (*pciBAR)(d), true
}

// pciBAR is BAR 0's register window: common config, notify and ISR
// regions dispatched by offset.
type pciBAR PCIDevice

func (b *pciBAR) dev() *PCIDevice { return (*PCIDevice)(b) }

func (b *pciBAR) Read8(off uint64) uint8 {
	d := b.dev()
	switch {
	case off == barISROff:
		// Reading the ISR byte deasserts the interrupt.
		v := uint8(d.isr)
		d.isr = 0
		return v
	case off == barCommonOff+comDeviceStatus:
		return d.status
	case off == barCommonOff+comConfigGen:
		return 0
	default:
		return uint8(b.Read32(off &^ 3) >> ((off & 3) * 8))
	}
}

func (b *pciBAR) Read16(off uint64) uint16 {
	d := b.dev()
	switch off {
	case barCommonOff + comNumQueues:
		return 1
	case barCommonOff + comQueueSelect:
		return d.queueSel
	case barCommonOff + comQueueSize:
		if d.queueSel != 0 {
			return 0
		}
		if d.queueSize != 0 {
			return d.queueSize
		}
		return d.opts.QueueSize
	case barCommonOff + comQueueMSIXVector:
		return d.queueMSIX
	case barCommonOff + comQueueEnable:
		return d.queueEnable
	case barCommonOff + comQueueNotifyOff:
		return 0
	case barCommonOff + comMSIXConfig:
		return d.msixConfig
	default:
		return uint16(b.Read32(off&^3) >> ((off & 2) * 8))
	}
}

func (b *pciBAR) Read32(off uint64) uint32 {
	d := b.dev()
	switch off {
	case barCommonOff + comDeviceFeatureSel:
		return d.devFeatSel
	case barCommonOff + comDeviceFeature:
		if d.devFeatSel == 0 {
			return uint32(d.opts.Features)
		}
		return uint32(d.opts.Features >> 32)
	case barCommonOff + comDriverFeatureSel:
		return d.drvFeatSel
	case barCommonOff + comDriverFeature:
		if d.drvFeatSel == 0 {
			return uint32(d.drvFeatures)
		}
		return uint32(d.drvFeatures >> 32)
	default:
		return 0
	}
}

func (b *pciBAR) Write8(off uint64, value uint8) {
	d := b.dev()
	switch off {
	case barCommonOff + comDeviceStatus:
		if value == 0 {
			d.resetDevice()
			return
		}
		d.status = value
		d.running = value&statusDrvOK != 0
	default:
		slog.Debug("devsim: pci 8-bit write to unhandled register", "offset", off, "value", value)
	}
}

func (b *pciBAR) Write16(off uint64, value uint16) {
	d := b.dev()
	if off >= barNotifyOff && off < barISROff {
		d.Notifies++
		if value == 0 {
			d.service()
		}
		return
	}
	switch off {
	case barCommonOff + comQueueSelect:
		d.queueSel = value
	case barCommonOff + comQueueSize:
		d.queueSize = value
	case barCommonOff + comQueueMSIXVector:
		d.queueMSIX = value
	case barCommonOff + comQueueEnable:
		d.queueEnable = value
		if value != 0 && d.queueSel == 0 {
			d.activate()
		}
	case barCommonOff + comMSIXConfig:
		d.msixConfig = value
	default:
		slog.Debug("devsim: pci 16-bit write to unhandled register", "offset", off, "value", value)
	}
}

func (b *pciBAR) Write32(off uint64, value uint32) {
	d := b.dev()
	set := func(p *uint64, high bool) {
		if high {
			*p = *p&0xffffffff | uint64(value)<<32
		} else {
			*p = *p&^uint64(0xffffffff) | uint64(value)
		}
	}
	switch off {
	case barCommonOff + comDeviceFeatureSel:
		d.devFeatSel = value
	case barCommonOff + comDriverFeatureSel:
		d.drvFeatSel = value
	case barCommonOff + comDriverFeature:
		if d.drvFeatSel == 0 {
			set(&d.drvFeatures, false)
		} else {
			set(&d.drvFeatures, true)
		}
	case barCommonOff + comQueueDesc:
		set(&d.desc, false)
	case barCommonOff + comQueueDesc + 4:
		set(&d.desc, true)
	case barCommonOff + comQueueDriver:
		set(&d.avail, false)
	case barCommonOff + comQueueDriver + 4:
		set(&d.avail, true)
	case barCommonOff + comQueueDevice:
		set(&d.used, false)
	case barCommonOff + comQueueDevice + 4:
		set(&d.used, true)
	default:
		slog.Debug("devsim: pci 32-bit write to unhandled register", "offset", off, "value", value)
	}
}

func (d *PCIDevice) activate() {
	size := d.queueSize
	if size == 0 {
		size = d.opts.QueueSize
	}
	d.ring.size = size
	d.ring.descAddr = d.desc
	d.ring.availAddr = d.avail
	d.ring.usedAddr = d.used
	d.ring.ready = true
}
