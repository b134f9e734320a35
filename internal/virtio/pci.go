package virtio

import (
	"fmt"
	"log/slog"

	"github.com/vmos-dev/vmos/internal/platform"
)

// PCI identity constants.
const (
	pciVendorVirtio = 0x1af4

	// Modern device ids are 0x1040 + device type; transitional devices
	// use 0x1000..0x103f and report the type in the subsystem id.
	pciDeviceModernBase  = 0x1040
	pciDeviceLegacyFirst = 0x1000
	pciDeviceLast        = 0x107f
)

// PCI configuration space registers.
const (
	cfgVendorID     = 0x00
	cfgDeviceID     = 0x02
	cfgCommand      = 0x04
	cfgStatus       = 0x06
	cfgSubsystemID  = 0x2e
	cfgCapPointer   = 0x34
	cfgCmdMemEnable = 0x0002
	cfgCmdBusMaster = 0x0004
	cfgStatusCaps   = 0x0010
)

// Vendor-specific capability layout (virtio_pci_cap).
const (
	capIDVendor = 0x09

	capOffNext    = 1
	capOffCfgType = 3
	capOffBAR     = 4
	capOffOffset  = 8
	capOffLength  = 12
	// notify_off_multiplier follows the capability header.
	capOffNotifyMult = 16

	capTypeCommon = 1
	capTypeNotify = 2
	capTypeISR    = 3
	capTypeDevice = 4
)

// Common configuration structure offsets.
const (
	commonDeviceFeatureSel = 0x00
	commonDeviceFeature    = 0x04
	commonDriverFeatureSel = 0x08
	commonDriverFeature    = 0x0c
	commonMSIXConfig       = 0x10
	commonNumQueues        = 0x12
	commonDeviceStatus     = 0x14
	commonConfigGen        = 0x15
	commonQueueSelect      = 0x16
	commonQueueSize        = 0x18
	commonQueueMSIXVector  = 0x1a
	commonQueueEnable      = 0x1c
	commonQueueNotifyOff   = 0x1e
	commonQueueDesc        = 0x20
	commonQueueDriver      = 0x28
	commonQueueDevice      = 0x30
)

// msiNoVector disclaims MSI-X for a queue or for config changes; the
// device then uses the legacy interrupt line.
const msiNoVector = 0xffff

type pciRegion struct {
	regs platform.RegisterBlock
	off  uint64
}

// PCITransport drives a device through the modern PCI capability
// structures: common-config, notify and ISR windows located inside BARs
// by the vendor-specific capability list. Interrupt routing is left to
// the platform; the transport disclaims MSI-X so the device signals on
// its legacy line.
//
// The transport assumes the platform's BAR allocator has assigned
// non-overlapping BAR addresses; it does not compensate for aliased
// capability windows.
type PCITransport struct {
	cfg platform.ConfigSpace

	common    pciRegion
	notify    pciRegion
	isr       pciRegion
	notifyMul uint32

	// queue_notify_off per queue, captured at setup time.
	notifyOff map[uint16]uint16

	status uint8
}

func NewPCI(cfg platform.ConfigSpace) *PCITransport {
	return &PCITransport{cfg: cfg, notifyOff: make(map[uint16]uint16)}
}

func (t *PCITransport) Probe(wantDevice uint32) ProbeResult {
	vendor := t.cfg.Read16(cfgVendorID)
	if vendor == 0xffff {
		return ProbeAbsent
	}
	if vendor != pciVendorVirtio {
		return ProbeWrongDevice
	}
	devID := t.cfg.Read16(cfgDeviceID)
	if devID < pciDeviceLegacyFirst || devID > pciDeviceLast {
		return ProbeWrongDevice
	}
	var devType uint32
	if devID >= pciDeviceModernBase {
		devType = uint32(devID - pciDeviceModernBase)
	} else {
		devType = uint32(t.cfg.Read16(cfgSubsystemID))
	}
	if devType != wantDevice {
		return ProbeWrongDevice
	}
	if err := t.findCapabilities(); err != nil {
		slog.Debug("virtio-pci: capability walk failed", "err", err)
		return ProbeUnsupported
	}
	// Memory decoding and bus mastering must be on before the BARs and
	// the device's DMA work.
	command := t.cfg.Read16(cfgCommand)
	t.cfg.Write16(cfgCommand, command|cfgCmdMemEnable|cfgCmdBusMaster)
	return ProbeOK
}

func (t *PCITransport) findCapabilities() error {
	if t.cfg.Read16(cfgStatus)&cfgStatusCaps == 0 {
		return fmt.Errorf("virtio-pci: no capability list")
	}
	var haveCommon, haveNotify, haveISR bool
	capOff := uint16(t.cfg.Read8(cfgCapPointer))
	for capOff != 0 {
		id := t.cfg.Read8(capOff)
		next := uint16(t.cfg.Read8(capOff + capOffNext))
		if id != capIDVendor {
			capOff = next
			continue
		}
		cfgType := t.cfg.Read8(capOff + capOffCfgType)
		barIdx := t.cfg.Read8(capOff + capOffBAR)
		winOff := uint64(t.cfg.Read32(capOff + capOffOffset))

		regs, ok := t.cfg.BAR(barIdx)
		if !ok {
			// I/O BAR or unimplemented; only memory BARs are usable.
			capOff = next
			continue
		}
		region := pciRegion{regs: regs, off: winOff}
		switch cfgType {
		case capTypeCommon:
			t.common = region
			haveCommon = true
		case capTypeNotify:
			t.notify = region
			t.notifyMul = t.cfg.Read32(capOff + capOffNotifyMult)
			haveNotify = true
		case capTypeISR:
			t.isr = region
			haveISR = true
		}
		capOff = next
	}
	if !haveCommon || !haveNotify || !haveISR {
		return fmt.Errorf("virtio-pci: missing capability (common=%t notify=%t isr=%t)",
			haveCommon, haveNotify, haveISR)
	}
	return nil
}

func (t *PCITransport) Reset() {
	t.status = 0
	t.common.regs.Write8(t.common.off+commonDeviceStatus, 0)
	for i := 0; i < resetPollLimit; i++ {
		if t.common.regs.Read8(t.common.off+commonDeviceStatus) == 0 {
			return
		}
	}
	slog.Warn("virtio-pci: device did not confirm reset", "polls", resetPollLimit)
}

func (t *PCITransport) setStatus(bits uint8) {
	t.status |= bits
	t.common.regs.Write8(t.common.off+commonDeviceStatus, t.status)
}

func (t *PCITransport) NegotiateFeatures(wanted uint64) (uint64, error) {
	t.setStatus(StatusAcknowledge)
	t.setStatus(StatusDriver)

	t.common.regs.Write32(t.common.off+commonDeviceFeatureSel, 0)
	offered := uint64(t.common.regs.Read32(t.common.off + commonDeviceFeature))
	t.common.regs.Write32(t.common.off+commonDeviceFeatureSel, 1)
	offered |= uint64(t.common.regs.Read32(t.common.off+commonDeviceFeature)) << 32

	wanted |= FeatureVersion1
	accepted := wanted & offered
	if accepted&FeatureVersion1 == 0 {
		t.Fail()
		return 0, fmt.Errorf("device offers no VIRTIO_F_VERSION_1: %w", ErrFeatureNegotiation)
	}

	t.common.regs.Write32(t.common.off+commonDriverFeatureSel, 0)
	t.common.regs.Write32(t.common.off+commonDriverFeature, uint32(accepted))
	t.common.regs.Write32(t.common.off+commonDriverFeatureSel, 1)
	t.common.regs.Write32(t.common.off+commonDriverFeature, uint32(accepted>>32))

	t.setStatus(StatusFeaturesOK)
	if t.common.regs.Read8(t.common.off+commonDeviceStatus)&StatusFeaturesOK == 0 {
		t.Fail()
		return 0, ErrFeatureNegotiation
	}

	// Route config-change notifications over the legacy line too.
	t.common.regs.Write16(t.common.off+commonMSIXConfig, msiNoVector)
	return accepted, nil
}

func (t *PCITransport) MaxQueueSize(queue uint16) uint16 {
	t.common.regs.Write16(t.common.off+commonQueueSelect, queue)
	return t.common.regs.Read16(t.common.off + commonQueueSize)
}

func (t *PCITransport) SetupQueue(queue uint16, size uint16, addrs QueueAddrs) error {
	r, base := t.common.regs, t.common.off
	r.Write16(base+commonQueueSelect, queue)
	r.Write16(base+commonQueueSize, size)
	writeSplit64(r, base+commonQueueDesc, addrs.Desc)
	writeSplit64(r, base+commonQueueDriver, addrs.Avail)
	writeSplit64(r, base+commonQueueDevice, addrs.Used)
	r.Write16(base+commonQueueMSIXVector, msiNoVector)
	t.notifyOff[queue] = r.Read16(base + commonQueueNotifyOff)
	return nil
}

func (t *PCITransport) EnableQueue(queue uint16) error {
	t.common.regs.Write16(t.common.off+commonQueueSelect, queue)
	t.common.regs.Write16(t.common.off+commonQueueEnable, 1)
	return nil
}

func (t *PCITransport) Notify(queue uint16) {
	off := t.notify.off + uint64(t.notifyOff[queue])*uint64(t.notifyMul)
	t.notify.regs.Write16(off, queue)
}

func (t *PCITransport) SetDriverOK() error {
	t.setStatus(StatusDriverOK)
	if t.common.regs.Read8(t.common.off+commonDeviceStatus)&StatusFailed != 0 {
		return fmt.Errorf("virtio-pci: device reported FAILED after DRIVER_OK")
	}
	return nil
}

// ReadISR reads the ISR status byte; the read itself deasserts the
// interrupt line.
func (t *PCITransport) ReadISR() uint32 {
	return uint32(t.isr.regs.Read8(t.isr.off))
}

func (t *PCITransport) Fail() {
	t.setStatus(StatusFailed)
}

func (t *PCITransport) RequiresLegacyLayout() bool { return false }

func writeSplit64(r platform.RegisterBlock, off uint64, v uint64) {
	r.Write32(off, uint32(v))
	r.Write32(off+4, uint32(v>>32))
}
