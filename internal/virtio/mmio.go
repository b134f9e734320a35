package virtio

import (
	"fmt"
	"log/slog"

	"github.com/vmos-dev/vmos/internal/platform"
)

// resetPollLimit bounds the wait for the status register to read back
// zero after a reset. If the device never reports clean, bring-up
// proceeds anyway; a wedged device then fails feature negotiation rather
// than hanging the whole scan.
const resetPollLimit = 1000

const guestPageSize = 4096

// MMIOTransport drives a device through the memory-mapped register file.
// Both transport versions are supported: version 1 (legacy) activates
// queues through a page-frame-number register, version 2 (modern) through
// three 64-bit address pairs and an explicit ready bit.
type MMIOTransport struct {
	regs    platform.RegisterBlock
	version uint32
	status  uint32
}

func NewMMIO(regs platform.RegisterBlock) *MMIOTransport {
	return &MMIOTransport{regs: regs}
}

// Version reports the transport protocol version read during Probe.
func (t *MMIOTransport) Version() uint32 { return t.version }

func (t *MMIOTransport) Probe(wantDevice uint32) ProbeResult {
	if t.regs.Read32(regMagicValue) != mmioMagic {
		return ProbeAbsent
	}
	t.version = t.regs.Read32(regVersion)
	if t.version < 1 || t.version > 2 {
		slog.Debug("virtio-mmio: unsupported version", "version", t.version)
		return ProbeUnsupported
	}
	id := t.regs.Read32(regDeviceID)
	if id == 0 {
		// Placeholder slot: valid magic, no device behind it.
		return ProbeAbsent
	}
	if id != wantDevice {
		return ProbeWrongDevice
	}
	return ProbeOK
}

func (t *MMIOTransport) Reset() {
	t.status = 0
	t.regs.Write32(regStatus, 0)
	for i := 0; i < resetPollLimit; i++ {
		if t.regs.Read32(regStatus) == 0 {
			return
		}
	}
	slog.Warn("virtio-mmio: device did not confirm reset", "polls", resetPollLimit)
}

func (t *MMIOTransport) setStatus(bits uint32) {
	t.status |= bits
	t.regs.Write32(regStatus, t.status)
}

func (t *MMIOTransport) NegotiateFeatures(wanted uint64) (uint64, error) {
	// Bring-up on a version Probe did not accept would program a
	// register map we do not understand.
	if t.version < 1 || t.version > 2 {
		return 0, fmt.Errorf("virtio-mmio: register map version %d: %w", t.version, ErrUnsupportedVersion)
	}
	t.setStatus(StatusAcknowledge)
	t.setStatus(StatusDriver)

	t.regs.Write32(regDeviceFeaturesSel, 0)
	offered := uint64(t.regs.Read32(regDeviceFeatures))
	t.regs.Write32(regDeviceFeaturesSel, 1)
	offered |= uint64(t.regs.Read32(regDeviceFeatures)) << 32

	if t.version >= 2 {
		wanted |= FeatureVersion1
	}
	accepted := wanted & offered
	if t.version >= 2 && accepted&FeatureVersion1 == 0 {
		t.Fail()
		return 0, fmt.Errorf("device offers no VIRTIO_F_VERSION_1 on a version-2 transport: %w", ErrFeatureNegotiation)
	}

	t.regs.Write32(regDriverFeaturesSel, 0)
	t.regs.Write32(regDriverFeatures, uint32(accepted))
	t.regs.Write32(regDriverFeaturesSel, 1)
	t.regs.Write32(regDriverFeatures, uint32(accepted>>32))

	t.setStatus(StatusFeaturesOK)
	if t.regs.Read32(regStatus)&StatusFeaturesOK == 0 {
		t.Fail()
		return 0, ErrFeatureNegotiation
	}
	return accepted, nil
}

func (t *MMIOTransport) MaxQueueSize(queue uint16) uint16 {
	t.regs.Write32(regQueueSel, uint32(queue))
	return uint16(t.regs.Read32(regQueueNumMax))
}

func (t *MMIOTransport) SetupQueue(queue uint16, size uint16, addrs QueueAddrs) error {
	t.regs.Write32(regQueueSel, uint32(queue))
	t.regs.Write32(regQueueNum, uint32(size))
	if t.version == 1 {
		if addrs.Block%guestPageSize != 0 {
			return fmt.Errorf("virtio-mmio: legacy queue memory %#x not page-aligned", addrs.Block)
		}
		t.regs.Write32(regGuestPageSize, guestPageSize)
		t.regs.Write32(regQueueAlign, guestPageSize)
		t.regs.Write32(regQueuePFN, uint32(addrs.Block/guestPageSize))
		return nil
	}
	t.regs.Write32(regQueueDescLow, uint32(addrs.Desc))
	t.regs.Write32(regQueueDescHigh, uint32(addrs.Desc>>32))
	t.regs.Write32(regQueueAvailLow, uint32(addrs.Avail))
	t.regs.Write32(regQueueAvailHigh, uint32(addrs.Avail>>32))
	t.regs.Write32(regQueueUsedLow, uint32(addrs.Used))
	t.regs.Write32(regQueueUsedHigh, uint32(addrs.Used>>32))
	return nil
}

func (t *MMIOTransport) EnableQueue(queue uint16) error {
	if t.version == 1 {
		// The PFN write already activated the queue.
		return nil
	}
	t.regs.Write32(regQueueSel, uint32(queue))
	t.regs.Write32(regQueueReady, 1)
	return nil
}

func (t *MMIOTransport) Notify(queue uint16) {
	t.regs.Write32(regQueueNotify, uint32(queue))
}

func (t *MMIOTransport) SetDriverOK() error {
	t.setStatus(StatusDriverOK)
	if t.regs.Read32(regStatus)&StatusFailed != 0 {
		return fmt.Errorf("virtio-mmio: device reported FAILED after DRIVER_OK")
	}
	return nil
}

func (t *MMIOTransport) ReadISR() uint32 {
	isr := t.regs.Read32(regInterruptStatus)
	if isr != 0 {
		t.regs.Write32(regInterruptAck, isr)
	}
	return isr
}

func (t *MMIOTransport) Fail() {
	t.setStatus(StatusFailed)
}

func (t *MMIOTransport) RequiresLegacyLayout() bool {
	return t.version == 1
}
