// Package virtio implements the driver side of the VirtIO split-queue
// protocol: the virtqueue data structure, the MMIO and PCI capability
// transports, and the transport-independent device lifecycle.
//
// Only the request/response pattern of simple producer/consumer devices
// (the entropy device) is driven here; block and network devices reuse the
// same queue mechanics with request encodings this package does not know
// about.
package virtio

import "errors"

// Device status bits, written in order during bring-up.
const (
	StatusAcknowledge = 1
	StatusDriver      = 2
	StatusDriverOK    = 4
	StatusFeaturesOK  = 8
	StatusNeedsReset  = 64
	StatusFailed      = 128
)

// Descriptor flags.
const (
	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4
)

// Feature bits relevant to the split ring.
const (
	FeatureRingEventIdx = uint64(1) << 29
	FeatureVersion1     = uint64(1) << 32
)

// Device type identifiers (MMIO DeviceID register / PCI modern device id
// minus 0x1040).
const (
	DeviceIDNet     = 1
	DeviceIDBlock   = 2
	DeviceIDEntropy = 4
)

// MMIO register offsets.
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regGuestPageSize     = 0x028 // legacy only
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueAlign        = 0x03c // legacy only
	regQueuePFN          = 0x040 // legacy only
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

	mmioMagic = 0x74726976 // "virt"
)

// ISR bits (MMIO InterruptStatus register and PCI ISR byte).
const (
	ISRQueue  = 0x1
	ISRConfig = 0x2
)

var (
	// ErrNoDescriptors reports descriptor exhaustion. It is the queue's
	// sole backpressure signal.
	ErrNoDescriptors = errors.New("virtio: no free descriptors")

	// ErrDeviceAbsent reports an operation against a device that was
	// never discovered.
	ErrDeviceAbsent = errors.New("virtio: device absent")

	// ErrFeatureNegotiation reports that the device rejected the
	// FEATURES_OK handshake. Terminal for the device instance.
	ErrFeatureNegotiation = errors.New("virtio: feature negotiation rejected")

	// ErrUnsupportedVersion reports a transport protocol version outside
	// the supported range.
	ErrUnsupportedVersion = errors.New("virtio: unsupported transport version")

	// ErrStaleHandle reports a descriptor handle whose generation no
	// longer matches the slot, i.e. the descriptor was freed and reused
	// since the handle was issued.
	ErrStaleHandle = errors.New("virtio: stale descriptor handle")
)

// ProbeResult classifies the outcome of probing one candidate address.
// Anything other than ProbeOK is a normal scan outcome, not an error.
type ProbeResult int

const (
	ProbeOK ProbeResult = iota
	ProbeAbsent
	ProbeWrongDevice
	ProbeUnsupported
)

func (r ProbeResult) String() string {
	switch r {
	case ProbeOK:
		return "ok"
	case ProbeAbsent:
		return "absent"
	case ProbeWrongDevice:
		return "wrong-device"
	case ProbeUnsupported:
		return "unsupported"
	default:
		return "invalid"
	}
}
