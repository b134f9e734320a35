package virtio

// QueueAddrs carries the bus addresses of one queue's three tables, plus
// the address of the whole block for transports that activate queues
// through a single page-frame-number register.
type QueueAddrs struct {
	Desc  uint64
	Avail uint64
	Used  uint64
	Block uint64
}

// Transport is the register-level mechanism controlling a VirtIO device:
// memory-mapped registers or PCI capability structures. Implementations
// are a closed set; transport and protocol-version differences live
// behind this interface instead of branches at the call sites.
//
// Probe outcomes other than ProbeOK are normal during discovery scans.
// Negotiation failures are terminal for the device instance.
type Transport interface {
	// Probe validates the device identity registers. Returns ProbeOK
	// only for a present device of the wanted type speaking a supported
	// protocol version.
	Probe(wantDevice uint32) ProbeResult

	// Reset returns the device to a clean state: no interrupts, no
	// queue state. Bounded; never hangs on a wedged device.
	Reset()

	// NegotiateFeatures runs the ACKNOWLEDGE/DRIVER/FEATURES_OK
	// handshake, offering the wanted subset of the device's feature
	// bits, and returns the accepted set.
	NegotiateFeatures(wanted uint64) (uint64, error)

	// MaxQueueSize reads the device-side size cap for the queue.
	// Zero means the queue does not exist.
	MaxQueueSize(queue uint16) uint16

	// SetupQueue programs the queue's size and table addresses.
	SetupQueue(queue uint16, size uint16, addrs QueueAddrs) error

	// EnableQueue activates the queue on transports with an explicit
	// enable step; a no-op on transports where address programming
	// already activated it.
	EnableQueue(queue uint16) error

	// Notify rings the device's doorbell for the queue. Callers must
	// have flushed queue memory first.
	Notify(queue uint16)

	// SetDriverOK signals the device may start consuming the available
	// ring and raising interrupts.
	SetDriverOK() error

	// ReadISR reads and acknowledges the interrupt status register,
	// deasserting the line.
	ReadISR() uint32

	// Fail marks the device instance failed.
	Fail()

	// RequiresLegacyLayout reports whether queue memory must use the
	// page-aligned legacy layout.
	RequiresLegacyLayout() bool
}
