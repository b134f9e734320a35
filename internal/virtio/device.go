package virtio

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/vmos-dev/vmos/internal/platform"
)

// DeviceState tracks where a device is in its bring-up lifecycle.
// Transitions only move forward; any failure lands in StateFailed and
// the instance is dead.
type DeviceState int

const (
	StateUnprobed DeviceState = iota
	StateProbed
	StateConfigured
	StateRunning
	StateFailed
)

func (s DeviceState) String() string {
	switch s {
	case StateUnprobed:
		return "unprobed"
	case StateProbed:
		return "probed"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Device is one discovered VirtIO device with a single request queue,
// driven through whichever Transport its discovery record carried.
//
// Interrupt handling is split in two: HandleIRQ runs in interrupt
// context and only acknowledges the line and latches a pending flag;
// the used-ring walk happens later from ordinary context, gated on
// TakePending.
type Device struct {
	transport Transport
	mem       platform.Memory
	queue     *Queue
	line      uint32
	features  uint64
	state     DeviceState

	pending atomic.Bool
}

// NewDevice wraps an already-probed transport. Callers normally go
// through Discover instead.
func NewDevice(t Transport, mem platform.Memory, line uint32) *Device {
	return &Device{transport: t, mem: mem, line: line, state: StateUnprobed}
}

func (d *Device) State() DeviceState { return d.state }
func (d *Device) Line() uint32       { return d.line }
func (d *Device) Features() uint64   { return d.features }

// Queue exposes the request queue; nil until Setup has run.
func (d *Device) Queue() *Queue { return d.queue }

// Probe resets the device and verifies its identity.
func (d *Device) Probe(wantDevice uint32) ProbeResult {
	r := d.transport.Probe(wantDevice)
	if r != ProbeOK {
		return r
	}
	d.transport.Reset()
	d.state = StateProbed
	return ProbeOK
}

// Setup negotiates features and programs queue 0, allocating its ring
// memory from the arena. sizeCap bounds the queue size; the device's
// own maximum wins when smaller.
func (d *Device) Setup(wantedFeatures uint64, sizeCap uint16) error {
	if d.state != StateProbed {
		return fmt.Errorf("virtio: setup in state %s", d.state)
	}
	features, err := d.transport.NegotiateFeatures(wantedFeatures)
	if err != nil {
		d.state = StateFailed
		return err
	}
	d.features = features

	max := d.transport.MaxQueueSize(0)
	if max == 0 {
		d.fail()
		return fmt.Errorf("virtio: device has no queue 0")
	}
	size := max
	if size > MaxQueueSize {
		size = MaxQueueSize
	}
	if sizeCap != 0 && sizeCap < size {
		size = sizeCap
	}

	legacy := d.transport.RequiresLegacyLayout()
	blockOff, err := allocQueueBlock(d.mem, size, legacy)
	if err != nil {
		d.fail()
		return err
	}
	layout, err := Layout(blockOff, size, legacy)
	if err != nil {
		d.fail()
		return err
	}
	q, err := InitQueue(d.mem, layout)
	if err != nil {
		d.fail()
		return err
	}

	addrs := QueueAddrs{
		Desc:  d.mem.BusAddr(layout.DescOff),
		Avail: d.mem.BusAddr(layout.AvailOff),
		Used:  d.mem.BusAddr(layout.UsedOff),
		Block: d.mem.BusAddr(layout.BlockOff),
	}
	// The whole block must be visible to the device before its address
	// is programmed.
	d.mem.CacheClean(layout.BlockOff, layout.End-layout.BlockOff)
	if err := d.transport.SetupQueue(0, size, addrs); err != nil {
		d.fail()
		return err
	}
	if err := d.transport.EnableQueue(0); err != nil {
		d.fail()
		return err
	}
	d.queue = q
	d.state = StateConfigured
	slog.Debug("virtio: queue configured",
		"size", size, "legacy", legacy, "features", fmt.Sprintf("%#x", features))
	return nil
}

// Start registers the interrupt handler, enables the line, and only
// then writes DRIVER_OK. The ordering matters: the device may raise an
// interrupt the moment DRIVER_OK lands.
func (d *Device) Start(disp *platform.Dispatcher, handler platform.IRQHandler, ctx any) error {
	if d.state != StateConfigured {
		return fmt.Errorf("virtio: start in state %s", d.state)
	}
	disp.Register(d.line, handler, ctx)
	disp.Enable(d.line)
	if err := d.transport.SetDriverOK(); err != nil {
		d.fail()
		return err
	}
	d.state = StateRunning
	return nil
}

// HandleIRQ acknowledges the device interrupt and latches the pending
// flag. Safe to call from interrupt context: it touches no queue state
// and takes no locks. Returns true when a queue interrupt was latched.
func (d *Device) HandleIRQ() bool {
	isr := d.transport.ReadISR()
	if isr&ISRQueue == 0 {
		return false
	}
	d.pending.Store(true)
	return true
}

// TakePending consumes the latched interrupt flag. Drain work is only
// worth doing when this returns true, but draining without it is
// harmless: the used ring is the source of truth.
func (d *Device) TakePending() bool {
	return d.pending.Swap(false)
}

// Kick makes all published descriptors visible and rings the doorbell
// once. Batching submissions before a single Kick is the cheap path.
func (d *Device) Kick() {
	d.queue.FlushPublished()
	d.transport.Notify(0)
}

func (d *Device) fail() {
	d.transport.Fail()
	d.state = StateFailed
}

// allocQueueBlock carves the queue's ring block out of arena memory.
// Legacy transports need the block page-aligned; modern ones only need
// the descriptor table's 16-byte alignment.
func allocQueueBlock(mem platform.Memory, size uint16, legacy bool) (uint64, error) {
	arena, ok := mem.(interface {
		Alloc(size, align uint64) (uint64, error)
	})
	if !ok {
		return 0, fmt.Errorf("virtio: memory %T cannot allocate queue blocks", mem)
	}
	align := uint64(16)
	if legacy {
		align = legacyAlign
	}
	return arena.Alloc(BlockBytes(size, legacy), align)
}

// Discover probes one candidate address, picking the transport from the
// discovery record. It stops after a successful Probe; bring-up through
// DRIVER_OK is left to the caller, which controls feature and queue
// choices.
func Discover(cand platform.Discovery, mem platform.Memory, wantDevice uint32) (*Device, ProbeResult) {
	var t Transport
	switch {
	case cand.Config != nil:
		t = NewPCI(cand.Config)
	case cand.Regs != nil:
		t = NewMMIO(cand.Regs)
	default:
		return nil, ProbeAbsent
	}
	d := NewDevice(t, mem, cand.Line)
	r := d.Probe(wantDevice)
	if r != ProbeOK {
		return nil, r
	}
	return d, ProbeOK
}

// Scan walks a candidate list and returns the first device of the
// wanted type. Absent and wrong-type candidates are normal; only
// unsupported ones are logged.
func Scan(cands []platform.Discovery, mem platform.Memory, wantDevice uint32) (*Device, bool) {
	for i, cand := range cands {
		d, r := Discover(cand, mem, wantDevice)
		switch r {
		case ProbeOK:
			return d, true
		case ProbeUnsupported:
			slog.Warn("virtio: skipping unsupported device", "candidate", i, "line", cand.Line)
		}
	}
	return nil, false
}
