package kwork

import (
	"encoding/binary"
	"testing"

	"github.com/vmos-dev/vmos/internal/devsim"
	"github.com/vmos-dev/vmos/internal/platform"
	"github.com/vmos-dev/vmos/internal/virtio"
)

const testLine = 9

type rig struct {
	arena  *platform.Arena
	disp   *platform.Dispatcher
	sim    *devsim.MMIODevice
	dev    *virtio.Device
	bridge *Bridge
	mem    *platform.CountingMemory
}

func newRig(t *testing.T, queueSize uint16, manual bool) *rig {
	t.Helper()
	return newRigOpts(t, devsim.Options{
		QueueSize: queueSize,
		Manual:    manual,
	})
}

func newRigOpts(t *testing.T, opts devsim.Options) *rig {
	t.Helper()
	opts.DeviceID = virtio.DeviceIDEntropy
	opts.Line = testLine
	arena := platform.NewArena(make([]byte, 1<<20), 0x4000_0000)
	disp := platform.NewDispatcher()
	sim := devsim.NewMMIO(arena, disp, opts)
	dev, ok := virtio.Scan([]platform.Discovery{{Regs: sim, Line: testLine}}, arena, virtio.DeviceIDEntropy)
	if !ok {
		t.Fatal("Scan found no device")
	}
	if err := dev.Setup(0, 0); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := dev.Start(disp, func(ctx any) {
		ctx.(*virtio.Device).HandleIRQ()
	}, dev); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mem := platform.NewCountingMemory(arena)
	return &rig{
		arena:  arena,
		disp:   disp,
		sim:    sim,
		dev:    dev,
		bridge: NewBridge(dev, mem),
		mem:    mem,
	}
}

func (r *rig) request(t *testing.T, length uint32, done *[]*Request) *Request {
	t.Helper()
	off, err := r.arena.Alloc(uint64(length), 64)
	if err != nil {
		t.Fatalf("Alloc buffer: %v", err)
	}
	req := &Request{BufOff: off, Len: length}
	req.Complete = func(rq *Request) { *done = append(*done, rq) }
	return req
}

func TestRoundTrip(t *testing.T) {
	for _, length := range []uint32{64, 32} {
		r := newRig(t, 8, false)
		var done []*Request
		req := r.request(t, length, &done)

		r.bridge.Submit([]*Request{req})
		if len(done) != 0 {
			t.Fatal("completion before tick")
		}
		invalidates := r.mem.Invalidates
		if n := r.bridge.Tick(); n != 1 {
			t.Fatalf("Tick = %d, want 1", n)
		}
		if len(done) != 1 || done[0] != req {
			t.Fatalf("done = %v", done)
		}
		if req.Result != OK || req.Completed != length {
			t.Fatalf("result %v, completed %d, want ok/%d", req.Result, req.Completed, length)
		}
		// The completed buffer must be invalidated before the caller
		// reads device-written data.
		if r.mem.Invalidates <= invalidates {
			t.Fatal("no cache invalidation during drain")
		}
		want := byte(0)
		for i, b := range r.arena.Bytes()[req.BufOff : req.BufOff+uint64(length)] {
			if b != want {
				t.Fatalf("payload[%d] = %#x, want %#x", i, b, want)
			}
			want++
		}
	}
}

func TestShortCompletion(t *testing.T) {
	// The device writes only part of the buffer and the used entry
	// carries the short length; Completed must report what was written,
	// not what was asked for.
	r := newRigOpts(t, devsim.Options{QueueSize: 8, MaxWrite: 32})
	var done []*Request
	req := r.request(t, 64, &done)

	r.bridge.Submit([]*Request{req})
	if n := r.bridge.Tick(); n != 1 {
		t.Fatalf("Tick = %d, want 1", n)
	}
	if req.Result != OK || req.Completed != 32 {
		t.Fatalf("result %v, completed %d, want ok/32", req.Result, req.Completed)
	}
	want := byte(0)
	for i, b := range r.arena.Bytes()[req.BufOff : req.BufOff+32] {
		if b != want {
			t.Fatalf("payload[%d] = %#x, want %#x", i, b, want)
		}
		want++
	}
}

func TestCorruptUsedRingFailsOutstanding(t *testing.T) {
	r := newRig(t, 8, true)
	var done []*Request
	req := r.request(t, 64, &done)
	r.bridge.Submit([]*Request{req})

	// Hand the driver a used entry naming a descriptor beyond the
	// queue, as a broken device would.
	l := r.dev.Queue().Layout()
	buf := r.arena.Bytes()
	binary.LittleEndian.PutUint32(buf[l.UsedOff+4:], uint32(r.dev.Queue().Size()))
	binary.LittleEndian.PutUint32(buf[l.UsedOff+8:], 0)
	binary.LittleEndian.PutUint16(buf[l.UsedOff+2:], 1)

	if n := r.bridge.Tick(); n != 1 {
		t.Fatalf("Tick = %d, want 1", n)
	}
	if len(done) != 1 || req.Result != IOError {
		t.Fatalf("done %d, result %v, want 1 request io-error", len(done), req.Result)
	}
	if r.bridge.Outstanding() != 0 {
		t.Fatalf("Outstanding = %d, want 0", r.bridge.Outstanding())
	}
	// Nothing left to abort twice.
	if n := r.bridge.Tick(); n != 0 {
		t.Fatalf("second Tick = %d, want 0", n)
	}
}

func TestBackpressure(t *testing.T) {
	r := newRig(t, 8, true) // manual: completions held back

	var done []*Request
	reqs := make([]*Request, 0, 9)
	for i := 0; i < 9; i++ {
		reqs = append(reqs, r.request(t, 64, &done))
	}
	r.bridge.Submit(reqs)

	// Exactly the ninth request bounced.
	if len(done) != 1 || done[0] != reqs[8] {
		t.Fatalf("done = %d requests, want only the overflow one", len(done))
	}
	if reqs[8].Result != Busy {
		t.Fatalf("overflow result = %v, want busy", reqs[8].Result)
	}
	if r.bridge.Outstanding() != 8 {
		t.Fatalf("outstanding = %d, want 8", r.bridge.Outstanding())
	}

	// Drain one completion; a retry then fits.
	if err := r.sim.CompleteNext(); err != nil {
		t.Fatalf("CompleteNext: %v", err)
	}
	if n := r.bridge.Tick(); n != 1 {
		t.Fatalf("Tick = %d, want 1", n)
	}
	r.bridge.Submit([]*Request{reqs[8]})
	if reqs[8].Result == Busy {
		t.Fatal("retry bounced with a free descriptor available")
	}
}

func TestNoDevice(t *testing.T) {
	arena := platform.NewArena(make([]byte, 1<<16), 0)
	bridge := NewBridge(nil, arena)

	var done []*Request
	req := &Request{BufOff: 0, Len: 64}
	req.Complete = func(rq *Request) { done = append(done, rq) }

	bridge.Submit([]*Request{req})
	if len(done) != 1 || req.Result != NoDevice {
		t.Fatalf("done=%d result=%v, want immediate no-device", len(done), req.Result)
	}
	if n := bridge.Tick(); n != 0 {
		t.Fatalf("Tick = %d on a bridge with no device", n)
	}
}

func TestOutOfOrderCompletion(t *testing.T) {
	r := newRig(t, 8, true)

	var done []*Request
	reqs := []*Request{
		r.request(t, 64, &done),
		r.request(t, 64, &done),
		r.request(t, 64, &done),
	}
	r.bridge.Submit(reqs)

	heads := r.sim.Pending()
	if len(heads) != 3 {
		t.Fatalf("pending = %d, want 3", len(heads))
	}
	// Complete last-first.
	for i := len(heads) - 1; i >= 0; i-- {
		if err := r.sim.Complete(heads[i]); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	if n := r.bridge.Tick(); n != 3 {
		t.Fatalf("Tick = %d, want 3", n)
	}
	// Callbacks arrive in the device's completion order, not
	// submission order.
	if done[0] != reqs[2] || done[1] != reqs[1] || done[2] != reqs[0] {
		t.Fatal("callbacks not in completion order")
	}
	if got := r.dev.Queue().NumFree(); got != 8 {
		t.Fatalf("NumFree = %d after drain, want 8", got)
	}
}

func TestTickIdempotent(t *testing.T) {
	r := newRig(t, 8, false)

	if n := r.bridge.Tick(); n != 0 {
		t.Fatalf("Tick on idle bridge = %d", n)
	}

	var done []*Request
	req := r.request(t, 64, &done)
	r.bridge.Submit([]*Request{req})
	if n := r.bridge.Tick(); n != 1 {
		t.Fatalf("Tick = %d, want 1", n)
	}
	for i := 0; i < 3; i++ {
		if n := r.bridge.Tick(); n != 0 {
			t.Fatalf("repeat Tick = %d, want 0", n)
		}
	}
	if len(done) != 1 {
		t.Fatalf("callback fired %d times", len(done))
	}
}

// TestDrainWithoutInterrupt covers the lost-interrupt workaround: with
// requests outstanding the tick path walks the used ring even though no
// interrupt was latched.
func TestDrainWithoutInterrupt(t *testing.T) {
	r := newRig(t, 8, true)

	var done []*Request
	req := r.request(t, 64, &done)
	r.bridge.Submit([]*Request{req})

	if err := r.sim.CompleteNext(); err != nil {
		t.Fatalf("CompleteNext: %v", err)
	}
	// Swallow the latched interrupt to simulate losing it.
	r.dev.TakePending()

	if n := r.bridge.Tick(); n != 1 {
		t.Fatalf("Tick = %d after lost interrupt, want 1", n)
	}
}

func TestCancel(t *testing.T) {
	r := newRig(t, 8, true)

	var done []*Request
	inflight := r.request(t, 64, &done)
	r.bridge.Submit([]*Request{inflight})

	// Published work belongs to the device and cannot be withdrawn.
	if n := r.bridge.Cancel([]*Request{inflight}); n != 0 {
		t.Fatalf("Cancel of in-flight request = %d, want 0", n)
	}

	unsubmitted := r.request(t, 64, &done)
	if n := r.bridge.Cancel([]*Request{unsubmitted}); n != 1 {
		t.Fatalf("Cancel of unsubmitted request = %d, want 1", n)
	}
	if unsubmitted.Result != Cancelled {
		t.Fatalf("result = %v, want cancelled", unsubmitted.Result)
	}
}

func TestInvalidRequests(t *testing.T) {
	r := newRig(t, 8, false)

	var done []*Request
	zero := &Request{BufOff: 0, Len: 0}
	zero.Complete = func(rq *Request) { done = append(done, rq) }
	beyond := &Request{BufOff: 1 << 30, Len: 64}
	beyond.Complete = func(rq *Request) { done = append(done, rq) }

	r.bridge.Submit([]*Request{zero, beyond})
	if len(done) != 2 {
		t.Fatalf("done = %d, want 2", len(done))
	}
	if zero.Result != Invalid || beyond.Result != Invalid {
		t.Fatalf("results %v/%v, want invalid", zero.Result, beyond.Result)
	}
	if r.bridge.Outstanding() != 0 {
		t.Fatalf("outstanding = %d", r.bridge.Outstanding())
	}
}

// TestBatchedNotify checks one doorbell ring per Submit call regardless
// of batch size.
func TestBatchedNotify(t *testing.T) {
	r := newRig(t, 8, true)

	var done []*Request
	before := r.sim.Notifies
	r.bridge.Submit([]*Request{
		r.request(t, 64, &done),
		r.request(t, 64, &done),
		r.request(t, 64, &done),
	})
	if got := r.sim.Notifies - before; got != 1 {
		t.Fatalf("notifies = %d for one batch, want 1", got)
	}
}

// TestSmallQueueChurn runs enough requests through a size-4 queue to
// wrap both rings several times.
func TestSmallQueueChurn(t *testing.T) {
	r := newRig(t, 4, false)

	var done []*Request
	for round := 0; round < 12; round++ {
		reqs := []*Request{
			r.request(t, 32, &done),
			r.request(t, 32, &done),
		}
		r.bridge.Submit(reqs)
		if n := r.bridge.Tick(); n != 2 {
			t.Fatalf("round %d: Tick = %d, want 2", round, n)
		}
	}
	if len(done) != 24 {
		t.Fatalf("completions = %d, want 24", len(done))
	}
	for _, req := range done {
		if req.Result != OK || req.Completed != 32 {
			t.Fatalf("result %v/%d", req.Result, req.Completed)
		}
	}
	if got := r.dev.Queue().NumFree(); got != 4 {
		t.Fatalf("NumFree = %d, want 4", got)
	}
}
