// Package vmos is the high-level entry point to the VirtIO driver
// stack: discovery, bring-up and a blocking reader over the entropy
// device. The packages under internal/ expose the moving parts; this
// facade is for callers that just want bytes.
package vmos

import (
	"fmt"
	"io"

	"github.com/vmos-dev/vmos/internal/kwork"
	"github.com/vmos-dev/vmos/internal/platform"
	"github.com/vmos-dev/vmos/internal/virtio"
)

// entropyBufBytes sizes the staging buffer one Entropy reader owns.
const entropyBufBytes = 4096

// Entropy is a synchronous reader over a discovered entropy device.
// Not safe for concurrent use.
type Entropy struct {
	dev    *virtio.Device
	bridge *kwork.Bridge
	arena  *platform.Arena

	bufOff uint64
	// unread tail of the last filled buffer
	buf []byte
}

var _ io.Reader = (*Entropy)(nil)

// OpenEntropy scans the candidates for an entropy device, brings it up
// and returns a reader. queueCap bounds the negotiated queue size; zero
// takes the device maximum.
func OpenEntropy(cands []platform.Discovery, arena *platform.Arena, disp *platform.Dispatcher, queueCap uint16) (*Entropy, error) {
	dev, ok := virtio.Scan(cands, arena, virtio.DeviceIDEntropy)
	if !ok {
		return nil, virtio.ErrDeviceAbsent
	}
	if err := dev.Setup(0, queueCap); err != nil {
		return nil, fmt.Errorf("entropy device setup: %w", err)
	}
	if err := dev.Start(disp, func(ctx any) {
		ctx.(*virtio.Device).HandleIRQ()
	}, dev); err != nil {
		return nil, fmt.Errorf("entropy device start: %w", err)
	}
	bufOff, err := arena.Alloc(entropyBufBytes, 64)
	if err != nil {
		return nil, fmt.Errorf("entropy buffer: %w", err)
	}
	return &Entropy{
		dev:    dev,
		bridge: kwork.NewBridge(dev, arena),
		arena:  arena,
		bufOff: bufOff,
	}, nil
}

// Read fills p with device entropy, blocking on the tick loop until the
// request completes.
func (e *Entropy) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(e.buf) == 0 {
		if err := e.refill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, e.buf)
	e.buf = e.buf[n:]
	return n, nil
}

func (e *Entropy) refill() error {
	req := &kwork.Request{BufOff: e.bufOff, Len: entropyBufBytes}
	done := false
	req.Complete = func(*kwork.Request) { done = true }
	e.bridge.Submit([]*kwork.Request{req})
	for !done {
		e.bridge.Tick()
	}
	if req.Result != kwork.OK {
		return fmt.Errorf("entropy request failed: %s", req.Result)
	}
	if req.Completed == 0 {
		return io.ErrNoProgress
	}
	e.buf = e.arena.Bytes()[e.bufOff : e.bufOff+uint64(req.Completed)]
	return nil
}
