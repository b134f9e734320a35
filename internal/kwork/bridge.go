package kwork

import (
	"errors"
	"log/slog"

	"github.com/vmos-dev/vmos/internal/platform"
	"github.com/vmos-dev/vmos/internal/virtio"
)

// Bridge owns the active-request table for one device queue and turns
// Submit calls into descriptor traffic. A nil device is a valid,
// permanent configuration: every submission completes NoDevice without
// touching descriptors.
//
// Bridge is not safe for concurrent use; the original runs submissions
// and ticks on one kernel context, and callers here are expected to do
// the same or serialize externally.
type Bridge struct {
	dev *virtio.Device
	mem platform.Memory

	// active maps descriptor index to its in-flight request.
	active      []*Request
	outstanding int
}

// NewBridge wires a running device. Pass a nil device to get the
// no-device fast path.
func NewBridge(dev *virtio.Device, mem platform.Memory) *Bridge {
	b := &Bridge{dev: dev, mem: mem}
	if dev != nil {
		b.active = make([]*Request, dev.Queue().Size())
	}
	return b
}

// Outstanding reports how many requests are owned by the device.
func (b *Bridge) Outstanding() int { return b.outstanding }

// Submit hands a batch of requests to the device. Each request either
// becomes in-flight or completes synchronously (Busy on descriptor
// exhaustion, Invalid on a bad buffer, NoDevice with no device). At
// most one doorbell ring per batch.
func (b *Bridge) Submit(reqs []*Request) {
	if b.dev == nil {
		for _, req := range reqs {
			req.state = stateIdle
			req.finish(NoDevice, 0)
		}
		return
	}
	q := b.dev.Queue()
	published := 0
	for _, req := range reqs {
		// Requests are reusable; rearm before the new attempt.
		req.state = stateIdle
		req.Result = OK
		req.Completed = 0
		if req.Len == 0 || req.BufOff+uint64(req.Len) > uint64(len(b.mem.Bytes())) {
			req.finish(Invalid, 0)
			continue
		}
		h, err := q.Alloc()
		if err != nil {
			if !errors.Is(err, virtio.ErrNoDescriptors) {
				slog.Error("kwork: descriptor alloc failed", "err", err)
			}
			req.finish(Busy, 0)
			continue
		}
		if err := q.Fill(h, b.mem.BusAddr(req.BufOff), req.Len, true); err != nil {
			q.Free(h)
			req.finish(Invalid, 0)
			continue
		}
		if err := q.Publish(h); err != nil {
			q.Free(h)
			req.finish(Invalid, 0)
			continue
		}
		req.handle = h
		req.state = stateInflight
		b.active[h.Index()] = req
		b.outstanding++
		published++
	}
	if published > 0 {
		b.dev.Kick()
	}
}

// Cancel withdraws requests that have not reached the device. Published
// requests cannot be reclaimed; the device still owns their descriptors
// and they will complete normally. Returns how many were cancelled.
func (b *Bridge) Cancel(reqs []*Request) int {
	n := 0
	for _, req := range reqs {
		if req.state != stateIdle {
			continue
		}
		req.finish(Cancelled, 0)
		n++
	}
	return n
}

// Tick drains completions and fires callbacks. Safe to call at any
// frequency: with nothing pending and nothing outstanding it returns
// immediately, and the used ring is the source of truth, so a drain
// without a latched interrupt is harmless.
func (b *Bridge) Tick() int {
	if b.dev == nil {
		return 0
	}
	// Lost-interrupt workaround: while requests are outstanding, drain
	// on every tick even without a latched interrupt.
	if !b.dev.TakePending() && b.outstanding == 0 {
		return 0
	}
	q := b.dev.Queue()
	done := 0
	for q.HasCompleted() {
		h, n, err := q.TakeCompleted()
		if err != nil {
			// Descriptor ownership can no longer be trusted past a
			// corrupt entry; abort everything the device holds.
			slog.Error("kwork: corrupt used ring entry", "err", err)
			done += b.failOutstanding()
			break
		}
		req := b.active[h.Index()]
		b.active[h.Index()] = nil
		if err := q.Free(h); err != nil {
			slog.Error("kwork: descriptor free failed", "err", err)
		}
		if req == nil {
			slog.Warn("kwork: completion for untracked descriptor", "index", h.Index())
			continue
		}
		b.outstanding--
		if n > req.Len {
			n = req.Len
		}
		// The device wrote the buffer by DMA; drop any stale cache
		// lines before the caller reads it.
		b.mem.CacheInvalidate(req.BufOff, uint64(req.Len))
		req.finish(OK, n)
		done++
	}
	return done
}

// failOutstanding completes every in-flight request with IOError and
// clears the active table. The descriptors stay lost; nothing sane can
// be recovered from a device that corrupts its used ring.
func (b *Bridge) failOutstanding() int {
	n := 0
	for i, req := range b.active {
		if req == nil {
			continue
		}
		b.active[i] = nil
		b.outstanding--
		req.finish(IOError, 0)
		n++
	}
	return n
}
