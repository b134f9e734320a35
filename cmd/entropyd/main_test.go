package main

import (
	"testing"

	"github.com/schollz/progressbar/v3"

	"github.com/vmos-dev/vmos/internal/devsim"
	"github.com/vmos-dev/vmos/internal/kwork"
	"github.com/vmos-dev/vmos/internal/platform"
	"github.com/vmos-dev/vmos/internal/virtio"
)

func newTestBridge(t *testing.T, queueSize uint16) (*kwork.Bridge, *platform.Arena) {
	t.Helper()
	arena := platform.NewArena(make([]byte, 1<<20), arenaBusBase)
	disp := platform.NewDispatcher()
	sim := devsim.NewMMIO(arena, disp, devsim.Options{
		DeviceID:  virtio.DeviceIDEntropy,
		QueueSize: queueSize,
		Line:      irqLine,
	})
	dev, ok := virtio.Scan([]platform.Discovery{{Regs: sim, Line: irqLine}}, arena, virtio.DeviceIDEntropy)
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
	return kwork.NewBridge(dev, arena), arena
}

func TestStreamDepthBeyondQueue(t *testing.T) {
	// More requests in flight than the queue has descriptors: the
	// bounced ones must come back around, not kill the run.
	bridge, arena := newTestBridge(t, 4)
	const total = 4096
	bar := progressbar.DefaultBytesSilent(total, "test")
	if err := stream(bridge, arena, nil, bar, total, 64, 8); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if n := bridge.Outstanding(); n != 0 {
		t.Fatalf("Outstanding = %d, want 0", n)
	}
}
