package platform

import (
	"strings"
	"testing"
)

func TestArenaAlloc(t *testing.T) {
	t.Run("alignment", func(t *testing.T) {
		a := NewArena(make([]byte, 1<<16), 0x1000_0000)
		if _, err := a.Alloc(10, 64); err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		off, err := a.Alloc(16, 4096)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if off%4096 != 0 {
			t.Fatalf("offset %#x not 4096-aligned", off)
		}
	})

	t.Run("rejects bad alignment", func(t *testing.T) {
		a := NewArena(make([]byte, 1<<16), 0)
		if _, err := a.Alloc(16, 3); err == nil {
			t.Fatal("Alloc accepted alignment 3")
		}
	})

	t.Run("exhaustion", func(t *testing.T) {
		a := NewArena(make([]byte, 256), 0)
		if _, err := a.Alloc(200, 16); err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if _, err := a.Alloc(200, 16); err == nil {
			t.Fatal("Alloc succeeded past the end of the arena")
		}
	})
}

func TestArenaAddressing(t *testing.T) {
	a := NewArena(make([]byte, 1<<12), 0x8000_0000)

	if got := a.BusAddr(0x40); got != 0x8000_0040 {
		t.Fatalf("BusAddr = %#x", got)
	}
	off, ok := a.Offset(0x8000_0040)
	if !ok || off != 0x40 {
		t.Fatalf("Offset = %#x, %v", off, ok)
	}
	if _, ok := a.Offset(0x7fff_ffff); ok {
		t.Fatal("Offset accepted an address below the arena")
	}
	if _, ok := a.Offset(0x8000_1000); ok {
		t.Fatal("Offset accepted an address past the arena")
	}
}

func TestAllocArenaPageAligned(t *testing.T) {
	a, err := AllocArena(1<<16, 0x4000_0000)
	if err != nil {
		t.Fatalf("AllocArena: %v", err)
	}
	if len(a.Bytes()) < 1<<16 {
		t.Fatalf("arena is %d bytes, want at least %d", len(a.Bytes()), 1<<16)
	}
}

func TestDispatcher(t *testing.T) {
	d := NewDispatcher()

	var got []string
	handler := func(ctx any) { got = append(got, ctx.(string)) }

	d.Register(4, handler, "four")
	d.Register(5, handler, "five")

	// Registered but still masked.
	d.Inject(4)
	if len(got) != 0 {
		t.Fatal("masked line delivered an interrupt")
	}
	if d.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", d.Dropped())
	}

	d.Enable(4)
	d.Inject(4)
	d.Inject(4)
	d.Enable(5)
	d.Inject(5)
	if strings.Join(got, ",") != "four,four,five" {
		t.Fatalf("deliveries = %q", got)
	}

	// Unregistered line.
	d.Inject(77)
	if d.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", d.Dropped())
	}
}

func TestCountingMemory(t *testing.T) {
	m := NewCountingMemory(NewArena(make([]byte, 64), 0))
	m.CacheClean(0, 16)
	m.CacheInvalidate(0, 16)
	m.CacheInvalidate(16, 16)
	m.Barrier()
	if m.Cleans != 1 || m.Invalidates != 2 || m.Barriers != 1 {
		t.Fatalf("counts = %d/%d/%d", m.Cleans, m.Invalidates, m.Barriers)
	}
}
