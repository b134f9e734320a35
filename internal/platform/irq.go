package platform

import (
	"log/slog"
	"sync"
)

// IRQHandler is invoked when the line it was registered for fires. The
// context pointer is the one supplied at registration; handlers must be
// fast and non-blocking.
type IRQHandler func(ctx any)

type irqEntry struct {
	handler IRQHandler
	ctx     any
	enabled bool
}

// Dispatcher routes interrupt lines to registered handlers. It replaces
// the usual file-scope device pointer a trap vector would reach for: the
// context travels with the registration, so multiple devices on distinct
// lines need no shared globals.
type Dispatcher struct {
	mu      sync.Mutex
	lines   map[uint32]*irqEntry
	dropped uint64
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{lines: make(map[uint32]*irqEntry)}
}

// Register installs handler for the given line. The line starts masked;
// call Enable before the device is allowed to raise interrupts.
func (d *Dispatcher) Register(line uint32, handler IRQHandler, ctx any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines[line] = &irqEntry{handler: handler, ctx: ctx}
}

// Enable unmasks the line.
func (d *Dispatcher) Enable(line uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.lines[line]; ok {
		e.enabled = true
	}
}

// Inject delivers an interrupt on the line, running its handler inline.
// Interrupts on masked or unregistered lines are counted and dropped.
func (d *Dispatcher) Inject(line uint32) {
	d.mu.Lock()
	e, ok := d.lines[line]
	if !ok || !e.enabled {
		d.dropped++
		if d.dropped == 1 {
			slog.Warn("platform: interrupt on unhandled line", "line", line)
		}
		d.mu.Unlock()
		return
	}
	handler, ctx := e.handler, e.ctx
	d.mu.Unlock()
	handler(ctx)
}

// Dropped reports how many interrupts arrived with no enabled handler.
func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}
