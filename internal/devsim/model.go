// Package devsim implements software VirtIO devices for driving the
// driver stack without hardware: a split-ring consumer over the shared
// arena behind either the memory-mapped register file or the PCI
// capability structures. Tests and the demo binary run against it.
package devsim

import (
	"fmt"
	"log/slog"

	"github.com/vmos-dev/vmos/internal/platform"
)

// Source produces the payload bytes a completed buffer is filled with.
type Source func(p []byte)

// CounterSource fills buffers with a deterministic incrementing byte
// pattern. The default for tests.
func CounterSource() Source {
	var c byte
	return func(p []byte) {
		for i := range p {
			p[i] = c
			c++
		}
	}
}

// model is the transport-independent half of a simulated device: the
// ring consumer, the payload source and the completion bookkeeping.
type model struct {
	ring     ringConsumer
	disp     *platform.Dispatcher
	line     uint32
	source   Source
	manual   bool
	maxWrite uint32 // 0 fills writable buffers completely

	running bool
	pending []uint16

	isr uint32
}

func (m *model) resetModel() {
	m.running = false
	m.pending = nil
	m.isr = 0
	m.ring.reset()
}

// service consumes everything on the available ring. In manual mode the
// heads queue up for the test to complete in its own order.
func (m *model) service() {
	if !m.ring.ready || !m.running {
		return
	}
	for {
		head, ok, err := m.ring.popAvail()
		if err != nil {
			slog.Error("devsim: available ring walk failed", "err", err)
			return
		}
		if !ok {
			break
		}
		if m.manual {
			m.pending = append(m.pending, head)
			continue
		}
		m.complete(head)
	}
}

// Pending returns the heads consumed but not yet completed, oldest
// first. Only meaningful in manual mode.
func (m *model) Pending() []uint16 {
	out := make([]uint16, len(m.pending))
	copy(out, m.pending)
	return out
}

// CompleteNext completes the oldest pending head.
func (m *model) CompleteNext() error {
	if len(m.pending) == 0 {
		return fmt.Errorf("devsim: nothing pending")
	}
	head := m.pending[0]
	m.pending = m.pending[1:]
	m.complete(head)
	return nil
}

// Complete completes a specific pending head, letting tests drive
// out-of-order completion.
func (m *model) Complete(head uint16) error {
	for i, h := range m.pending {
		if h != head {
			continue
		}
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		m.complete(head)
		return nil
	}
	return fmt.Errorf("devsim: head %d not pending", head)
}

// complete walks the chain, fills device-writable buffers from the
// source, publishes the used entry and raises the interrupt. With
// maxWrite set the fill stops short and the used entry carries the
// truncated length.
func (m *model) complete(head uint16) {
	var written uint32
	budget := ^uint32(0)
	if m.maxWrite > 0 {
		budget = m.maxWrite
	}
	idx := head
	for {
		desc, err := m.ring.readDesc(idx)
		if err != nil {
			slog.Error("devsim: descriptor read failed", "head", head, "err", err)
			return
		}
		if desc.Flags&descFlagWrite != 0 {
			n := desc.Len
			if n > budget {
				n = budget
			}
			if n > 0 {
				buf, err := m.ring.at(desc.Addr, uint64(n))
				if err != nil {
					slog.Error("devsim: buffer outside arena", "head", head, "err", err)
					return
				}
				m.source(buf)
			}
			written += n
			budget -= n
		}
		if desc.Flags&descFlagNext == 0 {
			break
		}
		idx = desc.Next
	}
	if err := m.ring.pushUsed(head, written); err != nil {
		slog.Error("devsim: used ring push failed", "head", head, "err", err)
		return
	}
	m.raiseInterrupt()
}

func (m *model) raiseInterrupt() {
	m.isr |= intQueue
	if m.disp != nil {
		m.disp.Inject(m.line)
	}
}

// Empty is a bus window with nothing behind it: reads float to zero and
// writes are dropped. Discovery scans use it for unpopulated slots.
type Empty struct{}

func (Empty) Read8(uint64) uint8     { return 0 }
func (Empty) Read16(uint64) uint16   { return 0 }
func (Empty) Read32(uint64) uint32   { return 0 }
func (Empty) Write8(uint64, uint8)   {}
func (Empty) Write16(uint64, uint16) {}
func (Empty) Write32(uint64, uint32) {}
