package platform

// CountingMemory wraps a Memory and counts cache maintenance and barrier
// calls. Drivers must issue these even on coherent platforms, where they
// are no-ops and otherwise invisible; the counters make the discipline
// observable to tests.
type CountingMemory struct {
	Memory

	Cleans      int
	Invalidates int
	Barriers    int
}

func NewCountingMemory(inner Memory) *CountingMemory {
	return &CountingMemory{Memory: inner}
}

func (c *CountingMemory) CacheClean(off, length uint64) {
	c.Cleans++
	c.Memory.CacheClean(off, length)
}

func (c *CountingMemory) CacheInvalidate(off, length uint64) {
	c.Invalidates++
	c.Memory.CacheInvalidate(off, length)
}

func (c *CountingMemory) Barrier() {
	c.Barriers++
	c.Memory.Barrier()
}
