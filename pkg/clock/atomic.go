package clock

import "sync/atomic"

// SeqClock hands out the engine's sequence numbers. Next is only ever
// called from the single-writer section; Val and Advance are safe from
// any goroutine.
type SeqClock struct {
	atomic.Uint64
}

func NewSeq(init uint64) *SeqClock {
	var c SeqClock
	c.Store(init)
	return &c
}

func (c *SeqClock) Val() uint64 {
	return c.Load()
}

func (c *SeqClock) Next() uint64 {
	return c.Add(1)
}

// Advance raises the clock to at least seq. Used during WAL replay, where
// entries arrive carrying their original sequence numbers.
func (c *SeqClock) Advance(seq uint64) {
	for {
		cur := c.Load()
		if seq <= cur || c.CompareAndSwap(cur, seq) {
			return
		}
	}
}
