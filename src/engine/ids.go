package engine

import "sync/atomic"

// IDGenerator hands out monotonically increasing ids starting at its seed.
// It is shared by every core of a router, so it is safe for concurrent use.
type IDGenerator struct {
	seed int64
	last atomic.Int64
}

func NewIDGenerator(seed int64) *IDGenerator {
	g := &IDGenerator{seed: seed}
	g.Reset()
	return g
}

func (g *IDGenerator) Next() int64 {
	return g.last.Add(1)
}

// Reset restarts the sequence so the next id equals the seed.
func (g *IDGenerator) Reset() {
	g.last.Store(g.seed - 1)
}
