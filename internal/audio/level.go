package audio

import (
	"math"
	"sync/atomic"
)

// LevelMeter publishes a continuously updated audio level for UI meters.
// Updates are non-blocking and best-effort; readers may observe slightly
// stale values.
type LevelMeter struct {
	bits atomic.Uint64
}

// Update publishes a new level in [0,1].
func (m *LevelMeter) Update(level float64) {
	if level < 0 {
		level = 0
	} else if level > 1 {
		level = 1
	}
	m.bits.Store(math.Float64bits(level))
}

// Level returns the most recently published level.
func (m *LevelMeter) Level() float64 {
	return math.Float64frombits(m.bits.Load())
}
