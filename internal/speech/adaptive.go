package speech

import (
	"math"
	"sync"
	"time"
)

// PauseSample is one observation of the user's pause habits and the
// recognizer's confidence at finalization time.
type PauseSample struct {
	Pause      time.Duration
	Confidence float64
}

// History is a bounded ring of recent pause/confidence samples. It feeds
// the pure Grace function; it performs no timing itself.
type History struct {
	mu      sync.Mutex
	samples []PauseSample
	pos     int
	filled  bool
}

// NewHistory creates a history retaining up to size samples.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 16
	}
	return &History{samples: make([]PauseSample, size)}
}

// Add records a sample, evicting the oldest once full.
func (h *History) Add(s PauseSample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.pos] = s
	h.pos++
	if h.pos == len(h.samples) {
		h.pos = 0
		h.filled = true
	}
}

// Samples returns a copy of the recorded samples, unordered.
func (h *History) Samples() []PauseSample {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.pos
	if h.filled {
		n = len(h.samples)
	}
	out := make([]PauseSample, n)
	copy(out, h.samples[:n])
	return out
}

// GraceConfig bounds the adaptive question-finalization delay.
type GraceConfig struct {
	// Base is the normal finalization delay.
	Base time.Duration
	// Min/Max bound the question extension added on top of Base.
	Min, Max time.Duration
	// AbsoluteCap is the hard ceiling on the total delay.
	AbsoluteCap time.Duration
	// MaxMultiplier bounds the total to a small multiple of Base.
	MaxMultiplier float64
}

func (c GraceConfig) withDefaults() GraceConfig {
	if c.Base <= 0 {
		c.Base = 700 * time.Millisecond
	}
	if c.Min <= 0 {
		c.Min = 500 * time.Millisecond
	}
	if c.Max <= c.Min {
		c.Max = 2 * time.Second
	}
	if c.AbsoluteCap <= 0 {
		c.AbsoluteCap = 5 * time.Second
	}
	if c.MaxMultiplier <= 1 {
		c.MaxMultiplier = 4
	}
	return c
}

// Grace computes the finalization delay for a question-shaped hypothesis.
// Abbreviating a question too early is the highest-cost error class, so
// the extension grows with recent confidence volatility and with the
// user's observed pause lengths. Pure: same samples, same answer.
func Grace(cfg GraceConfig, samples []PauseSample) time.Duration {
	cfg = cfg.withDefaults()

	ext := cfg.Min
	if len(samples) > 0 {
		vol := confidenceVolatility(samples)
		pause := meanPauseFactor(samples)
		factor := math.Max(vol, pause) // whichever signal argues for more patience
		ext = cfg.Min + time.Duration(factor*float64(cfg.Max-cfg.Min))
	}

	total := cfg.Base + ext
	if bound := time.Duration(cfg.MaxMultiplier * float64(cfg.Base)); total > bound {
		total = bound
	}
	if total > cfg.AbsoluteCap {
		total = cfg.AbsoluteCap
	}
	return total
}

// confidenceVolatility maps the stddev of recent confidences to [0,1].
// A stddev of 0.25 or more counts as fully volatile.
func confidenceVolatility(samples []PauseSample) float64 {
	mean := 0.0
	for _, s := range samples {
		mean += s.Confidence
	}
	mean /= float64(len(samples))

	variance := 0.0
	for _, s := range samples {
		variance += (s.Confidence - mean) * (s.Confidence - mean)
	}
	stddev := math.Sqrt(variance / float64(len(samples)))

	return math.Min(stddev/0.25, 1)
}

// meanPauseFactor maps the mean observed pause to [0,1], saturating at 1.5s.
func meanPauseFactor(samples []PauseSample) float64 {
	mean := time.Duration(0)
	for _, s := range samples {
		mean += s.Pause
	}
	mean /= time.Duration(len(samples))

	return math.Min(float64(mean)/float64(1500*time.Millisecond), 1)
}
