package speech

import "sync"

// Ring accumulates rolling audio windows for the batch engine. It is
// bounded so memory does not grow across a multi-hour session: once the
// capacity is hit the oldest half is trimmed.
type Ring struct {
	mu       sync.Mutex
	windows  [][]float32
	capacity int
}

// NewRing creates a ring retaining at most capacity windows.
func NewRing(capacity int) *Ring {
	if capacity < 2 {
		capacity = 2
	}
	return &Ring{capacity: capacity}
}

// Push copies samples into the ring.
func (r *Ring) Push(samples []float32) {
	if len(samples) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.windows = append(r.windows, append([]float32(nil), samples...))
	if len(r.windows) >= r.capacity {
		half := len(r.windows) / 2
		r.windows = append([][]float32(nil), r.windows[half:]...)
	}
}

// Snapshot returns the buffered audio concatenated, oldest first.
func (r *Ring) Snapshot() []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, w := range r.windows {
		total += len(w)
	}
	out := make([]float32, 0, total)
	for _, w := range r.windows {
		out = append(out, w...)
	}
	return out
}

// Len returns the buffered window count.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

// Reset drops all buffered audio.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows = nil
}
