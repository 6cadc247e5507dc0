// Package dedupe suppresses re-emission of recently heard text. Suppression
// is advisory: a rejected candidate is not new work, but callers decide
// whether to discard it.
package dedupe

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultWindow is how long a seen utterance suppresses lookalikes.
	DefaultWindow = 3 * time.Second
	// DefaultMaxEntries bounds the window regardless of talk rate.
	DefaultMaxEntries = 64
	// maxPrefixDelta is the length slack allowed for prefix containment.
	// "who is odysseus" suppresses a restated "who is odysseus again".
	maxPrefixDelta = 12
)

type entry struct {
	hash uint64
	text string
	seen time.Time
}

// Suppressor keeps a time-boxed window of normalized hashes of recently
// processed text.
type Suppressor struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	entries []entry
	now     func() time.Time
}

// New creates a suppressor with the given window and entry bound. Zero
// values take the defaults.
func New(window time.Duration, maxEntries int) *Suppressor {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Suppressor{window: window, limit: maxEntries, now: time.Now}
}

// ShouldProcess reports whether text is new work. A candidate is rejected
// when it matches a recent entry exactly or under a cheap similarity
// check. Accepted text joins the window; rejected text does not, so a
// duplicate becomes processable again once the original ages out.
func (s *Suppressor) ShouldProcess(text string) bool {
	norm := normalize(text)
	if norm == "" {
		return false
	}
	h := hashText(norm)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(now)

	for _, e := range s.entries {
		if e.hash == h || similar(e.text, norm) {
			return false
		}
	}

	s.entries = append(s.entries, entry{hash: h, text: norm, seen: now})
	if len(s.entries) > s.limit {
		s.entries = s.entries[len(s.entries)-s.limit:]
	}
	return true
}

// Reset clears the window, e.g. between sessions.
func (s *Suppressor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

func (s *Suppressor) evict(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.entries) && s.entries[i].seen.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.entries = append(s.entries[:0], s.entries[i:]...)
	}
}

// similar catches restated and interrupted utterances: one text extending
// the other by a few characters, or equality modulo trailing punctuation.
func similar(a, b string) bool {
	if a == b {
		return true
	}
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if strings.HasPrefix(longer, shorter) && len(longer)-len(shorter) <= maxPrefixDelta {
		return true
	}
	return false
}

func normalize(text string) string {
	lower := strings.ToLower(strings.TrimSpace(text))
	lower = strings.TrimRight(lower, "?.!,;: ")
	return strings.Join(strings.Fields(lower), " ")
}

func hashText(norm string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(norm))
	return h.Sum64()
}
