// Package memory keeps an append-only log of classified utterances with
// an entity index and conversation threads. It supplies recent-context
// summaries for prompts; it never calls a model itself.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/booklistener/companion/internal/classify"
	"github.com/booklistener/companion/internal/library"
)

// Entry is one remembered utterance. Relations are computed once at
// insertion time from this entry's perspective; older entries are never
// retro-fitted.
type Entry struct {
	ID         string
	Timestamp  time.Time
	Text       string
	Intent     classify.ContentType
	Response   string
	Book       library.Book
	Entities   []string
	Confidence float64
	RelatedIDs []string
	ThreadID   string
}

// Thread groups entries by shared entities and recency.
type Thread struct {
	ID        string
	Topic     string
	StartedAt time.Time
	UpdatedAt time.Time
	EntryIDs  []string
	Entities  []string
	Retired   bool
}

func (t *Thread) hasEntity(name string) bool {
	for _, e := range t.Entities {
		if strings.EqualFold(e, name) {
			return true
		}
	}
	return false
}

func (t *Thread) addEntity(name string) {
	if !t.hasEntity(name) {
		t.Entities = append(t.Entities, name)
	}
}

// Config bounds the log and tunes threading windows.
type Config struct {
	Capacity      int
	RelatedWindow time.Duration
	ThreadActive  time.Duration
	ThreadRetire  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 500
	}
	if c.RelatedWindow <= 0 {
		c.RelatedWindow = 2 * time.Minute
	}
	if c.ThreadActive <= 0 {
		c.ThreadActive = 5 * time.Minute
	}
	if c.ThreadRetire <= 0 {
		c.ThreadRetire = 30 * time.Minute
	}
	return c
}

// threadConfidenceMin starts a thread from a confident non-question.
const threadConfidenceMin = 0.8

// Log is the conversation memory.
type Log struct {
	mu       sync.Mutex
	cfg      Config
	entries  []Entry
	byEntity map[string][]string
	threads  []*Thread
	now      func() time.Time
}

// NewLog creates an empty memory log.
func NewLog(cfg Config) *Log {
	return &Log{
		cfg:      cfg.withDefaults(),
		byEntity: make(map[string][]string),
		now:      time.Now,
	}
}

// Insert appends an entry, computes its relations, threads it, and prunes
// if over capacity. Returns the stored entry with ID and relations set.
func (l *Log) Insert(e Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}

	e.RelatedIDs = l.relatedTo(e)
	l.retireStaleThreads(now)
	e.ThreadID = l.threadFor(&e, now)

	l.entries = append(l.entries, e)
	for _, ent := range e.Entities {
		key := entityKey(ent)
		l.byEntity[key] = append(l.byEntity[key], e.ID)
	}

	if len(l.entries) > l.cfg.Capacity {
		l.prune()
	}
	return e
}

// relatedTo finds recent entries sharing an entity or intent with e.
func (l *Log) relatedTo(e Entry) []string {
	cutoff := e.Timestamp.Add(-l.cfg.RelatedWindow)
	var related []string
	for i := len(l.entries) - 1; i >= 0; i-- {
		prev := l.entries[i]
		if prev.Timestamp.Before(cutoff) {
			break
		}
		if prev.Intent == e.Intent || sharesEntity(prev.Entities, e.Entities) {
			related = append(related, prev.ID)
		}
	}
	return related
}

// threadFor appends e to an active thread sharing an entity, or starts a
// new thread for questions and confident classifications.
func (l *Log) threadFor(e *Entry, now time.Time) string {
	activeCutoff := now.Add(-l.cfg.ThreadActive)
	for _, t := range l.threads {
		if t.Retired || t.UpdatedAt.Before(activeCutoff) {
			continue
		}
		for _, ent := range e.Entities {
			if t.hasEntity(ent) {
				t.EntryIDs = append(t.EntryIDs, e.ID)
				t.UpdatedAt = now
				for _, en := range e.Entities {
					t.addEntity(en)
				}
				return t.ID
			}
		}
	}

	if e.Intent != classify.TypeQuestion && e.Confidence < threadConfidenceMin {
		return ""
	}

	t := &Thread{
		ID:        uuid.NewString(),
		Topic:     topicFor(*e),
		StartedAt: now,
		UpdatedAt: now,
		EntryIDs:  []string{e.ID},
		Entities:  append([]string(nil), e.Entities...),
	}
	l.threads = append(l.threads, t)
	return t.ID
}

func (l *Log) retireStaleThreads(now time.Time) {
	cutoff := now.Add(-l.cfg.ThreadRetire)
	for _, t := range l.threads {
		if !t.Retired && t.UpdatedAt.Before(cutoff) {
			t.Retired = true
		}
	}
}

// prune drops the oldest entries beyond capacity and rebuilds the entity
// index so it holds no dangling references. Thread entry lists are
// filtered the same way.
func (l *Log) prune() {
	drop := len(l.entries) - l.cfg.Capacity
	l.entries = append(l.entries[:0], l.entries[drop:]...)

	kept := make(map[string]bool, len(l.entries))
	for _, e := range l.entries {
		kept[e.ID] = true
	}

	l.byEntity = make(map[string][]string)
	for _, e := range l.entries {
		for _, ent := range e.Entities {
			key := entityKey(ent)
			l.byEntity[key] = append(l.byEntity[key], e.ID)
		}
	}

	for _, t := range l.threads {
		ids := t.EntryIDs[:0]
		for _, id := range t.EntryIDs {
			if kept[id] {
				ids = append(ids, id)
			}
		}
		t.EntryIDs = ids
	}
}

// AttachResponse records the answer an entry eventually received. The
// entry keeps its position in the log; a slow answer never reorders it.
func (l *Log) AttachResponse(id, response string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].ID == id {
			l.entries[i].Response = response
			return true
		}
	}
	return false
}

// Len returns the entry count.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the log, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// EntriesFor returns the IDs of entries mentioning the entity.
func (l *Log) EntriesFor(entity string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.byEntity[entityKey(entity)]...)
}

// Threads returns a snapshot of all threads, retired included.
func (l *Log) Threads() []Thread {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Thread, 0, len(l.threads))
	for _, t := range l.threads {
		c := *t
		c.EntryIDs = append([]string(nil), t.EntryIDs...)
		c.Entities = append([]string(nil), t.Entities...)
		out = append(out, c)
	}
	return out
}

// RecentContext summarizes the last n entries for use in prompts.
func (l *Log) RecentContext(n int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || len(l.entries) == 0 {
		return ""
	}
	start := len(l.entries) - n
	if start < 0 {
		start = 0
	}

	var b strings.Builder
	for _, e := range l.entries[start:] {
		fmt.Fprintf(&b, "[%s] %s", e.Intent, e.Text)
		if e.Response != "" {
			fmt.Fprintf(&b, " (answered: %s)", e.Response)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// TopEntities returns the n most-mentioned entities, ties broken by name.
func (l *Log) TopEntities(n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	type count struct {
		name string
		n    int
	}
	counts := make([]count, 0, len(l.byEntity))
	for name, ids := range l.byEntity {
		counts = append(counts, count{name: name, n: len(ids)})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].n != counts[j].n {
			return counts[i].n > counts[j].n
		}
		return counts[i].name < counts[j].name
	})

	if n > len(counts) {
		n = len(counts)
	}
	out := make([]string, 0, n)
	for _, c := range counts[:n] {
		out = append(out, c.name)
	}
	return out
}

// topicFor labels a new thread by its strongest signal: the first entity,
// falling back to the opening words.
func topicFor(e Entry) string {
	if len(e.Entities) > 0 {
		return e.Entities[0]
	}
	words := strings.Fields(e.Text)
	if len(words) > 4 {
		words = words[:4]
	}
	return strings.Join(words, " ")
}

func entityKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func sharesEntity(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(x, y) {
				return true
			}
		}
	}
	return false
}
