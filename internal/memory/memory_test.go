package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/booklistener/companion/internal/classify"
)

func fixedClock(l *Log, base time.Time) func(time.Duration) {
	current := base
	l.now = func() time.Time { return current }
	return func(d time.Duration) { current = current.Add(d) }
}

func TestInsertAssignsID(t *testing.T) {
	l := NewLog(Config{})
	e := l.Insert(Entry{Text: "who is odysseus", Intent: classify.TypeQuestion})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, 1, l.Len())
}

func TestRelationsComputedFromNewerEntry(t *testing.T) {
	l := NewLog(Config{RelatedWindow: time.Minute})

	first := l.Insert(Entry{
		Text:     "who is odysseus",
		Intent:   classify.TypeQuestion,
		Entities: []string{"Odysseus"},
	})
	second := l.Insert(Entry{
		Text:     "is odysseus the king of ithaca",
		Intent:   classify.TypeQuestion,
		Entities: []string{"Odysseus", "Ithaca"},
	})

	assert.Contains(t, second.RelatedIDs, first.ID)

	// The older entry keeps its original (empty) relations.
	stored := l.Entries()[0]
	assert.Empty(t, stored.RelatedIDs)
}

func TestRelationsRespectTimeWindow(t *testing.T) {
	l := NewLog(Config{RelatedWindow: time.Minute})
	advance := fixedClock(l, time.Now())

	l.Insert(Entry{Text: "who is odysseus", Intent: classify.TypeQuestion, Entities: []string{"Odysseus"}})
	advance(5 * time.Minute)
	late := l.Insert(Entry{Text: "who is odysseus again", Intent: classify.TypeQuestion, Entities: []string{"Odysseus"}})

	assert.Empty(t, late.RelatedIDs, "entries outside the window are unrelated")
}

func TestQuestionStartsThread(t *testing.T) {
	l := NewLog(Config{})
	e := l.Insert(Entry{
		Text:     "who is paul atreides",
		Intent:   classify.TypeQuestion,
		Entities: []string{"Paul Atreides"},
	})

	require.NotEmpty(t, e.ThreadID)
	threads := l.Threads()
	require.Len(t, threads, 1)
	assert.Equal(t, "Paul Atreides", threads[0].Topic)
}

func TestSharedEntityJoinsActiveThread(t *testing.T) {
	l := NewLog(Config{})

	first := l.Insert(Entry{
		Text:     "who is paul atreides",
		Intent:   classify.TypeQuestion,
		Entities: []string{"Paul Atreides"},
	})
	second := l.Insert(Entry{
		Text:       "paul atreides meets the fremen",
		Intent:     classify.TypeAmbient,
		Entities:   []string{"Paul Atreides", "Fremen"},
		Confidence: 0.5,
	})

	assert.Equal(t, first.ThreadID, second.ThreadID)

	threads := l.Threads()
	require.Len(t, threads, 1)
	assert.Len(t, threads[0].EntryIDs, 2)
}

func TestLowConfidenceAmbientStartsNoThread(t *testing.T) {
	l := NewLog(Config{})
	e := l.Insert(Entry{Text: "it was a dark night", Intent: classify.TypeAmbient, Confidence: 0.5})
	assert.Empty(t, e.ThreadID)
	assert.Empty(t, l.Threads())
}

func TestInactiveThreadNotJoined(t *testing.T) {
	l := NewLog(Config{ThreadActive: time.Minute, ThreadRetire: time.Hour})
	advance := fixedClock(l, time.Now())

	first := l.Insert(Entry{Text: "who is gandalf", Intent: classify.TypeQuestion, Entities: []string{"Gandalf"}})
	advance(10 * time.Minute)
	second := l.Insert(Entry{Text: "what does gandalf do next", Intent: classify.TypeQuestion, Entities: []string{"Gandalf"}})

	assert.NotEqual(t, first.ThreadID, second.ThreadID, "stale threads must not collect new entries")
}

func TestThreadRetirement(t *testing.T) {
	l := NewLog(Config{ThreadActive: time.Minute, ThreadRetire: 5 * time.Minute})
	advance := fixedClock(l, time.Now())

	l.Insert(Entry{Text: "who is gandalf", Intent: classify.TypeQuestion, Entities: []string{"Gandalf"}})
	advance(10 * time.Minute)
	l.Insert(Entry{Text: "chapter two begins", Intent: classify.TypeAmbient, Confidence: 0.5})

	threads := l.Threads()
	require.Len(t, threads, 1)
	assert.True(t, threads[0].Retired)
}

func TestPruningKeepsCapacityAndIndex(t *testing.T) {
	l := NewLog(Config{Capacity: 10})

	var ids []string
	for i := 0; i < 25; i++ {
		e := l.Insert(Entry{
			Text:     fmt.Sprintf("utterance %d about Entity%d", i, i),
			Intent:   classify.TypeAmbient,
			Entities: []string{fmt.Sprintf("Entity%d", i)},
		})
		ids = append(ids, e.ID)
	}

	assert.Equal(t, 10, l.Len())

	entries := l.Entries()
	assert.Equal(t, ids[15], entries[0].ID, "the most recent entries survive")
	assert.Equal(t, ids[24], entries[9].ID)

	// The entity index holds no dangling references.
	for i := 0; i < 15; i++ {
		assert.Empty(t, l.EntriesFor(fmt.Sprintf("Entity%d", i)))
	}
	assert.Equal(t, []string{ids[20]}, l.EntriesFor("Entity20"))
}

func TestRecentContextSummary(t *testing.T) {
	l := NewLog(Config{})
	l.Insert(Entry{Text: "who is odysseus", Intent: classify.TypeQuestion, Response: "the king of ithaca"})
	l.Insert(Entry{Text: "remember to reread chapter two", Intent: classify.TypeNote})

	ctx := l.RecentContext(5)
	assert.Contains(t, ctx, "[question] who is odysseus (answered: the king of ithaca)")
	assert.Contains(t, ctx, "[note] remember to reread chapter two")
}

func TestRecentContextEmptyLog(t *testing.T) {
	l := NewLog(Config{})
	assert.Empty(t, l.RecentContext(5))
}

func TestTopEntities(t *testing.T) {
	l := NewLog(Config{})
	for i := 0; i < 3; i++ {
		l.Insert(Entry{Text: "odysseus sails on", Intent: classify.TypeAmbient, Entities: []string{"Odysseus"}, Confidence: 0.9})
	}
	l.Insert(Entry{Text: "penelope waits", Intent: classify.TypeAmbient, Entities: []string{"Penelope"}, Confidence: 0.9})

	top := l.TopEntities(2)
	require.Len(t, top, 2)
	assert.Equal(t, "odysseus", top[0])
	assert.Equal(t, "penelope", top[1])
}
