package answer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/booklistener/companion/internal/cache"
	"github.com/booklistener/companion/internal/errors"
	"github.com/booklistener/companion/internal/library"
)

type fakeLocal struct {
	text  string
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeLocal) Complete(ctx context.Context, _ string) (string, error) {
	f.calls.Add(1)
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return f.text, f.err
}

type fakeCloud struct {
	text  string
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeCloud) Complete(ctx context.Context, _, _, _ string) (string, error) {
	f.calls.Add(1)
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return f.text, f.err
}

func testCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(cache.Config{TTL: time.Hour})
	require.NoError(t, err)
	return c
}

func testQuery() Query {
	return Query{
		Question: "Who is Odysseus?",
		Book:     library.Book{Title: "The Odyssey", Author: "Homer"},
	}
}

func TestCacheHitSkipsEngines(t *testing.T) {
	store := testCache(t)
	q := testQuery()
	key := cache.Key(q.Question, q.Book.Key())
	require.NoError(t, store.Put(key, "the king of ithaca", "cloud"))

	local := &fakeLocal{text: "unused"}
	cloud := &fakeCloud{text: "unused"}
	o := NewOrchestrator(local, Capability{Available: true}, cloud, store, Config{})

	ans := o.Ask(context.Background(), q, nil)
	assert.Equal(t, "the king of ithaca", ans.Text)
	assert.Equal(t, SourceCache, ans.Source)
	assert.Zero(t, local.calls.Load())
	assert.Zero(t, cloud.calls.Load())
}

func TestCloudPreferredWhenBothSucceed(t *testing.T) {
	local := &fakeLocal{text: "a greek hero", delay: 5 * time.Millisecond}
	cloud := &fakeCloud{text: "the king of ithaca and hero of the odyssey", delay: 60 * time.Millisecond}
	o := NewOrchestrator(local, Capability{Available: true}, cloud, testCache(t), Config{})

	var instant Answer
	ans := o.Ask(context.Background(), testQuery(), func(a Answer) { instant = a })

	assert.Equal(t, SourceCloud, ans.Source, "cloud is authoritative when it answers")
	assert.Equal(t, "the king of ithaca and hero of the odyssey", ans.Text)
	assert.Equal(t, SourceLocal, instant.Source)
	assert.Equal(t, "a greek hero", instant.Text)
}

func TestLocalFailureInvisibleToCaller(t *testing.T) {
	local := &fakeLocal{err: errors.New(errors.CodeEngineUnavailable, "model not loaded")}
	cloud := &fakeCloud{text: "the king of ithaca. He fought at troy.", delay: 20 * time.Millisecond}
	o := NewOrchestrator(local, Capability{Available: true}, cloud, testCache(t), Config{})

	var instant Answer
	ans := o.Ask(context.Background(), testQuery(), func(a Answer) { instant = a })

	assert.Equal(t, SourceCloud, ans.Source)
	assert.Equal(t, SourceCloud, instant.Source)
	assert.Equal(t, "the king of ithaca.", instant.Text, "instant view is the trimmed cloud answer")
}

func TestLocalTimeoutFallsToCloud(t *testing.T) {
	local := &fakeLocal{text: "too late", delay: time.Second}
	cloud := &fakeCloud{text: "the king of ithaca", delay: 10 * time.Millisecond}
	o := NewOrchestrator(local, Capability{Available: true}, cloud, testCache(t),
		Config{LocalTimeout: 30 * time.Millisecond})

	ans := o.Ask(context.Background(), testQuery(), nil)
	assert.Equal(t, SourceCloud, ans.Source)
}

func TestCloudFailureFallsBackToLocal(t *testing.T) {
	local := &fakeLocal{text: "a greek hero"}
	cloud := &fakeCloud{err: errors.New(errors.CodeEngineUnavailable, "api down")}
	o := NewOrchestrator(local, Capability{Available: true}, cloud, testCache(t), Config{})

	ans := o.Ask(context.Background(), testQuery(), nil)
	assert.Equal(t, SourceLocal, ans.Source)
	assert.Equal(t, "a greek hero", ans.Text)
}

func TestBothFailYieldsApology(t *testing.T) {
	local := &fakeLocal{err: errors.New(errors.CodeEngineUnavailable, "model not loaded")}
	cloud := &fakeCloud{err: errors.New(errors.CodeEngineUnavailable, "api down")}
	o := NewOrchestrator(local, Capability{Available: true}, cloud, testCache(t), Config{})

	ans := o.Ask(context.Background(), testQuery(), nil)
	assert.Equal(t, SourceFallback, ans.Source)
	assert.Contains(t, ans.Text, "The Odyssey", "fallback is aware of the current book")
	assert.Contains(t, ans.Text, "Sorry")
}

func TestLocalAbsentUsesCloudOnly(t *testing.T) {
	cloud := &fakeCloud{text: "the king of ithaca"}
	o := NewOrchestrator(nil, Capability{Reason: "not installed"}, cloud, testCache(t), Config{})

	ans := o.Ask(context.Background(), testQuery(), nil)
	assert.Equal(t, SourceCloud, ans.Source)
}

func TestConcurrentIdenticalQuestionsShareOneRace(t *testing.T) {
	cloud := &fakeCloud{text: "the king of ithaca", delay: 80 * time.Millisecond}
	o := NewOrchestrator(nil, Capability{Reason: "not installed"}, cloud, testCache(t), Config{})

	var wg sync.WaitGroup
	answers := make([]Answer, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			answers[i] = o.Ask(context.Background(), testQuery(), nil)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), cloud.calls.Load(), "identical in-flight questions share one inference")
	assert.Equal(t, answers[0], answers[1])
}

func TestMergedAnswerIsCached(t *testing.T) {
	cloud := &fakeCloud{text: "the king of ithaca"}
	o := NewOrchestrator(nil, Capability{Reason: "not installed"}, cloud, testCache(t), Config{})

	first := o.Ask(context.Background(), testQuery(), nil)
	assert.Equal(t, SourceCloud, first.Source)

	second := o.Ask(context.Background(), testQuery(), nil)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, int32(1), cloud.calls.Load())
}

func TestFallbackNotCached(t *testing.T) {
	cloud := &fakeCloud{err: errors.New(errors.CodeEngineUnavailable, "api down")}
	o := NewOrchestrator(nil, Capability{Reason: "not installed"}, cloud, testCache(t), Config{})

	first := o.Ask(context.Background(), testQuery(), nil)
	assert.Equal(t, SourceFallback, first.Source)

	second := o.Ask(context.Background(), testQuery(), nil)
	assert.Equal(t, SourceFallback, second.Source, "apologies must not be served from cache")
	assert.Equal(t, int32(2), cloud.calls.Load())
}

func TestDifferentBooksDifferentKeys(t *testing.T) {
	cloud := &fakeCloud{text: "an answer"}
	o := NewOrchestrator(nil, Capability{Reason: "not installed"}, cloud, testCache(t), Config{})

	q1 := Query{Question: "who is the captain", Book: library.Book{Title: "Moby Dick", Author: "Melville"}}
	q2 := Query{Question: "who is the captain", Book: library.Book{Title: "Master and Commander", Author: "O'Brian"}}

	o.Ask(context.Background(), q1, nil)
	o.Ask(context.Background(), q2, nil)
	assert.Equal(t, int32(2), cloud.calls.Load(), "same question about two books never collides")
}

func TestTrimForInstant(t *testing.T) {
	assert.Equal(t, "He is the king of Ithaca.",
		trimForInstant("He is the king of Ithaca. He fought at Troy for ten years."))
	assert.Equal(t, "Short answer", trimForInstant("Short answer"))
}
