package speech

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/booklistener/companion/internal/errors"
)

type fakeStreaming struct {
	hypCh chan Hypothesis
	once  sync.Once

	mu  sync.Mutex
	fed int
}

func newFakeStreaming() *fakeStreaming {
	return &fakeStreaming{hypCh: make(chan Hypothesis, 16)}
}

func (f *fakeStreaming) Feed(_ context.Context, samples []float32) error {
	f.mu.Lock()
	f.fed += len(samples)
	f.mu.Unlock()
	return nil
}

func (f *fakeStreaming) Hypotheses() <-chan Hypothesis { return f.hypCh }

func (f *fakeStreaming) Close() error {
	f.once.Do(func() { close(f.hypCh) })
	return nil
}

type fakeBatch struct {
	res   BatchResult
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeBatch) Transcribe(ctx context.Context, _ []float32, _ int) (BatchResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return BatchResult{}, ctx.Err()
		}
	}
	return f.res, f.err
}

func fastConfig() ReconcilerConfig {
	return ReconcilerConfig{
		BaseFinalizeDelay: 10 * time.Millisecond,
		QuestionGraceMin:  10 * time.Millisecond,
		QuestionGraceMax:  20 * time.Millisecond,
	}
}

func nextFinal(t *testing.T, events <-chan Event, timeout time.Duration) Utterance {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-events:
			require.True(t, ok, "event stream closed before a final arrived")
			if e.Type == EventFinal {
				return e.Utterance
			}
		case <-deadline:
			t.Fatal("timed out waiting for final event")
		}
	}
}

func TestReconcilerCorrectionReplacesText(t *testing.T) {
	streaming := newFakeStreaming()
	batch := &fakeBatch{res: BatchResult{
		Text:     "who is odysseus",
		Segments: []Segment{{Text: "who is odysseus", Probability: 0.9}},
	}}

	r := NewReconciler(streaming, Available(), batch, Available(), fastConfig())
	r.Run(context.Background())
	defer r.Stop()

	r.FeedFrame(context.Background(), make([]float32, 320))
	streaming.hypCh <- Hypothesis{Text: "who is otis", Confidence: 0.6, Final: true}

	u := nextFinal(t, r.Events(), time.Second)
	assert.Equal(t, "who is odysseus", u.Text, "confident correction must win over phonetic confusion")
	assert.Equal(t, SourceCorrected, u.Source)
	assert.InDelta(t, 0.9, u.Confidence, 1e-9)
	assert.True(t, u.Final)
}

func TestReconcilerLowConfidenceCorrectionIgnored(t *testing.T) {
	streaming := newFakeStreaming()
	batch := &fakeBatch{res: BatchResult{
		Text:     "something else entirely",
		Segments: []Segment{{Text: "something else entirely", Probability: 0.4}},
	}}

	r := NewReconciler(streaming, Available(), batch, Available(), fastConfig())
	r.Run(context.Background())
	defer r.Stop()

	r.FeedFrame(context.Background(), make([]float32, 320))
	streaming.hypCh <- Hypothesis{Text: "the ship sailed at dawn", Confidence: 0.65, Final: true}

	u := nextFinal(t, r.Events(), time.Second)
	assert.Equal(t, "the ship sailed at dawn", u.Text)
	assert.Equal(t, SourceStreaming, u.Source)
	assert.InDelta(t, 0.65, u.Confidence, 1e-9)
}

func TestReconcilerEmptyBatchLowersConfidence(t *testing.T) {
	streaming := newFakeStreaming()
	batch := &fakeBatch{res: BatchResult{}}

	r := NewReconciler(streaming, Available(), batch, Available(), fastConfig())
	r.Run(context.Background())
	defer r.Stop()

	r.FeedFrame(context.Background(), make([]float32, 320))
	streaming.hypCh <- Hypothesis{Text: "call me ishmael", Confidence: 0.8, Final: true}

	u := nextFinal(t, r.Events(), time.Second)
	assert.Equal(t, "call me ishmael", u.Text, "empty correction is not a reason to drop text")
	assert.Equal(t, SourceStreaming, u.Source)
	assert.InDelta(t, 0.8*unverifiedPenalty, u.Confidence, 1e-9)
}

func TestReconcilerBatchErrorKeepsStreamingText(t *testing.T) {
	streaming := newFakeStreaming()
	batch := &fakeBatch{err: errors.New(errors.CodeEngineUnavailable, "engine down")}

	r := NewReconciler(streaming, Available(), batch, Available(), fastConfig())
	r.Run(context.Background())
	defer r.Stop()

	r.FeedFrame(context.Background(), make([]float32, 320))
	streaming.hypCh <- Hypothesis{Text: "it was the best of times", Confidence: 0.7, Final: true}

	u := nextFinal(t, r.Events(), time.Second)
	assert.Equal(t, "it was the best of times", u.Text)
	assert.Equal(t, SourceStreaming, u.Source)
	assert.InDelta(t, 0.7, u.Confidence, 1e-9)
}

func TestReconcilerBatchUnavailableSkipsCorrection(t *testing.T) {
	streaming := newFakeStreaming()
	batch := &fakeBatch{res: BatchResult{
		Text:     "should never be used",
		Segments: []Segment{{Text: "should never be used", Probability: 0.99}},
	}}

	r := NewReconciler(streaming, Available(), batch, Unavailable("not installed"), fastConfig())
	r.Run(context.Background())
	defer r.Stop()

	r.FeedFrame(context.Background(), make([]float32, 320))
	streaming.hypCh <- Hypothesis{Text: "a quiet evening", Confidence: 0.75, Final: true}

	u := nextFinal(t, r.Events(), time.Second)
	assert.Equal(t, "a quiet evening", u.Text)
	assert.Equal(t, SourceStreaming, u.Source)
	assert.Zero(t, batch.calls.Load(), "unavailable engine must not be called")
}

func TestReconcilerPartialsPassThrough(t *testing.T) {
	streaming := newFakeStreaming()

	r := NewReconciler(streaming, Available(), nil, Unavailable("no batch"), fastConfig())
	r.Run(context.Background())
	defer r.Stop()

	streaming.hypCh <- Hypothesis{Text: "who is", Final: false}

	select {
	case e := <-r.Events():
		assert.Equal(t, EventPartial, e.Type)
		assert.Equal(t, "who is", e.Utterance.Text)
		assert.Equal(t, SourceStreaming, e.Utterance.Source)
		assert.False(t, e.Utterance.Final)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for partial event")
	}
}

func TestReconcilerMergesFinalsWithinGrace(t *testing.T) {
	streaming := newFakeStreaming()

	cfg := ReconcilerConfig{
		BaseFinalizeDelay: 150 * time.Millisecond,
		QuestionGraceMin:  150 * time.Millisecond,
		QuestionGraceMax:  200 * time.Millisecond,
	}
	r := NewReconciler(streaming, Available(), nil, Unavailable("no batch"), cfg)
	r.Run(context.Background())
	defer r.Stop()

	streaming.hypCh <- Hypothesis{Text: "what happens", Confidence: 0.8, Final: true}
	time.Sleep(20 * time.Millisecond)
	streaming.hypCh <- Hypothesis{Text: "to frodo", Confidence: 0.6, Final: true}

	u := nextFinal(t, r.Events(), 2*time.Second)
	assert.Equal(t, "what happens to frodo", u.Text)
	assert.InDelta(t, 0.6, u.Confidence, 1e-9, "merged confidence takes the weaker span")

	select {
	case e, ok := <-r.Events():
		if ok && e.Type == EventFinal {
			t.Fatalf("merged finals must produce one utterance, got extra %q", e.Utterance.Text)
		}
	case <-time.After(500 * time.Millisecond):
	}
}

func TestReconcilerQuestionGetsMorePatience(t *testing.T) {
	timeToFinal := func(text string) time.Duration {
		streaming := newFakeStreaming()
		cfg := ReconcilerConfig{
			BaseFinalizeDelay: 100 * time.Millisecond,
			QuestionGraceMin:  250 * time.Millisecond,
			QuestionGraceMax:  300 * time.Millisecond,
		}
		r := NewReconciler(streaming, Available(), nil, Unavailable("no batch"), cfg)
		r.Run(context.Background())
		defer r.Stop()

		start := time.Now()
		streaming.hypCh <- Hypothesis{Text: text, Confidence: 0.8, Final: true}
		nextFinal(t, r.Events(), 2*time.Second)
		return time.Since(start)
	}

	statement := timeToFinal("the rain stopped")
	question := timeToFinal("who is gandalf")

	assert.Greater(t, question, statement+100*time.Millisecond,
		"questions must be held longer before finalizing")
}

func TestReconcilerStopFlushesPending(t *testing.T) {
	streaming := newFakeStreaming()

	cfg := ReconcilerConfig{
		BaseFinalizeDelay: 10 * time.Second, // never fires on its own
		QuestionGraceMin:  10 * time.Second,
		QuestionGraceMax:  20 * time.Second,
	}
	r := NewReconciler(streaming, Available(), nil, Unavailable("no batch"), cfg)
	r.Run(context.Background())

	streaming.hypCh <- Hypothesis{Text: "so it goes", Confidence: 0.9, Final: true}
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		u := nextFinal(t, r.Events(), 2*time.Second)
		assert.Equal(t, "so it goes", u.Text)
	}()

	r.Stop()
	<-done

	_, ok := <-r.Events()
	assert.False(t, ok, "event stream must close after Stop")
}

func TestReconcilerBatchOnlyFallback(t *testing.T) {
	batch := &fakeBatch{res: BatchResult{
		Text:     "call me ishmael",
		Segments: []Segment{{Text: "call me ishmael", Probability: 0.92}},
	}}

	r := NewReconciler(nil, Unavailable("recognizer offline"), batch, Available(), fastConfig())
	r.Run(context.Background())
	defer r.Stop()

	r.FeedFrame(context.Background(), make([]float32, 320))
	r.SegmentEnd(context.Background())

	u := nextFinal(t, r.Events(), time.Second)
	assert.Equal(t, "call me ishmael", u.Text)
	assert.Equal(t, SourceCorrected, u.Source)
	assert.InDelta(t, 0.92, u.Confidence, 1e-9)
	assert.Equal(t, int32(1), batch.calls.Load())
}

func TestReconcilerSlowBatchDropsNothing(t *testing.T) {
	streaming := newFakeStreaming()
	batch := &fakeBatch{delay: 50 * time.Millisecond}

	cfg := ReconcilerConfig{
		BaseFinalizeDelay: 5 * time.Millisecond,
		QuestionGraceMin:  5 * time.Millisecond,
		QuestionGraceMax:  10 * time.Millisecond,
	}
	r := NewReconciler(streaming, Available(), batch, Available(), cfg)
	r.Run(context.Background())

	finals := make(chan string, 64)
	go func() {
		defer close(finals)
		for e := range r.Events() {
			if e.Type == EventFinal {
				finals <- e.Utterance.Text
			}
		}
	}()

	// Finals arrive faster than the correction pass can drain them, so
	// the queue backs up well past its buffer.
	const lines = 30
	for i := 0; i < lines; i++ {
		r.FeedFrame(context.Background(), make([]float32, 320))
		streaming.hypCh <- Hypothesis{Text: fmt.Sprintf("line %02d", i), Confidence: 0.8, Final: true}
		time.Sleep(10 * time.Millisecond)
	}

	r.Stop()

	var got []string
	for text := range finals {
		got = append(got, text)
	}
	joined := strings.Join(got, " ")
	for i := 0; i < lines; i++ {
		assert.Contains(t, joined, fmt.Sprintf("line %02d", i),
			"a backed-up correction queue must delay finals, not lose them")
	}
}

func TestReconcilerStopIdempotent(t *testing.T) {
	streaming := newFakeStreaming()
	r := NewReconciler(streaming, Available(), nil, Unavailable("no batch"), fastConfig())
	r.Run(context.Background())

	r.Stop()
	r.Stop()
}
