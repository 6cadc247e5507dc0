// Package speech feeds captured audio to two transcription engines and
// reconciles their hypotheses into finalized utterances.
package speech

import (
	"context"
	"strings"
	"time"

	"github.com/booklistener/companion/internal/library"
)

// Source identifies which engine produced an utterance's text.
type Source string

const (
	// SourceStreaming is the low-latency engine; fast but prone to
	// phonetic confusion on proper nouns.
	SourceStreaming Source = "streaming"
	// SourceCorrected is the higher-accuracy batch engine.
	SourceCorrected Source = "corrected"
)

// Utterance is one span of recognized speech. Once Final is set the value
// is immutable evidence; only the reconciler mutates it before handing it
// downstream.
type Utterance struct {
	Text       string
	Source     Source
	Final      bool
	Confidence float64
	CapturedAt time.Time
	Book       library.Book
}

// Hypothesis is a streaming engine result, partial or final.
type Hypothesis struct {
	Text       string
	Confidence float64
	Final      bool
}

// StreamingEngine consumes the live frame stream and emits partial and
// final hypotheses continuously. Used to drive live feedback and as the
// fallback text source.
type StreamingEngine interface {
	Feed(ctx context.Context, samples []float32) error
	Hypotheses() <-chan Hypothesis
	Close() error
}

// Segment is one scored span of a batch transcription.
type Segment struct {
	Text        string
	Probability float64
}

// BatchResult is the batch engine's hypothesis for an audio window.
type BatchResult struct {
	Text     string
	Segments []Segment
}

// Confidence returns the mean per-segment probability, or zero when no
// segments were returned.
func (r BatchResult) Confidence() float64 {
	if len(r.Segments) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range r.Segments {
		sum += s.Probability
	}
	return sum / float64(len(r.Segments))
}

// Empty reports a degenerate result.
func (r BatchResult) Empty() bool {
	return strings.TrimSpace(r.Text) == ""
}

// BatchEngine transcribes a buffered audio window asynchronously with
// higher accuracy than the streaming engine.
type BatchEngine interface {
	Transcribe(ctx context.Context, window []float32, sampleRate int) (BatchResult, error)
}

// Capability records engine availability, resolved once at startup rather
// than re-probed at every call site.
type Capability struct {
	Available bool
	Reason    string
}

// Available returns an available capability.
func Available() Capability { return Capability{Available: true} }

// Unavailable returns an unavailable capability with a reason.
func Unavailable(reason string) Capability { return Capability{Reason: reason} }
