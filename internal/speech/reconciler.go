package speech

import (
	"context"
	"sync"
	"time"

	"github.com/booklistener/companion/internal/classify"
	"github.com/booklistener/companion/internal/trace"
)

// EventType distinguishes live feedback from finalized utterances.
type EventType int

const (
	// EventPartial carries in-progress streaming text for live display.
	// Delivery is best-effort.
	EventPartial EventType = iota
	// EventFinal carries a reconciled, immutable utterance.
	EventFinal
)

// Event is the reconciler's output unit.
type Event struct {
	Type      EventType
	Utterance Utterance
}

// ReconcilerConfig tunes reconciliation behavior. The corrective threshold
// and grace margins were empirically tuned in production; they are
// configuration, not fixed behavior.
type ReconcilerConfig struct {
	SampleRate          int
	CorrectiveThreshold float64
	BaseFinalizeDelay   time.Duration
	QuestionGraceMin    time.Duration
	QuestionGraceMax    time.Duration
	GraceMaxMultiplier  float64
	GraceAbsoluteCap    time.Duration
	RingCapacity        int
	HistorySize         int
	BatchTimeout        time.Duration
	EventBuffer         int
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.CorrectiveThreshold <= 0 {
		c.CorrectiveThreshold = 0.7
	}
	if c.BaseFinalizeDelay <= 0 {
		c.BaseFinalizeDelay = 700 * time.Millisecond
	}
	if c.QuestionGraceMin <= 0 {
		c.QuestionGraceMin = 500 * time.Millisecond
	}
	if c.QuestionGraceMax <= 0 {
		c.QuestionGraceMax = 2 * time.Second
	}
	if c.GraceMaxMultiplier <= 1 {
		c.GraceMaxMultiplier = 4
	}
	if c.GraceAbsoluteCap <= 0 {
		c.GraceAbsoluteCap = 5 * time.Second
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = 16
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 16
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 4 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 100
	}
	return c
}

// unverifiedPenalty lowers confidence when the batch engine returned an
// empty result: the streaming text stands, corrected-but-unverified.
const unverifiedPenalty = 0.8

type pendingFinal struct {
	hyp        Hypothesis
	capturedAt time.Time
}

// Reconciler decides, per finalized utterance, which engine's text to
// trust. Streaming text surfaces immediately as partial events and never
// blocks on the batch engine; finals are corrected serially so downstream
// ordering matches finalization order.
type Reconciler struct {
	streaming StreamingEngine
	streamCap Capability
	batch     BatchEngine
	batchCap  Capability
	cfg       ReconcilerConfig

	ring    *Ring
	history *History

	eventsCh   chan Event
	finalizeCh chan pendingFinal
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	hypWg      sync.WaitGroup
	flushWg    sync.WaitGroup

	mu            sync.Mutex
	pending       *pendingFinal
	timer         *time.Timer
	lastSpeechEnd time.Time
}

// NewReconciler wires the two engines. Either capability may be
// unavailable; the reconciler degrades rather than failing.
func NewReconciler(streaming StreamingEngine, streamCap Capability, batch BatchEngine, batchCap Capability, cfg ReconcilerConfig) *Reconciler {
	cfg = cfg.withDefaults()
	return &Reconciler{
		streaming:  streaming,
		streamCap:  streamCap,
		batch:      batch,
		batchCap:   batchCap,
		cfg:        cfg,
		ring:       NewRing(cfg.RingCapacity),
		history:    NewHistory(cfg.HistorySize),
		eventsCh:   make(chan Event, cfg.EventBuffer),
		finalizeCh: make(chan pendingFinal, 16),
		stopCh:     make(chan struct{}),
	}
}

// Events returns the reconciled event stream.
func (r *Reconciler) Events() <-chan Event { return r.eventsCh }

// Run starts the hypothesis and finalize loops.
func (r *Reconciler) Run(ctx context.Context) {
	r.wg.Add(1)
	go r.finalizeLoop(ctx)

	if r.streamCap.Available {
		r.hypWg.Add(1)
		go r.hypothesisLoop(ctx)
	}
}

// FeedFrame pushes voiced audio into the rolling buffer and the streaming
// engine. Never blocks on the batch engine.
func (r *Reconciler) FeedFrame(ctx context.Context, samples []float32) {
	r.ring.Push(samples)
	if r.streamCap.Available {
		if err := r.streaming.Feed(ctx, samples); err != nil {
			trace.Logger(ctx).Debug("streaming feed error", "error", err)
		}
	}
}

// SegmentEnd signals that voice activity stopped. When the streaming
// engine is unavailable this is the only finalization trigger: the batch
// engine transcribes the buffered span directly.
func (r *Reconciler) SegmentEnd(ctx context.Context) {
	r.mu.Lock()
	r.lastSpeechEnd = time.Now()
	r.mu.Unlock()

	if r.streamCap.Available {
		return
	}
	select {
	case r.finalizeCh <- pendingFinal{capturedAt: time.Now()}:
	case <-r.stopCh:
	}
}

func (r *Reconciler) hypothesisLoop(ctx context.Context) {
	defer r.hypWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case h, ok := <-r.streaming.Hypotheses():
			if !ok {
				return
			}
			if h.Final {
				r.scheduleFinalize(h)
			} else {
				r.emit(Event{Type: EventPartial, Utterance: Utterance{
					Text:       h.Text,
					Source:     SourceStreaming,
					Confidence: h.Confidence,
					CapturedAt: time.Now(),
				}})
			}
		}
	}
}

// scheduleFinalize withholds a final hypothesis for a grace period. A
// question gets extra patience: misheard proper nouns in "who is X"
// queries are the most expensive mistake, and cutting the user off early
// guarantees one. Consecutive finals arriving within the grace window are
// merged into one utterance.
func (r *Reconciler) scheduleFinalize(h Hypothesis) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending != nil {
		if r.timer != nil {
			r.timer.Stop()
		}
		merged := r.pending.hyp
		merged.Text = merged.Text + " " + h.Text
		if h.Confidence < merged.Confidence {
			merged.Confidence = h.Confidence
		}
		r.pending.hyp = merged
	} else {
		r.pending = &pendingFinal{hyp: h, capturedAt: time.Now()}
		r.flushWg.Add(1)
	}

	delay := r.cfg.BaseFinalizeDelay
	if classify.IsInterrogative(r.pending.hyp.Text) {
		delay = Grace(GraceConfig{
			Base:          r.cfg.BaseFinalizeDelay,
			Min:           r.cfg.QuestionGraceMin,
			Max:           r.cfg.QuestionGraceMax,
			MaxMultiplier: r.cfg.GraceMaxMultiplier,
			AbsoluteCap:   r.cfg.GraceAbsoluteCap,
		}, r.history.Samples())
	}

	r.timer = time.AfterFunc(delay, r.fireFinalize)
}

func (r *Reconciler) fireFinalize() {
	r.mu.Lock()
	p := r.pending
	r.pending = nil
	r.timer = nil
	pause := time.Duration(0)
	if !r.lastSpeechEnd.IsZero() {
		pause = time.Since(r.lastSpeechEnd)
	}
	r.mu.Unlock()

	if p == nil {
		return
	}
	r.history.Add(PauseSample{Pause: pause, Confidence: p.hyp.Confidence})

	// A backed-up correction queue delays finals; it never discards them.
	r.finalizeCh <- *p
	r.flushWg.Done()
}

func (r *Reconciler) finalizeLoop(ctx context.Context) {
	defer r.wg.Done()
	defer close(r.eventsCh)
	for {
		select {
		case p := <-r.finalizeCh:
			if u, ok := r.correct(ctx, p); ok {
				r.emitFinal(u)
			}
		case <-r.stopCh:
			// Flush already-queued finals before exiting.
			for {
				select {
				case p := <-r.finalizeCh:
					if u, ok := r.correct(ctx, p); ok {
						r.emitFinal(u)
					}
				default:
					return
				}
			}
		}
	}
}

// correct applies the reconciliation policy: the batch result replaces the
// streaming text only when its confidence clears the threshold.
func (r *Reconciler) correct(ctx context.Context, p pendingFinal) (Utterance, bool) {
	ctx, span := trace.StartSpan(ctx, "reconcile_utterance")
	defer span.End()
	log := trace.Logger(ctx)

	u := Utterance{
		Text:       p.hyp.Text,
		Source:     SourceStreaming,
		Final:      true,
		Confidence: p.hyp.Confidence,
		CapturedAt: p.capturedAt,
	}

	if !r.batchCap.Available || r.batch == nil {
		return u, u.Text != ""
	}

	window := r.ring.Snapshot()
	if len(window) == 0 {
		return u, u.Text != ""
	}

	bctx, cancel := context.WithTimeout(ctx, r.cfg.BatchTimeout)
	defer cancel()

	res, err := r.batch.Transcribe(bctx, window, r.cfg.SampleRate)
	r.ring.Reset()

	switch {
	case err != nil:
		// Batch failure is recoverable: the streaming text stands.
		span.SetAttr("error", err.Error())
		log.Debug("batch transcription failed, keeping streaming text", "error", err)
		return u, u.Text != ""
	case res.Empty():
		// Corrected-but-unverified, not a failure.
		u.Confidence *= unverifiedPenalty
		log.Debug("batch returned empty result, lowering confidence", "confidence", u.Confidence)
		return u, u.Text != ""
	case res.Confidence() >= r.cfg.CorrectiveThreshold:
		span.SetAttr("replaced", true)
		u.Text = res.Text
		u.Source = SourceCorrected
		u.Confidence = res.Confidence()
		return u, true
	default:
		// Correction too uncertain; prefer what the user saw live.
		// With no streaming text at all (streaming engine down), a weak
		// correction still beats nothing.
		if u.Text == "" {
			u.Text = res.Text
			u.Source = SourceCorrected
			u.Confidence = res.Confidence()
		}
		return u, u.Text != ""
	}
}

func (r *Reconciler) emitFinal(u Utterance) {
	r.eventsCh <- Event{Type: EventFinal, Utterance: u}
}

// emit delivers partial events best-effort; live feedback may drop.
func (r *Reconciler) emit(e Event) {
	select {
	case r.eventsCh <- e:
	default:
	}
}

// Stop flushes any withheld utterance, then shuts the loops down. A quote
// captured just before session end is finalized, not dropped.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		// Closing the streaming engine ends the hypothesis stream; once
		// the loop exits no new finals can be scheduled.
		if r.streamCap.Available {
			_ = r.streaming.Close()
		}
		r.hypWg.Wait()

		r.mu.Lock()
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
		p := r.pending
		r.pending = nil
		r.mu.Unlock()

		if p != nil {
			r.finalizeCh <- *p
			r.flushWg.Done()
		}
		// Every fired timer has handed its final to the queue.
		r.flushWg.Wait()

		close(r.stopCh)
		r.wg.Wait()
	})
}
