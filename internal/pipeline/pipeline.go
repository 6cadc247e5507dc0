// Package pipeline coordinates capture, transcription, classification,
// memory, and answering for one listening session.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/booklistener/companion/internal/answer"
	"github.com/booklistener/companion/internal/audio"
	"github.com/booklistener/companion/internal/classify"
	"github.com/booklistener/companion/internal/config"
	"github.com/booklistener/companion/internal/dedupe"
	"github.com/booklistener/companion/internal/library"
	"github.com/booklistener/companion/internal/memory"
	"github.com/booklistener/companion/internal/speech"
	"github.com/booklistener/companion/internal/trace"
)

// EventType tags pipeline events for UI and storage consumers.
type EventType string

const (
	// EventPartial is live in-progress text. Best-effort delivery.
	EventPartial EventType = "partial"
	// EventUtterance is a finalized, classified utterance.
	EventUtterance EventType = "utterance"
	// EventAnswer carries a response to a question, instant then merged.
	EventAnswer EventType = "answer"
	// EventBookSwitch reports a reading-context change.
	EventBookSwitch EventType = "book_switch"
)

// Event is one pipeline output.
type Event struct {
	Type         EventType            `json:"type"`
	Text         string               `json:"text,omitempty"`
	Source       string               `json:"source,omitempty"`
	Confidence   float64              `json:"confidence,omitempty"`
	ContentType  classify.ContentType `json:"content_type,omitempty"`
	Entities     []string             `json:"entities,omitempty"`
	Answer       string               `json:"answer,omitempty"`
	AnswerSource string               `json:"answer_source,omitempty"`
	Phase        string               `json:"phase,omitempty"`
	Book         library.Book         `json:"book,omitzero"`
	Timestamp    time.Time            `json:"timestamp"`
}

// Summary describes a finished or in-progress session.
type Summary struct {
	StartedAt   time.Time                    `json:"started_at"`
	Duration    time.Duration                `json:"duration"`
	Utterances  int                          `json:"utterances"`
	Counts      map[classify.ContentType]int `json:"counts"`
	TopEntities []string                     `json:"top_entities"`
	Book        library.Book                 `json:"book,omitzero"`
}

// StoredItem is what the pipeline hands to durable storage. The pipeline
// never reads items back.
type StoredItem struct {
	Text       string
	Type       classify.ContentType
	Answer     string
	Book       library.Book
	CapturedAt time.Time
}

// StorageSink accepts finalized content. Write failures are logged and
// never block the live pipeline.
type StorageSink interface {
	Store(ctx context.Context, item StoredItem) error
}

// FrameSource abstracts the audio frontend so sessions can run against
// captured or synthetic audio.
type FrameSource interface {
	Start(ctx context.Context) error
	Output() <-chan audio.Frame
	Stop()
}

// Manager runs one listening session end to end.
type Manager struct {
	cfg        *config.Config
	source     FrameSource
	detector   *audio.Detector
	level      *audio.LevelMeter
	rec        *speech.Reconciler
	suppressor *dedupe.Suppressor
	books      *library.Provider
	mem        *memory.Log
	orc        *answer.Orchestrator
	sink       StorageSink

	eventsCh chan Event
	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc

	loopWg sync.WaitGroup
	taskWg sync.WaitGroup

	// segmentation state, owned by the frame loop
	speaking      bool
	silenceFrames int
	speechFrames  int

	mu        sync.Mutex
	startedAt time.Time
	counts    map[classify.ContentType]int
	running   bool
}

// New wires a session manager. The sink may be nil when no durable
// storage is attached.
func New(cfg *config.Config, source FrameSource, rec *speech.Reconciler, books *library.Provider, mem *memory.Log, orc *answer.Orchestrator, sink StorageSink) *Manager {
	return &Manager{
		cfg:    cfg,
		source: source,
		detector: audio.NewDetector(audio.DetectorConfig{
			NoiseFloor:     cfg.Audio.NoiseFloor,
			AmplitudeDecay: cfg.Audio.AmplitudeDecay,
			RMSWindow:      cfg.Audio.RMSWindow,
			ZCRMin:         cfg.Audio.ZCRMin,
			ZCRMax:         cfg.Audio.ZCRMax,
			SpectralVarMin: cfg.Audio.SpectralVarMin,
		}),
		level:      &audio.LevelMeter{},
		rec:        rec,
		suppressor: dedupe.New(cfg.Dedupe.Window, cfg.Dedupe.MaxEntries),
		books:      books,
		mem:        mem,
		orc:        orc,
		sink:       sink,
		eventsCh:   make(chan Event, cfg.Server.EventBufferSize),
		stopCh:     make(chan struct{}),
		counts:     make(map[classify.ContentType]int),
	}
}

// Events returns the session event stream. Closed after Stop.
func (m *Manager) Events() <-chan Event { return m.eventsCh }

// Level returns the current audio level for UI meters.
func (m *Manager) Level() float64 { return m.level.Level() }

// Start begins the session. Capture-device failure is fatal and returned;
// everything downstream degrades instead of failing.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	if err := m.source.Start(runCtx); err != nil {
		cancel()
		return err
	}

	m.mu.Lock()
	m.cancel = cancel
	m.startedAt = time.Now()
	m.running = true
	m.mu.Unlock()

	m.rec.Run(runCtx)

	m.loopWg.Add(2)
	go m.frameLoop(runCtx)
	go m.finalLoop(runCtx)

	trace.Logger(runCtx).Info("session started")
	return nil
}

// frameLoop scores frames for voice activity and feeds voiced spans to the
// reconciler. It never blocks on an engine.
func (m *Manager) frameLoop(ctx context.Context) {
	defer m.loopWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case frame := <-m.source.Output():
			m.processFrame(ctx, frame)
		}
	}
}

func (m *Manager) processFrame(ctx context.Context, frame audio.Frame) {
	sig := m.detector.Process(frame.Samples)
	m.level.Update(sig.RMS * 8) // scaled so normal speech reads mid-meter

	switch {
	case sig.HasVoice:
		m.speaking = true
		m.silenceFrames = 0
		m.speechFrames++
		m.rec.FeedFrame(ctx, frame.Samples)
	case m.speaking:
		// Trailing silence still belongs to the span until the segment
		// boundary is certain.
		m.silenceFrames++
		m.rec.FeedFrame(ctx, frame.Samples)

		if m.silenceFrames > m.cfg.Audio.MaxSilenceFrames {
			m.speaking = false
			minFrames := int(m.cfg.Audio.MinSpeechSec * float64(m.cfg.Audio.SampleRate) / float64(m.cfg.Audio.FrameSize))
			if m.speechFrames >= minFrames {
				m.rec.SegmentEnd(ctx)
			}
			m.speechFrames = 0
			m.silenceFrames = 0
		}
	}
}

// finalLoop consumes reconciled events serially, so memory inserts are
// ordered by finalization time regardless of how long answers take.
func (m *Manager) finalLoop(ctx context.Context) {
	defer m.loopWg.Done()
	for e := range m.rec.Events() {
		switch e.Type {
		case speech.EventPartial:
			m.emit(Event{
				Type:       EventPartial,
				Text:       e.Utterance.Text,
				Source:     string(e.Utterance.Source),
				Confidence: e.Utterance.Confidence,
				Timestamp:  e.Utterance.CapturedAt,
			})
		case speech.EventFinal:
			m.handleFinal(ctx, e.Utterance)
		}
	}
}

func (m *Manager) handleFinal(ctx context.Context, u speech.Utterance) {
	ctx, span := trace.StartSpan(ctx, "handle_utterance")
	defer span.End()
	log := trace.Logger(ctx)

	if book, switched := m.books.Observe(u.Text); switched {
		m.emit(Event{Type: EventBookSwitch, Text: u.Text, Book: book, Timestamp: u.CapturedAt})
	}
	u.Book = m.books.Current()

	recent := m.mem.RecentContext(5)
	cls := classify.Classify(u.Text, recent)
	span.SetAttr("content_type", string(cls.Type))

	// Duplicates are advisory: explicit saves go through regardless.
	if !m.suppressor.ShouldProcess(u.Text) && cls.Type != classify.TypeNote && cls.Type != classify.TypeQuote {
		log.Debug("suppressed duplicate utterance", "text", u.Text)
		return
	}

	entry := m.mem.Insert(memory.Entry{
		Timestamp:  u.CapturedAt,
		Text:       u.Text,
		Intent:     cls.Type,
		Book:       u.Book,
		Entities:   classify.Names(cls.Entities),
		Confidence: cls.Confidence,
	})

	m.mu.Lock()
	m.counts[cls.Type]++
	m.mu.Unlock()

	m.emit(Event{
		Type:        EventUtterance,
		Text:        u.Text,
		Source:      string(u.Source),
		Confidence:  u.Confidence,
		ContentType: cls.Type,
		Entities:    classify.Names(cls.Entities),
		Book:        u.Book,
		Timestamp:   u.CapturedAt,
	})

	m.store(ctx, StoredItem{
		Text:       u.Text,
		Type:       cls.Type,
		Book:       u.Book,
		CapturedAt: u.CapturedAt,
	})

	if cls.Type == classify.TypeQuestion {
		m.taskWg.Add(1)
		go m.answerQuestion(ctx, u, entry.ID, recent)
	}
}

// answerQuestion runs off the final loop so a slow cloud answer never
// stalls the next utterance.
func (m *Manager) answerQuestion(ctx context.Context, u speech.Utterance, entryID, recent string) {
	defer m.taskWg.Done()

	q := answer.Query{Question: u.Text, Book: u.Book, RecentContext: recent}
	ans := m.orc.Ask(ctx, q, func(instant answer.Answer) {
		m.emit(Event{
			Type:         EventAnswer,
			Text:         u.Text,
			Answer:       instant.Text,
			AnswerSource: string(instant.Source),
			Phase:        "instant",
			Book:         u.Book,
			Timestamp:    time.Now(),
		})
	})

	m.mem.AttachResponse(entryID, ans.Text)
	m.emit(Event{
		Type:         EventAnswer,
		Text:         u.Text,
		Answer:       ans.Text,
		AnswerSource: string(ans.Source),
		Phase:        "merged",
		Book:         u.Book,
		Timestamp:    time.Now(),
	})

	m.store(ctx, StoredItem{
		Text:       u.Text,
		Type:       classify.TypeQuestion,
		Answer:     ans.Text,
		Book:       u.Book,
		CapturedAt: u.CapturedAt,
	})
}

// store hands an item to durable storage without blocking the pipeline.
func (m *Manager) store(ctx context.Context, item StoredItem) {
	if m.sink == nil {
		return
	}
	m.taskWg.Add(1)
	go func() {
		defer m.taskWg.Done()
		if err := m.sink.Store(ctx, item); err != nil {
			trace.Logger(ctx).Warn("storage write failed", "error", err, "type", item.Type)
		}
	}()
}

// emit delivers an event best-effort; a slow consumer drops events rather
// than stalling transcription.
func (m *Manager) emit(e Event) {
	select {
	case m.eventsCh <- e:
	default:
		slog.Debug("event buffer full, dropping event", "type", e.Type)
	}
}

// Summary reports session statistics. Valid during and after the session.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[classify.ContentType]int, len(m.counts))
	total := 0
	for k, v := range m.counts {
		counts[k] = v
		total += v
	}

	s := Summary{
		StartedAt:   m.startedAt,
		Utterances:  total,
		Counts:      counts,
		TopEntities: m.mem.TopEntities(5),
		Book:        m.books.Current(),
	}
	if !m.startedAt.IsZero() {
		s.Duration = time.Since(m.startedAt)
	}
	return s
}

// Running reports whether the session is live.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Stop shuts the session down, flushing decided content before canceling
// outstanding work. A quote captured just before session end is stored,
// not dropped.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		started := m.cancel != nil
		m.mu.Unlock()
		if !started {
			close(m.eventsCh)
			return
		}

		m.source.Stop()
		close(m.stopCh)

		// Flush withheld finals and let the final loop drain them.
		m.rec.Stop()
		m.loopWg.Wait()

		// Give in-flight answers and writes a bounded window, then cancel.
		done := make(chan struct{})
		go func() {
			m.taskWg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(m.cfg.Session.FlushTimeout):
			m.cancel()
			<-done
		}
		m.cancel()

		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(m.eventsCh)
	})
}
