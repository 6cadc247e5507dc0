// Companion server - ambient reading assistant: listens, transcribes,
// classifies, and answers questions over HTTP/WebSocket.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/booklistener/companion/internal/answer"
	"github.com/booklistener/companion/internal/audio"
	"github.com/booklistener/companion/internal/cache"
	"github.com/booklistener/companion/internal/config"
	"github.com/booklistener/companion/internal/library"
	"github.com/booklistener/companion/internal/memory"
	"github.com/booklistener/companion/internal/pipeline"
	"github.com/booklistener/companion/internal/server"
	"github.com/booklistener/companion/internal/speech"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := cache.New(cache.Config{
		MemoryEntries: cfg.Cache.MemoryEntries,
		MemoryBytes:   cfg.Cache.MemoryBytes,
		DiskPath:      cfg.Cache.DiskPath,
		DiskBytes:     cfg.Cache.DiskBytes,
		TTL:           cfg.Cache.TTL,
	})
	if err != nil {
		slog.Error("failed to open answer cache", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	// Inference engines: capability resolved once at startup, not
	// re-probed per call.
	local := answer.NewLocalClient(answer.LocalConfig{
		BaseURL: cfg.Answer.LocalURL,
		Model:   cfg.Answer.LocalModel,
		Timeout: cfg.Answer.LocalTimeout,
	})
	probeCtx, probeCancel := context.WithTimeout(ctx, 3*time.Second)
	localCap := local.Probe(probeCtx)
	probeCancel()
	if !localCap.Available {
		slog.Warn("local model unavailable, cloud only", "reason", localCap.Reason)
	}

	cloud := answer.NewCloudClient(answer.CloudConfig{
		URL:     cfg.Answer.CloudURL,
		Model:   cfg.Answer.CloudModel,
		APIKey:  cfg.Answer.CloudAPIKey,
		Timeout: cfg.Answer.CloudTimeout,
	})

	orc := answer.NewOrchestrator(local, localCap, cloud, store, answer.Config{
		LocalTimeout: cfg.Answer.LocalTimeout,
		CloudTimeout: cfg.Answer.CloudTimeout,
	})

	// Book context and conversation memory persist across sessions.
	books := library.NewProvider()
	mem := memory.NewLog(memory.Config{
		Capacity:      cfg.Memory.Capacity,
		RelatedWindow: cfg.Memory.RelatedWindow,
		ThreadActive:  cfg.Memory.ThreadActive,
		ThreadRetire:  cfg.Memory.ThreadRetire,
	})

	sink := newFileSink("./data/captured.jsonl")

	newSession := func() (server.Session, error) {
		capturer := audio.NewCapturer(cfg.Audio.SampleRate, cfg.Audio.FrameSize, cfg.Audio.ChannelBuffer)

		streaming := speech.NewWSStreamingEngine(cfg.Speech.StreamingAddr)
		streamCap := streaming.Connect(ctx)

		batch := speech.NewHTTPBatchEngine(cfg.Speech.BatchAddr, cfg.Answer.CloudTimeout)
		batchProbe, batchCancel := context.WithTimeout(ctx, 3*time.Second)
		batchCap := batch.Probe(batchProbe)
		batchCancel()
		if !batchCap.Available {
			slog.Warn("batch engine unavailable, streaming text is authoritative", "reason", batchCap.Reason)
		}

		rec := speech.NewReconciler(streaming, streamCap, batch, batchCap, speech.ReconcilerConfig{
			SampleRate:          cfg.Audio.SampleRate,
			CorrectiveThreshold: cfg.Speech.CorrectiveThreshold,
			BaseFinalizeDelay:   cfg.Speech.BaseFinalizeDelay,
			QuestionGraceMin:    cfg.Speech.QuestionGraceMin,
			QuestionGraceMax:    cfg.Speech.QuestionGraceMax,
			GraceMaxMultiplier:  cfg.Speech.GraceMaxMultiplier,
			GraceAbsoluteCap:    cfg.Speech.GraceAbsoluteCap,
			RingCapacity:        ringFrames(cfg),
			EventBuffer:         cfg.Server.EventBufferSize,
		})

		return pipeline.New(cfg, capturer, rec, books, mem, orc, sink), nil
	}

	srv := server.New(newSession, cfg.Server)

	httpServer := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("companion server starting", "http", cfg.Server.HTTPAddr,
			"streaming", cfg.Speech.StreamingAddr, "batch", cfg.Speech.BatchAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	slog.Info("shutdown complete")
}

// ringFrames sizes the corrective audio ring so it holds WindowSec of
// frames; RingCapacity is an explicit override.
func ringFrames(cfg *config.Config) int {
	if cfg.Speech.RingCapacity > 0 {
		return cfg.Speech.RingCapacity
	}
	if cfg.Speech.WindowSec <= 0 || cfg.Audio.FrameSize <= 0 {
		return 0
	}
	return int(cfg.Speech.WindowSec * float64(cfg.Audio.SampleRate) / float64(cfg.Audio.FrameSize))
}

// fileSink appends captured content to a JSONL file. The pipeline logs
// and continues on write failure; it never blocks on storage.
type fileSink struct {
	mu   sync.Mutex
	path string
}

func newFileSink(path string) *fileSink {
	return &fileSink{path: path}
}

func (s *fileSink) Store(_ context.Context, item pipeline.StoredItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return json.NewEncoder(f).Encode(map[string]any{
		"text":        item.Text,
		"type":        item.Type,
		"answer":      item.Answer,
		"book":        item.Book,
		"captured_at": item.CapturedAt,
	})
}
