// Package audio owns microphone capture and per-frame voice activity scoring.
package audio

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/booklistener/companion/internal/errors"
)

// Frame is a fixed-length block of mono PCM samples. Frames are owned by
// the frontend until consumed; they are never persisted.
type Frame struct {
	Samples   []float32
	Timestamp time.Time
}

// Capturer captures mono audio from the default input device.
type Capturer struct {
	outCh      chan Frame
	sampleRate int
	frameSize  int

	mu      sync.Mutex
	stream  *portaudio.Stream
	cancel  context.CancelFunc
	running bool
}

// NewCapturer creates an audio capturer. Initialization of the audio
// host happens at Start so construction never touches the device.
func NewCapturer(sampleRate, frameSize, bufferSize int) *Capturer {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	if bufferSize <= 0 {
		bufferSize = DefaultChannelBuffer
	}
	return &Capturer{
		outCh:      make(chan Frame, bufferSize),
		sampleRate: sampleRate,
		frameSize:  frameSize,
	}
}

// Output returns the channel for receiving audio frames.
func (c *Capturer) Output() <-chan Frame { return c.outCh }

// Start begins continuous capture. Idempotent while already running.
// Returns a DEVICE_UNAVAILABLE error if the device cannot be opened;
// no frames are emitted in that case.
func (c *Capturer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return errors.Wrap(err, errors.CodeDeviceUnavailable, "audio host init failed")
	}

	buf := make([]float32, c.frameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(c.sampleRate), c.frameSize, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return errors.Wrap(err, errors.CodeDeviceUnavailable, "cannot open input device")
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return errors.Wrap(err, errors.CodeDeviceUnavailable, "cannot start input stream")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.stream = stream
	c.cancel = cancel
	c.running = true

	go c.readLoop(runCtx, stream, buf)

	slog.Info("audio capture started", "sample_rate", c.sampleRate, "frame_size", c.frameSize)
	return nil
}

func (c *Capturer) readLoop(ctx context.Context, stream *portaudio.Stream, buf []float32) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := stream.Read(); err != nil {
			slog.Debug("audio read error", "error", err)
			return
		}

		frame := Frame{
			Samples:   append([]float32(nil), buf...),
			Timestamp: time.Now(),
		}

		select {
		case c.outCh <- frame:
		default:
			slog.Debug("frame buffer full, dropping frame")
		}
	}
}

// Stop releases the capture device and cancels pending frame delivery.
// Safe to call when not running.
func (c *Capturer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}

	c.cancel()
	_ = c.stream.Stop()
	_ = c.stream.Close()
	c.stream = nil
	c.running = false
	_ = portaudio.Terminate()

	slog.Info("audio capture stopped")
}

// Running reports whether capture is active.
func (c *Capturer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
