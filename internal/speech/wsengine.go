package speech

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/booklistener/companion/internal/errors"
)

// wsResult is the streaming recognizer's wire format: servers in the
// vosk-server family send {"partial": ...} while decoding and
// {"text": ..., "confidence": ...} when a span is final.
type wsResult struct {
	Partial    string  `json:"partial,omitempty"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// WSStreamingEngine is a streaming recognizer client over WebSocket.
// Binary PCM goes up; partial and final hypotheses come down.
type WSStreamingEngine struct {
	addr  string
	hypCh chan Hypothesis

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewWSStreamingEngine creates a client for the given ws:// address.
func NewWSStreamingEngine(addr string) *WSStreamingEngine {
	return &WSStreamingEngine{
		addr:  addr,
		hypCh: make(chan Hypothesis, 32),
	}
}

// Connect dials the recognizer and resolves its capability once. On
// failure the engine is Unavailable for the whole session; callers fall
// back to the batch engine.
func (e *WSStreamingEngine) Connect(ctx context.Context) Capability {
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, e.addr, nil)
	if err != nil {
		slog.Warn("streaming engine unavailable", "addr", e.addr, "error", err)
		return Unavailable(err.Error())
	}
	conn.SetReadLimit(1 << 20)

	readCtx, readCancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.conn = conn
	e.cancel = readCancel
	e.mu.Unlock()

	go e.readLoop(readCtx, conn)
	slog.Info("streaming engine connected", "addr", e.addr)
	return Available()
}

func (e *WSStreamingEngine) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(e.hypCh)
	for {
		var res wsResult
		if err := wsjson.Read(ctx, conn, &res); err != nil {
			slog.Debug("streaming engine read ended", "error", err)
			return
		}

		// The send must stay cancelable: after Close nobody drains the
		// channel, and a bare send would pin this goroutine forever.
		switch {
		case res.Text != "":
			select {
			case e.hypCh <- Hypothesis{Text: res.Text, Confidence: res.Confidence, Final: true}:
			case <-ctx.Done():
				return
			}
		case res.Partial != "":
			select {
			case e.hypCh <- Hypothesis{Text: res.Partial, Final: false}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Feed sends one frame of audio.
func (e *WSStreamingEngine) Feed(ctx context.Context, samples []float32) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return errors.New(errors.CodeEngineUnavailable, "streaming engine not connected")
	}

	if err := conn.Write(ctx, websocket.MessageBinary, Float32ToPCM16(samples)); err != nil {
		return errors.Wrap(err, errors.CodeEngineUnavailable, "streaming feed failed")
	}
	return nil
}

// Hypotheses returns the result stream. Closed when the connection ends.
func (e *WSStreamingEngine) Hypotheses() <-chan Hypothesis { return e.hypCh }

// Close tears the connection down.
func (e *WSStreamingEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	e.cancel()
	err := e.conn.Close(websocket.StatusNormalClosure, "session ended")
	e.conn = nil
	return err
}
