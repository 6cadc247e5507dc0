package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"

	"github.com/booklistener/companion/internal/config"
	"github.com/booklistener/companion/internal/pipeline"
	"github.com/booklistener/companion/internal/trace"
)

// Session is one listening session. pipeline.Manager is the production
// implementation; sessions are single-use, so the server holds a factory.
type Session interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan pipeline.Event
	Summary() pipeline.Summary
	Level() float64
	Running() bool
}

// Message is an inbound WebSocket request.
type Message struct {
	Type string `json:"type"`
}

// EventMessage wraps a pipeline event for broadcast.
type EventMessage struct {
	Type  string         `json:"type"`
	Event pipeline.Event `json:"event"`
}

// SummaryMessage answers an inbound summary request.
type SummaryMessage struct {
	Type    string           `json:"type"`
	Summary pipeline.Summary `json:"summary"`
}

// ErrorMessage reports a rejected or failed request.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	newSession func() (Session, error)
	limit      rate.Limit
	burst      int

	mu      sync.RWMutex
	session Session
	conns   map[*websocket.Conn]*rate.Limiter
}

// New creates a server. newSession builds a fresh session per start
// request.
func New(newSession func() (Session, error), cfg config.ServerConfig) *Server {
	limit := rate.Limit(cfg.RateLimitPerSec)
	if limit <= 0 {
		limit = DefaultRateLimitPerSec
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = DefaultRateLimitBurst
	}
	return &Server{
		newSession: newSession,
		limit:      limit,
		burst:      burst,
		conns:      make(map[*websocket.Conn]*rate.Limiter),
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("POST /api/session/start", s.handleSessionStart)
	mux.HandleFunc("POST /api/session/stop", s.handleSessionStop)
	mux.HandleFunc("GET /api/session/summary", s.handleSummary)
	mux.HandleFunc("GET /api/level", s.handleLevel)

	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	log := trace.Logger(r.Context())

	s.mu.Lock()
	if s.session != nil && s.session.Running() {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session already running"})
		return
	}

	session, err := s.newSession()
	if err != nil {
		s.mu.Unlock()
		log.Error("session construction failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	// The session outlives the start request.
	if err := session.Start(context.WithoutCancel(r.Context())); err != nil {
		s.mu.Unlock()
		log.Error("session start failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	s.session = session
	s.mu.Unlock()

	go s.broadcast(session.Events())

	log.Info("session started")
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()

	if session == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no session"})
		return
	}

	session.Stop()
	trace.Logger(r.Context()).Info("session stopped")
	writeJSON(w, http.StatusOK, session.Summary())
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	session := s.session
	s.mu.RUnlock()

	if session == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no session"})
		return
	}
	writeJSON(w, http.StatusOK, session.Summary())
}

func (s *Server) handleLevel(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	session := s.session
	s.mu.RUnlock()

	level := 0.0
	if session != nil {
		level = session.Level()
	}
	writeJSON(w, http.StatusOK, map[string]float64{"level": level})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := trace.Logger(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error("websocket accept error", "error", err)
		return
	}
	conn.SetReadLimit(readLimit)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = rate.NewLimiter(s.limit, s.burst)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	log.Info("websocket connected", "remote", r.RemoteAddr)
	ctx := r.Context()

	for {
		var msg json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			log.Debug("websocket read ended", "error", err)
			return
		}

		s.mu.RLock()
		limiter := s.conns[conn]
		s.mu.RUnlock()
		if limiter != nil && !limiter.Allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = wsjson.Write(ctx, conn, ErrorMessage{Type: "error", Message: "rate limit exceeded"})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		switch base.Type {
		case "summary":
			s.mu.RLock()
			session := s.session
			s.mu.RUnlock()
			if session != nil {
				_ = wsjson.Write(ctx, conn, SummaryMessage{Type: "summary", Summary: session.Summary()})
			}
		}
	}
}

// broadcast forwards session events to every connected client. Runs until
// the session's event stream closes.
func (s *Server) broadcast(events <-chan pipeline.Event) {
	for e := range events {
		msg := EventMessage{Type: "event", Event: e}

		s.mu.RLock()
		conns := make([]*websocket.Conn, 0, len(s.conns))
		for conn := range s.conns {
			conns = append(conns, conn)
		}
		s.mu.RUnlock()

		for _, conn := range conns {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				_ = conn.Close(websocket.StatusPolicyViolation, "write timeout")
			}
			cancel()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
