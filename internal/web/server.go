// Package web serves the session manager over HTTP: a JSON API, an SSE feed
// of the event history, and a websocket terminal per session.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/asheshgoplani/ptydeck/internal/eventbuffer"
	"github.com/asheshgoplani/ptydeck/internal/logging"
	"github.com/asheshgoplani/ptydeck/internal/pty"
)

var webLog = logging.ForComponent(logging.CompWeb)

const (
	defaultListenAddr = "127.0.0.1:8420"
	defaultInputRate  = 200
	defaultInputBurst = 50
)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	ReadOnly   bool
	Token      string
	Version    string

	Manager *pty.Manager
	Buffer  *eventbuffer.Buffer
	// Hub must be the manager's sink (or part of it) for websocket output.
	Hub *Hub

	// InputRate and InputBurst limit websocket input messages per connection.
	InputRate  float64
	InputBurst int
}

// Server wraps an HTTP server for ptydeck.
type Server struct {
	cfg        Config
	httpServer *http.Server
	manager    *pty.Manager
	buffer     *eventbuffer.Buffer
	hub        *Hub
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a server with its routes and middleware. Manager and
// Buffer are required; a nil Hub gets a fresh one that receives nothing.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.InputRate <= 0 {
		cfg.InputRate = defaultInputRate
	}
	if cfg.InputBurst <= 0 {
		cfg.InputBurst = defaultInputBurst
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub()
	}

	s := &Server{
		cfg:     cfg,
		manager: cfg.Manager,
		buffer:  cfg.Buffer,
		hub:     hub,
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionByID)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/patterns", s.handlePatterns)
	mux.HandleFunc("/events/stream", s.handleEventStream)
	mux.HandleFunc("/ws/session/", s.handleSessionWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          logging.NewStdLogger(logging.CompWeb, "http_server_error", slog.LevelWarn),
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until shutdown or error. Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("web_listening", slog.String("addr", s.cfg.ListenAddr), slog.Bool("read_only", s.cfg.ReadOnly))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	// Signal long-lived handlers (SSE/WS) to stop promptly.
	s.cancelBase()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Long-lived connections may still block graceful shutdown. Force close
	// as a fallback so Ctrl+C exits promptly.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"version":  s.cfg.Version,
		"readOnly": s.cfg.ReadOnly,
		"sessions": s.manager.Len(),
		"events":   s.buffer.Size(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, readOnly=%t)", s.cfg.ListenAddr, s.cfg.ReadOnly)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json body")
		return false
	}
	return true
}
