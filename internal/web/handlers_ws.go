package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/ptydeck/internal/agent"
	"github.com/asheshgoplani/ptydeck/internal/pty"
)

type wsClientMessage struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	TraceID string `json:"traceId,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
}

type wsServerMessage struct {
	Type       string      `json:"type"` // status, error
	Event      string      `json:"event,omitempty"`
	Code       string      `json:"code,omitempty"`
	Message    string      `json:"message,omitempty"`
	SessionID  string      `json:"sessionId,omitempty"`
	Kind       agent.Kind  `json:"kind,omitempty"`
	AgentState agent.State `json:"agentState,omitempty"`
	ExitCode   *int        `json:"exitCode,omitempty"`
	ReadOnly   bool        `json:"readOnly,omitempty"`
	Time       time.Time   `json:"time"`
}

// errWSDone ends the connection's errgroup so the sibling pump stops too.
var errWSDone = errors.New("websocket done")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}

	return strings.EqualFold(originURL.Host, r.Host)
}

// handleSessionWS attaches a websocket to a live session. Output arrives as
// binary frames; the client sends JSON input, resize and ping messages.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.guard(w, r, false) {
		return
	}

	const prefix = "/ws/session/"
	sessionID := strings.TrimPrefix(r.URL.Path, prefix)
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
		return
	}

	info, found := s.manager.Get(sessionID)
	if !found {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Attach before announcing so no output is lost between the two.
	client, detach := s.hub.Subscribe(sessionID)
	defer detach()

	writer := newWSConnWriter(conn)
	_ = writer.WriteJSON(wsServerMessage{
		Type:       "status",
		Event:      "connected",
		SessionID:  sessionID,
		Kind:       info.Kind,
		AgentState: info.AgentState,
		ReadOnly:   s.cfg.ReadOnly,
		Time:       time.Now().UTC(),
	})

	// A session that exited between Get and Subscribe never sends an exit frame.
	if !s.manager.Has(sessionID) {
		s.sendExited(writer, sessionID, nil)
		return
	}

	limiter := rate.NewLimiter(rate.Limit(s.cfg.InputRate), s.cfg.InputBurst)

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return s.pumpOutput(ctx, writer, client) })
	g.Go(func() error { return s.readInput(conn, writer, sessionID, limiter) })
	g.Go(func() error {
		<-ctx.Done()
		// Unblocks ReadMessage.
		_ = conn.Close()
		return nil
	})
	_ = g.Wait()
}

func (s *Server) pumpOutput(ctx context.Context, writer *wsConnWriter, client *hubClient) error {
	for {
		select {
		case <-ctx.Done():
			return errWSDone
		case frame, ok := <-client.frames:
			if !ok {
				// Dropped as a slow consumer.
				_ = writer.WriteJSON(wsServerMessage{
					Type:      "error",
					Code:      "SLOW_CONSUMER",
					Message:   "output queue overflowed",
					SessionID: client.sessionID,
					Time:      time.Now().UTC(),
				})
				writer.WriteClose(websocket.CloseTryAgainLater, "slow consumer")
				return errWSDone
			}
			if frame.exited {
				code := frame.code
				s.sendExited(writer, client.sessionID, &code)
				return errWSDone
			}
			if err := writer.WriteBinary(frame.data); err != nil {
				return errWSDone
			}
		}
	}
}

func (s *Server) sendExited(writer *wsConnWriter, sessionID string, code *int) {
	_ = writer.WriteJSON(wsServerMessage{
		Type:      "status",
		Event:     "exited",
		SessionID: sessionID,
		ExitCode:  code,
		Time:      time.Now().UTC(),
	})
	writer.WriteClose(websocket.CloseNormalClosure, "session exited")
}

func (s *Server) readInput(conn *websocket.Conn, writer *wsConnWriter, sessionID string, limiter *rate.Limiter) error {
	sendError := func(code, message string) {
		_ = writer.WriteJSON(wsServerMessage{
			Type:      "error",
			Code:      code,
			Message:   message,
			SessionID: sessionID,
			Time:      time.Now().UTC(),
		})
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
			}
			return errWSDone
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			sendError("INVALID_MESSAGE", "invalid json payload")
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{
				Type:      "status",
				Event:     "pong",
				SessionID: sessionID,
				Time:      time.Now().UTC(),
			})
		case "input":
			if s.cfg.ReadOnly {
				sendError("READ_ONLY", "input is disabled in read-only mode")
				continue
			}
			if !limiter.Allow() {
				sendError("RATE_LIMITED", "input rate exceeded")
				continue
			}
			if msg.Data == "" {
				continue
			}
			if err := s.manager.WriteTraced(sessionID, []byte(msg.Data), msg.TraceID); err != nil {
				if errors.Is(err, pty.ErrUnknownSession) {
					sendError("SESSION_GONE", "session is no longer running")
					continue
				}
				sendError("INPUT_WRITE_FAILED", "failed to send input to terminal")
			}
		case "resize":
			if s.cfg.ReadOnly {
				sendError("READ_ONLY", "resize is disabled in read-only mode")
				continue
			}
			if err := s.manager.Resize(sessionID, msg.Cols, msg.Rows); err != nil {
				sendError("RESIZE_FAILED", "failed to resize terminal")
			}
		default:
			sendError("UNSUPPORTED_MESSAGE", "supported message types: ping,input,resize")
		}
	}
}
