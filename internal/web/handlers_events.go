package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/ptydeck/internal/eventbuffer"
	"github.com/asheshgoplani/ptydeck/internal/events"
	"github.com/asheshgoplani/ptydeck/internal/logging"
)

var (
	eventStreamHeartbeatInterval = 15 * time.Second
	eventStreamQueueSize         = 256
)

type eventsResponse struct {
	Events   []eventbuffer.Record `json:"events"`
	Count    int                  `json:"count"`
	Capacity int                  `json:"capacity"`
}

// parseFilter reads FilterOptions from query parameters. Times accept
// RFC 3339 or Unix milliseconds.
func parseFilter(q url.Values) (eventbuffer.FilterOptions, error) {
	opts := eventbuffer.FilterOptions{
		Types:      events.ParseTypes(q.Get("types")),
		AgentID:    strings.TrimSpace(q.Get("agentId")),
		TaskID:     strings.TrimSpace(q.Get("taskId")),
		WorktreeID: strings.TrimSpace(q.Get("worktreeId")),
		TraceID:    strings.TrimSpace(q.Get("traceId")),
		Search:     strings.TrimSpace(q.Get("search")),
	}
	var err error
	if opts.Since, err = parseTime(q.Get("since")); err != nil {
		return opts, fmt.Errorf("since: %w", err)
	}
	if opts.Until, err = parseTime(q.Get("until")); err != nil {
		return opts, fmt.Errorf("until: %w", err)
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("limit: invalid value %q", raw)
		}
		opts.Limit = n
	}
	return opts, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !s.guard(w, r, false) {
			return
		}
		opts, err := parseFilter(r.URL.Query())
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		records := s.buffer.Filtered(opts)
		if records == nil {
			records = []eventbuffer.Record{}
		}
		writeJSON(w, http.StatusOK, eventsResponse{
			Events:   records,
			Count:    len(records),
			Capacity: s.buffer.Capacity(),
		})

	case http.MethodDelete:
		if !s.guard(w, r, true) {
			return
		}
		s.buffer.Clear()
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

// handleEventStream sends matching history (when since is given) followed by
// every new record as server-sent events named after the event type.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.guard(w, r, false) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	opts, err := parseFilter(r.URL.Query())
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	live := opts
	live.Since, live.Until, live.Limit = time.Time{}, time.Time{}, 0

	// Subscribe before reading history so nothing falls in the gap.
	queue := make(chan eventbuffer.Record, eventStreamQueueSize)
	overflow := make(chan struct{})
	var (
		overflowed   atomic.Bool
		overflowOnce sync.Once
	)
	unsubscribe := s.buffer.OnRecord(func(rec eventbuffer.Record) {
		if overflowed.Load() {
			return
		}
		if len(eventbuffer.Filter([]eventbuffer.Record{rec}, live)) == 0 {
			return
		}
		select {
		case queue <- rec:
		default:
			overflowed.Store(true)
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSEComment(w, flusher, "connected"); err != nil {
		return
	}

	var lastID string
	replayed := make(map[string]bool)
	if !opts.Since.IsZero() {
		for _, rec := range s.buffer.Filtered(opts) {
			if err := writeSSERecord(w, flusher, rec); err != nil {
				return
			}
			replayed[rec.ID] = true
			lastID = rec.ID
		}
	}

	heartbeat := time.NewTicker(eventStreamHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := writeSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		case <-overflow:
			logging.Aggregate(logging.CompWeb, "event_stream_overflow")
			_ = writeSSEEvent(w, flusher, "overflow", map[string]string{"lastId": lastID})
			return
		case rec := <-queue:
			if replayed[rec.ID] {
				continue
			}
			if err := writeSSERecord(w, flusher, rec); err != nil {
				webLog.Debug("event_stream_closed", slog.String("error", err.Error()))
				return
			}
			lastID = rec.ID
		}
	}
}

func writeSSERecord(w http.ResponseWriter, flusher http.Flusher, rec eventbuffer.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", rec.ID, rec.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
