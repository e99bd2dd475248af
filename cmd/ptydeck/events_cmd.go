package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/ptydeck/internal/events"
)

// eventRecord mirrors a stored record with the payload left generic.
type eventRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      events.Type    `json:"type"`
	Payload   map[string]any `json:"payload"`
	Source    string         `json:"source"`
}

type eventList struct {
	Events   []eventRecord `json:"events"`
	Count    int           `json:"count"`
	Capacity int           `json:"capacity"`
}

type eventQuery struct {
	types  string
	agent  string
	task   string
	trace  string
	search string
	since  string
	limit  int
}

// values converts the query to URL parameters. since accepts a duration
// ("10m", relative to now) or anything the server accepts.
func (q eventQuery) values(now time.Time) (url.Values, error) {
	v := url.Values{}
	set := func(key, val string) {
		if val = strings.TrimSpace(val); val != "" {
			v.Set(key, val)
		}
	}
	set("types", q.types)
	set("agentId", q.agent)
	set("taskId", q.task)
	set("traceId", q.trace)
	set("search", q.search)
	if q.limit < 0 {
		return nil, errors.New("--limit must be >= 0")
	}
	if q.limit > 0 {
		v.Set("limit", strconv.Itoa(q.limit))
	}
	if s := strings.TrimSpace(q.since); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			if d < 0 {
				return nil, errors.New("--since must not be negative")
			}
			v.Set("since", strconv.FormatInt(now.Add(-d).UnixMilli(), 10))
		} else {
			v.Set("since", s)
		}
	}
	return v, nil
}

// handleEvents queries or follows the event history of a running server.
func handleEvents(args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	cf := addClientFlags(fs)
	var q eventQuery
	fs.StringVar(&q.types, "types", "", "Comma-separated event types (e.g. agent:state-changed,agent:failed)")
	fs.StringVar(&q.agent, "agent", "", "Only events for this agent id")
	fs.StringVar(&q.task, "task", "", "Only events for this task id")
	fs.StringVar(&q.trace, "trace", "", "Only events with this trace id")
	fs.StringVar(&q.search, "search", "", "Case-insensitive text search")
	fs.StringVar(&q.since, "since", "", "Only events newer than a duration (10m) or time")
	fs.IntVar(&q.limit, "limit", 0, "Newest N events")
	follow := fs.Bool("follow", false, "Stream new events until interrupted")
	jsonOutput := fs.Bool("json", false, "Output as JSON (one record per line with --follow)")
	clearHistory := fs.Bool("clear", false, "Clear the event history")

	fs.Usage = func() {
		fmt.Println("Usage: ptydeck events [options]")
		fmt.Println()
		fmt.Println("Event types:")
		for _, t := range events.AllTypes() {
			fmt.Printf("  %s\n", t)
		}
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	out := NewCLIOutput(*jsonOutput, false)
	client := cf.client()

	if *clearHistory {
		if err := client.do(context.Background(), http.MethodDelete, "/api/events", nil, nil, nil); err != nil {
			out.Error(err.Error(), errCode(err))
			return reported(err)
		}
		out.Success("Event history cleared", map[string]any{"success": true})
		return nil
	}

	values, err := q.values(time.Now())
	if err != nil {
		return err
	}

	if *follow {
		ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
		defer stop()
		err := followEvents(ctx, client, values, os.Stdout, *jsonOutput)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			out.Error(err.Error(), errCode(err))
			return reported(err)
		}
		return nil
	}

	var list eventList
	if err := client.do(context.Background(), http.MethodGet, "/api/events", values, nil, &list); err != nil {
		out.Error(err.Error(), errCode(err))
		return reported(err)
	}
	var b strings.Builder
	if len(list.Events) == 0 {
		b.WriteString(dimStyle.Render("No events.") + "\n")
	} else {
		b.WriteString(headerStyle.Render(fitCell("TIME", 12)+" "+fitCell("TYPE", 20)+" "+fitCell("AGENT", 14)+" DETAIL") + "\n")
		for _, rec := range list.Events {
			b.WriteString(formatEventRow(rec) + "\n")
		}
		fmt.Fprintf(&b, "\n%s\n", dimStyle.Render(fmt.Sprintf("%d event(s), history holds %d", list.Count, list.Capacity)))
	}
	out.Print(b.String(), list)
	return nil
}

// followEvents prints records from the SSE stream until ctx ends.
func followEvents(ctx context.Context, client *apiClient, q url.Values, w io.Writer, jsonMode bool) error {
	resp, err := client.stream(ctx, "/events/stream", q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	err = readSSE(resp.Body, func(event, data string) error {
		if event == "overflow" {
			fmt.Fprintln(w, waitingStyle.Render("stream overflowed; reconnect with --since to catch up"))
			return io.EOF
		}
		var rec eventRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil
		}
		if jsonMode {
			fmt.Fprintln(w, data)
			return nil
		}
		fmt.Fprintln(w, formatEventRow(rec))
		return nil
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// readSSE parses a text/event-stream and calls fn per dispatched event.
// Comments are skipped. A non-nil error from fn stops reading.
func readSSE(r io.Reader, fn func(event, data string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	var event string
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				name := event
				if name == "" {
					name = "message"
				}
				if err := fn(name, strings.Join(data, "\n")); err != nil {
					return err
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

func formatEventRow(rec eventRecord) string {
	agentID := str(rec.Payload, "agentId")
	if agentID == "" {
		agentID = str(rec.Payload, "sessionId")
	}
	typeCell := fitCell(string(rec.Type), 20)
	switch rec.Type {
	case events.TypeAgentFailed, events.TypeTerminalError:
		typeCell = errorStyle.Render(typeCell)
	case events.TypeAgentCompleted:
		typeCell = successStyle.Render(typeCell)
	case events.TypeAgentStateChanged:
		typeCell = accentStyle.Render(typeCell)
	}
	return fmt.Sprintf("%s %s %s %s",
		dimStyle.Render(fitCell(rec.Timestamp.Local().Format("15:04:05.000"), 12)),
		typeCell,
		fitCell(TruncateID(agentID), 14),
		eventDetail(rec))
}

// eventDetail is the one-line human summary of a record's payload.
func eventDetail(rec eventRecord) string {
	p := rec.Payload
	switch rec.Type {
	case events.TypeAgentSpawned:
		return fmt.Sprintf("%s session %s", str(p, "kind"), str(p, "sessionId"))
	case events.TypeAgentStateChanged:
		return fmt.Sprintf("%s → %s", str(p, "previousState"), str(p, "state"))
	case events.TypeAgentOutput:
		return dimStyle.Render(str(p, "data"))
	case events.TypeAgentCompleted:
		return fmt.Sprintf("exit %s after %s", str(p, "exitCode"), durationMs(p["durationMs"]))
	case events.TypeAgentFailed, events.TypeTerminalError:
		return str(p, "error")
	case events.TypeAgentKilled:
		return str(p, "reason")
	case events.TypeTaskCreated:
		return fmt.Sprintf("task %s", str(p, "taskId"))
	}
	return ""
}

func str(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func durationMs(v any) string {
	ms, ok := v.(float64)
	if !ok {
		return "-"
	}
	return (time.Duration(ms) * time.Millisecond).Round(time.Millisecond).String()
}
