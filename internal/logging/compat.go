package logging

import (
	"bytes"
	"context"
	"log"
	"log/slog"
	"strings"
)

// StdLogWriter turns lines written by a *log.Logger into slog records under
// one component. net/http reports accept, TLS and hijack failures this way.
type StdLogWriter struct {
	log   *slog.Logger
	event string
	level slog.Level
}

// NewStdLogger returns a *log.Logger for http.Server.ErrorLog. Every line
// becomes an event record at level, with the stdlib package prefix
// ("http: ") split into origin and the rest kept as detail.
func NewStdLogger(component, event string, level slog.Level) *log.Logger {
	return log.New(&StdLogWriter{
		log:   ForComponent(component),
		event: event,
		level: level,
	}, "", 0)
}

// Write implements io.Writer. Each write is one line.
func (w *StdLogWriter) Write(p []byte) (int, error) {
	n := len(p)
	line := stripLogTimestamp(string(bytes.TrimSpace(p)))
	if line == "" {
		return n, nil
	}
	origin, detail := splitOrigin(line)
	attrs := []slog.Attr{slog.String("detail", detail)}
	if origin != "" {
		attrs = append(attrs, slog.String("origin", origin))
	}
	w.log.LogAttrs(context.Background(), w.level, w.event, attrs...)
	return n, nil
}

// splitOrigin splits "http: TLS handshake error" into "http" and the rest.
// Only a single lowercase word counts as an origin.
func splitOrigin(line string) (string, string) {
	head, rest, ok := strings.Cut(line, ": ")
	if !ok || head == "" {
		return "", line
	}
	for _, r := range head {
		if (r < 'a' || r > 'z') && r != '/' {
			return "", line
		}
	}
	return head, rest
}

// stripLogTimestamp removes the prefix added by log.Ltime or
// log.Ltime|log.Lmicroseconds.
func stripLogTimestamp(s string) string {
	if len(s) > 16 && s[2] == ':' && s[5] == ':' && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}
