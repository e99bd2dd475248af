package pty

import (
	"strings"
	"unicode/utf8"

	"github.com/asheshgoplani/ptydeck/internal/agent"
)

const (
	// WindowRunes caps the detection window.
	WindowRunes = 2000
	// MaxLines caps the line buffer.
	MaxLines = 50
	// MaxLineRunes caps a single buffered line before TruncationMarker.
	MaxLineRunes = 1000
	// TruncationMarker is appended to lines cut at MaxLineRunes.
	TruncationMarker = "…"
)

// appendWindow appends chunk to window and keeps the trailing WindowRunes.
func appendWindow(window, chunk string) string {
	return agent.Tail(window+chunk, WindowRunes)
}

// lineBuffer turns a byte stream into at most maxLines logical lines.
// CRLF and lone CR both end a line.
type lineBuffer struct {
	lines     []string
	current   string
	truncated bool // current hit maxLen; further text is dropped until newline
	pendingCR bool // last chunk ended in CR; a leading LF belongs to it

	maxLines int
	maxLen   int
}

func newLineBuffer() *lineBuffer {
	return &lineBuffer{maxLines: MaxLines, maxLen: MaxLineRunes}
}

func (lb *lineBuffer) Append(chunk string) {
	if chunk == "" {
		return
	}
	if lb.pendingCR && chunk[0] == '\n' {
		chunk = chunk[1:]
	}
	lb.pendingCR = strings.HasSuffix(chunk, "\r")

	chunk = strings.ReplaceAll(chunk, "\r\n", "\n")
	chunk = strings.ReplaceAll(chunk, "\r", "\n")

	for i, part := range strings.Split(chunk, "\n") {
		if i > 0 {
			lb.commit()
		}
		lb.extend(part)
	}
}

func (lb *lineBuffer) extend(s string) {
	if lb.truncated || s == "" {
		return
	}
	lb.current += s
	if utf8.RuneCountInString(lb.current) > lb.maxLen {
		lb.current = headRunes(lb.current, lb.maxLen) + TruncationMarker
		lb.truncated = true
	}
}

func (lb *lineBuffer) commit() {
	lb.lines = append(lb.lines, lb.current)
	lb.current = ""
	lb.truncated = false
	if over := len(lb.lines) - lb.maxLines; over > 0 {
		lb.lines = append(lb.lines[:0:0], lb.lines[over:]...)
	}
}

// Lines returns a copy of the buffered lines including the unterminated
// tail, newest last.
func (lb *lineBuffer) Lines() []string {
	out := make([]string, 0, len(lb.lines)+1)
	out = append(out, lb.lines...)
	if lb.current != "" {
		out = append(out, lb.current)
	}
	if over := len(out) - lb.maxLines; over > 0 {
		out = out[over:]
	}
	return out
}

func headRunes(s string, n int) string {
	i := 0
	for count := 0; count < n && i < len(s); count++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[:i]
}
