package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/asheshgoplani/ptydeck/internal/agent"
	"github.com/asheshgoplani/ptydeck/internal/config"
	"github.com/asheshgoplani/ptydeck/internal/eventbuffer"
	"github.com/asheshgoplani/ptydeck/internal/events"
	"github.com/asheshgoplani/ptydeck/internal/pty"
)

const (
	runSessionID = "local"
	// detachKey is Ctrl+]; it kills the local session and returns.
	detachKey = 0x1d
)

// runSpawnOptions resolves what `ptydeck run` starts. An explicit command
// wins; otherwise a [tools] entry, then the kind's own binary name, then the
// default shell. Without --kind the kind is inferred from the command name.
func runSpawnOptions(cfg *config.Config, kindFlag string, command []string, title, cwd string) pty.SpawnOptions {
	kind := agent.NormalizeKind(kindFlag)
	if strings.TrimSpace(kindFlag) == "" && len(command) > 0 {
		base := agent.NormalizeKind(filepath.Base(command[0]))
		if _, ok := cfg.Tool(base); ok || isBuiltinAgent(base) {
			kind = base
		}
	}

	opts := pty.SpawnOptions{
		Kind:  kind,
		Title: title,
		Cwd:   cwd,
	}
	switch {
	case len(command) > 0:
		opts.Shell = command[0]
		opts.Args = command[1:]
	default:
		if tool, ok := cfg.Tool(kind); ok && tool.Command != "" {
			opts.Shell = tool.Command
			opts.Args = tool.Args
		} else if isBuiltinAgent(kind) {
			opts.Shell = string(kind)
		}
	}
	if opts.Title == "" {
		opts.Title = string(kind)
	}
	return opts
}

func isBuiltinAgent(k agent.Kind) bool {
	for _, b := range agent.BuiltinKinds() {
		if b == k && k.IsAgent() {
			return true
		}
	}
	return false
}

// terminalSink copies session output to out and reports the exit code once.
type terminalSink struct {
	out   *os.File
	exits chan int
}

func (s terminalSink) Output(_ string, data []byte) {
	_, _ = s.out.Write(data)
}

func (s terminalSink) Exit(_ string, code int) {
	select {
	case s.exits <- code:
	default:
	}
}

// runTracker follows the bus for the summary printed after `ptydeck run`.
type runTracker struct {
	mu      sync.Mutex
	state   agent.State
	counts  map[events.Type]int
	reason  string
	errMsg  string
	settled chan struct{}
	once    sync.Once
}

func newRunTracker(bus *events.Bus) (*runTracker, func()) {
	t := &runTracker{
		counts:  make(map[events.Type]int),
		settled: make(chan struct{}),
	}
	return t, bus.SubscribeAll(t.observe)
}

func (t *runTracker) observe(ev events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[ev.Type]++
	switch p := ev.Payload.(type) {
	case events.StateChanged:
		t.state = p.State
	case events.Failed:
		t.errMsg = p.Error
		t.settle()
	case events.Completed:
		t.settle()
	case events.Killed:
		t.reason = p.Reason
		t.settle()
	}
}

func (t *runTracker) settle() {
	t.once.Do(func() { close(t.settled) })
}

// finalState is the last published state, or the state the exit implies
// when the terminal transition has not been observed.
func (t *runTracker) finalState(kind agent.Kind, code int) agent.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !kind.IsAgent() {
		return ""
	}
	if t.state.IsTerminal() {
		return t.state
	}
	return agent.Next(t.state, agent.Exit(code))
}

func (t *runTracker) summary(opts pty.SpawnOptions, code int, elapsed time.Duration) string {
	state := t.finalState(opts.Kind, code)

	t.mu.Lock()
	defer t.mu.Unlock()

	row := func(label, value string) string {
		return dimStyle.Render(fitCell(label, 8)) + value
	}
	lines := []string{
		headerStyle.Render(fmt.Sprintf("%s (%s)", opts.Title, opts.Kind)),
		row("exit", fmt.Sprintf("%d", code)),
		row("elapsed", elapsed.Round(time.Second).String()),
	}
	if state != "" {
		lines = append(lines, row("state", StateSymbol(state)+" "+string(state)))
	}
	if t.reason != "" {
		lines = append(lines, row("killed", t.reason))
	}
	if t.errMsg != "" {
		lines = append(lines, row("error", errorStyle.Render(t.errMsg)))
	}
	if len(t.counts) > 0 {
		types := make([]string, 0, len(t.counts))
		for typ := range t.counts {
			types = append(types, string(typ))
		}
		sort.Strings(types)
		parts := make([]string, 0, len(types))
		for _, typ := range types {
			parts = append(parts, fmt.Sprintf("%s %d", strings.TrimPrefix(typ, "agent:"), t.counts[events.Type(typ)]))
		}
		lines = append(lines, row("events", strings.Join(parts, " "+bulletSymbol+" ")))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

// openEventLog appends every record of buf to path as JSON lines.
func openEventLog(path string, buf *eventbuffer.Buffer) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	var mu sync.Mutex
	enc := json.NewEncoder(f)
	unsubscribe := buf.OnRecord(func(rec eventbuffer.Record) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(rec)
	})
	return func() error {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		return f.Close()
	}, nil
}
