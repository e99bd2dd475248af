// Package pty owns terminal sessions: it spawns processes on pseudo-terminals,
// relays their I/O, and drives agent lifecycle state from what they print.
package pty

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/ptydeck/internal/agent"
	"github.com/asheshgoplani/ptydeck/internal/events"
	"github.com/asheshgoplani/ptydeck/internal/logging"
	"github.com/asheshgoplani/ptydeck/internal/platform"
)

const (
	DefaultCols = 120
	DefaultRows = 30

	// DefaultSampleEvery logs one in this many dropped output events.
	DefaultSampleEvery = 100

	eventSource = "pty"
	killReason  = "killed by user"
)

// Config wires a Manager to its collaborators. Nil fields get defaults.
type Config struct {
	Spawner      Spawner
	Bus          *events.Bus
	Registry     *agent.Registry
	Sink         Sink
	Policy       agent.OutputPolicy
	DefaultShell string
	Cols         int
	Rows         int
	SampleEvery  int
	Now          func() time.Time
}

type session struct {
	id      string
	kind    agent.Kind
	title   string
	groupID string
	cwd     string
	command string
	args    []string
	agentID string

	proc       Process
	cols, rows int

	spawnedAt  time.Time
	lastInput  time.Time
	lastOutput time.Time
	lastCheck  time.Time

	wasKilled bool
	quiet     bool
	traceID   string

	state           agent.State
	lastStateChange time.Time
	lastError       string

	window string
	lines  *lineBuffer

	// ready is closed once Spawn has registered the session or given up.
	ready chan struct{}

	// outbox holds events computed under Manager.mu, in transition order,
	// until a drain publishes them.
	outbox   []events.Event
	draining bool
}

func (s *session) isAgent() bool { return s.agentID != "" }

// Manager is the session table. All methods are safe for concurrent use.
//
// Sessions leave the table only when their process exits. Kill marks a
// session and signals the process; output or exit arriving from a process
// that no longer owns its id is dropped.
//
// Events are computed under mu and published without it, one drainer per
// session, so the bus sees each session's transitions in the order they
// happened. Bus handlers may call back into the Manager.
type Manager struct {
	spawner  Spawner
	bus      *events.Bus
	registry *agent.Registry
	sink     Sink
	policy   agent.OutputPolicy
	shell    string
	cols     int
	rows     int
	now      func() time.Time
	log      *slog.Logger
	sampler  *rate.Sometimes

	mu       sync.Mutex
	sessions map[string]*session
	spawning map[string]chan struct{}
}

// NewManager creates a manager with no sessions.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		spawner:  cfg.Spawner,
		bus:      cfg.Bus,
		registry: cfg.Registry,
		sink:     cfg.Sink,
		policy:   cfg.Policy,
		shell:    cfg.DefaultShell,
		cols:     cfg.Cols,
		rows:     cfg.Rows,
		now:      cfg.Now,
		log:      logging.ForComponent(logging.CompPTY),
		sessions: make(map[string]*session),
		spawning: make(map[string]chan struct{}),
	}
	if m.spawner == nil {
		m.spawner = PTYSpawner{}
	}
	if m.bus == nil {
		m.bus = events.NewBus()
	}
	if m.registry == nil {
		m.registry = agent.DefaultRegistry()
	}
	if m.sink == nil {
		m.sink = NopSink{}
	}
	if m.shell == "" {
		m.shell = platform.DefaultShell()
	}
	if !validDim(m.cols) || !validDim(m.rows) {
		m.cols, m.rows = DefaultCols, DefaultRows
	}
	if m.now == nil {
		m.now = time.Now
	}
	every := cfg.SampleEvery
	if every <= 0 {
		every = DefaultSampleEvery
	}
	m.sampler = logging.NewSampler(every)
	return m
}

// Bus returns the bus the manager publishes on.
func (m *Manager) Bus() *events.Bus { return m.bus }

// Registry returns the classifier registry.
func (m *Manager) Registry() *agent.Registry { return m.registry }

func validDim(n int) bool { return n > 0 && n <= math.MaxUint16 }

// Spawn starts a session under id. A live session with the same id is
// killed first; it stays in the table until its exit is seen, but its
// callbacks no longer reach the new session. On failure nothing is
// registered, a terminal:error event is published and the error wraps
// ErrSpawn.
func (m *Manager) Spawn(id string, opts SpawnOptions) error {
	if id == "" {
		return fmt.Errorf("%w: empty session id", ErrSpawn)
	}

	m.reserve(id)
	defer m.release(id)

	now := m.now()
	spec := m.resolveSpec(opts)
	kind := agent.NormalizeKind(string(opts.Kind))

	s := &session{
		id:         id,
		kind:       kind,
		title:      opts.Title,
		groupID:    opts.GroupID,
		cwd:        spec.Dir,
		command:    spec.Command,
		args:       spec.Args,
		cols:       int(spec.Cols),
		rows:       int(spec.Rows),
		spawnedAt:  now,
		lastInput:  now,
		lastOutput: now,
		lastCheck:  now,
		lines:      newLineBuffer(),
		ready:      make(chan struct{}),
	}
	if kind.IsAgent() {
		s.agentID = id
		s.state = agent.StateIdle
		s.lastStateChange = now
	}

	proc, err := m.spawner.Spawn(spec, ProcessHandler{
		OnData: func(b []byte) { m.handleData(s, b) },
		OnExit: func(code int) { m.handleExit(s, code) },
	})
	if err != nil {
		close(s.ready)
		m.log.Error("session_spawn_failed",
			slog.String("session", id),
			slog.String("command", spec.Command),
			slog.String("error", err.Error()))
		m.publish([]events.Event{{
			Type:    events.TypeTerminalError,
			Payload: events.TerminalError{SessionID: id, Error: err.Error(), Timestamp: now.UnixMilli()},
			Source:  eventSource,
		}})
		return fmt.Errorf("%w: %s: %w", ErrSpawn, id, err)
	}

	m.mu.Lock()
	s.proc = proc
	m.sessions[id] = s
	if s.isAgent() {
		s.outbox = append(s.outbox, events.Event{
			Type: events.TypeAgentSpawned,
			Payload: events.Spawned{
				AgentID:   s.agentID,
				SessionID: id,
				Kind:      kind,
				GroupID:   s.groupID,
				Timestamp: now.UnixMilli(),
			},
			Source: eventSource,
		})
		s.outbox = append(s.outbox, m.applyLocked(s, agent.Start(), now)...)
	}
	m.mu.Unlock()
	close(s.ready)
	m.drain(s)

	m.log.Info("session_spawned",
		slog.String("session", id),
		slog.String("kind", string(kind)),
		slog.String("command", spec.Command),
		slog.Int("pid", proc.Pid()))
	return nil
}

// reserve claims id for one Spawn at a time. It waits out a concurrent
// Spawn of the same id and kills whatever still runs under it. The process
// is started after reserve returns, without holding mu.
func (m *Manager) reserve(id string) {
	m.mu.Lock()
	for {
		if wait, ok := m.spawning[id]; ok {
			m.mu.Unlock()
			<-wait
			m.mu.Lock()
			continue
		}
		old, ok := m.sessions[id]
		if ok && !old.wasKilled {
			old.outbox = append(old.outbox, m.markKilledLocked(old, "replaced by new session", m.now())...)
			quiet := old.quiet
			m.mu.Unlock()

			m.drain(old)
			_ = m.terminate(old, quiet)
			m.mu.Lock()
			continue
		}
		m.spawning[id] = make(chan struct{})
		m.mu.Unlock()
		return
	}
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	if wait, ok := m.spawning[id]; ok {
		delete(m.spawning, id)
		close(wait)
	}
	m.mu.Unlock()
}

func (m *Manager) resolveSpec(opts SpawnOptions) ProcessSpec {
	command := strings.TrimSpace(opts.Shell)
	args := opts.Args
	switch {
	case command == "":
		command = m.shell
		args = append(platform.LoginArgs(command), opts.Args...)
	case len(args) == 0:
		args = platform.LoginArgs(command)
	}

	cols, rows := opts.Cols, opts.Rows
	if !validDim(cols) || !validDim(rows) {
		cols, rows = m.cols, m.rows
	}

	return ProcessSpec{
		Command: command,
		Args:    args,
		Dir:     opts.Cwd,
		Env:     buildEnv(os.Environ(), opts.Env),
		Cols:    uint16(cols),
		Rows:    uint16(rows),
	}
}

// buildEnv applies overrides to base and defaults TERM.
func buildEnv(base []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides)+1)
	order := make([]string, 0, len(base)+len(overrides)+1)
	set := func(k, v string) {
		if _, ok := merged[k]; !ok {
			order = append(order, k)
		}
		merged[k] = v
	}
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			set(k, v)
		}
	}
	if merged["TERM"] == "" {
		set("TERM", "xterm-256color")
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		set(k, overrides[k])
	}

	env := make([]string, 0, len(order))
	for _, k := range order {
		env = append(env, k+"="+merged[k])
	}
	return env
}

func (m *Manager) handleData(s *session, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	<-s.ready
	m.mu.Lock()
	if m.sessions[s.id] != s {
		m.mu.Unlock()
		return
	}
	now := m.now()
	s.lastOutput = now

	if s.isAgent() {
		text := string(chunk)
		s.window = appendWindow(s.window, text)
		s.lines.Append(text)
		ev := m.registry.Classify(agent.Tail(s.window, agent.ClassifyWindow), s.kind, text)
		s.outbox = append(s.outbox, m.applyLocked(s, ev, now)...)
		s.outbox = append(s.outbox, events.Event{
			Type: events.TypeAgentOutput,
			Payload: events.Output{
				AgentID:   s.agentID,
				Data:      text,
				Timestamp: now.UnixMilli(),
				TraceID:   s.traceID,
			},
			Source: eventSource,
		})
	}
	m.mu.Unlock()

	m.sink.Output(s.id, chunk)
	m.drain(s)
}

func (m *Manager) handleExit(s *session, code int) {
	<-s.ready
	m.mu.Lock()
	if m.sessions[s.id] != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.id)
	now := m.now()

	if s.isAgent() {
		var evs []events.Event
		prev := s.state
		evs = m.applyLocked(s, agent.Exit(code), now)
		if !s.wasKilled && s.state != prev {
			switch s.state {
			case agent.StateCompleted:
				evs = append(evs, events.Event{
					Type: events.TypeAgentCompleted,
					Payload: events.Completed{
						AgentID:    s.agentID,
						ExitCode:   code,
						DurationMs: now.Sub(s.spawnedAt).Milliseconds(),
						Timestamp:  now.UnixMilli(),
						TraceID:    s.traceID,
					},
					Source: eventSource,
				})
			case agent.StateFailed:
				evs = append(evs, m.failedEvent(s, fmt.Sprintf("process exited with code %d", code), now))
			}
		}
		s.outbox = append(s.outbox, evs...)
	}
	killed := s.wasKilled
	m.mu.Unlock()

	m.log.Info("session_exited",
		slog.String("session", s.id),
		slog.Int("code", code),
		slog.Bool("killed", killed))
	m.sink.Exit(s.id, code)
	m.drain(s)
}

// applyLocked feeds ev to the reducer and returns the events the transition
// publishes. Error messages are kept even when the state does not change.
func (m *Manager) applyLocked(s *session, ev agent.Event, now time.Time) []events.Event {
	if ev.Type == agent.EventError {
		s.lastError = ev.Message
	}
	prev := s.state
	next := agent.NextWithPolicy(prev, ev, m.policy)
	if next == prev {
		return nil
	}
	s.state = next
	s.lastStateChange = now

	evs := []events.Event{{
		Type: events.TypeAgentStateChanged,
		Payload: events.StateChanged{
			AgentID:       s.agentID,
			State:         next,
			PreviousState: prev,
			Timestamp:     now.UnixMilli(),
			TraceID:       s.traceID,
		},
		Source: eventSource,
	}}
	if next == agent.StateFailed && ev.Type == agent.EventError {
		evs = append(evs, m.failedEvent(s, ev.Message, now))
	}
	return evs
}

func (m *Manager) failedEvent(s *session, msg string, now time.Time) events.Event {
	return events.Event{
		Type: events.TypeAgentFailed,
		Payload: events.Failed{
			AgentID:   s.agentID,
			Error:     msg,
			Timestamp: now.UnixMilli(),
			TraceID:   s.traceID,
		},
		Source: eventSource,
	}
}

// drain publishes s's queued events in order. A caller that finds another
// goroutine draining leaves its events to that drainer.
func (m *Manager) drain(s *session) {
	m.mu.Lock()
	if s.draining {
		m.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.outbox) > 0 {
		evs := s.outbox
		s.outbox = nil
		m.mu.Unlock()
		m.publish(evs)
		m.mu.Lock()
	}
	s.draining = false
	m.mu.Unlock()
}

// publish validates and publishes evs in order. Invalid events are dropped;
// output drops are counted and logged at a sampled rate.
func (m *Manager) publish(evs []events.Event) {
	for _, ev := range evs {
		err := m.bus.PublishValidated(ev)
		if err == nil {
			continue
		}
		if ev.Type == events.TypeAgentOutput {
			logging.Aggregate(logging.CompPTY, "output_event_dropped")
			m.sampler.Do(func() {
				m.log.Warn("event_dropped",
					slog.String("type", string(ev.Type)),
					slog.String("error", err.Error()))
			})
			continue
		}
		m.log.Warn("event_dropped",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()))
	}
}

// Write forwards data to the session's process and counts as user input.
func (m *Manager) Write(id string, data []byte) error {
	return m.write(id, data, nil)
}

// WriteTraced is Write that also sets the session's trace id, which is
// copied onto events until replaced. An empty traceID clears it.
func (m *Manager) WriteTraced(id string, data []byte, traceID string) error {
	return m.write(id, data, &traceID)
}

func (m *Manager) write(id string, data []byte, traceID *string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("write_unknown_session", slog.String("session", id))
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	now := m.now()
	s.lastInput = now
	if traceID != nil {
		s.traceID = *traceID
	}
	if s.isAgent() && s.state == agent.StateWaiting {
		s.outbox = append(s.outbox, m.applyLocked(s, agent.Input(), now)...)
	}
	proc := s.proc
	m.mu.Unlock()

	m.drain(s)
	if _, err := proc.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}
	return nil
}

// Resize changes the terminal size. Non-positive or oversized dimensions
// are ignored, as is a resize to the current size.
func (m *Manager) Resize(id string, cols, rows int) error {
	if !validDim(cols) || !validDim(rows) {
		m.log.Debug("resize_invalid",
			slog.String("session", id),
			slog.Int("cols", cols),
			slog.Int("rows", rows))
		return nil
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("resize_unknown_session", slog.String("session", id))
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if s.cols == cols && s.rows == rows {
		m.mu.Unlock()
		return nil
	}
	proc := s.proc
	m.mu.Unlock()

	if err := proc.Resize(uint16(cols), uint16(rows)); err != nil {
		return fmt.Errorf("resize %s: %w", id, err)
	}

	m.mu.Lock()
	s.cols, s.rows = cols, rows
	m.mu.Unlock()
	return nil
}

// Kill asks the session's process to terminate. For agents the state is
// failed with reason (or a generic message) and agent:killed is published
// before the signal is sent. The session stays listed until it exits.
func (m *Manager) Kill(id, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		m.log.Warn("kill_unknown_session", slog.String("session", id))
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return m.killSession(s, reason, false)
}

func (m *Manager) killSession(s *session, reason string, quiet bool) error {
	if reason == "" {
		reason = killReason
	}
	m.mu.Lock()
	if m.sessions[s.id] != s {
		m.mu.Unlock()
		return nil
	}
	if !s.wasKilled {
		s.outbox = append(s.outbox, m.markKilledLocked(s, reason, m.now())...)
	}
	s.quiet = s.quiet || quiet
	quiet = s.quiet
	m.mu.Unlock()

	m.drain(s)
	return m.terminate(s, quiet)
}

// markKilledLocked flips wasKilled and returns the events a kill publishes.
func (m *Manager) markKilledLocked(s *session, reason string, now time.Time) []events.Event {
	s.wasKilled = true
	if !s.isAgent() {
		return nil
	}
	evs := m.applyLocked(s, agent.Error(reason), now)
	return append(evs, events.Event{
		Type: events.TypeAgentKilled,
		Payload: events.Killed{
			AgentID:   s.agentID,
			Reason:    reason,
			Timestamp: now.UnixMilli(),
			TraceID:   s.traceID,
		},
		Source: eventSource,
	})
}

func (m *Manager) terminate(s *session, quiet bool) error {
	if err := s.proc.Kill(); err != nil {
		if !quiet {
			m.log.Warn("session_kill_failed",
				slog.String("session", s.id),
				slog.String("error", err.Error()))
		}
		return fmt.Errorf("kill %s: %w", s.id, err)
	}
	return nil
}

// Dispose kills every session, then empties the table and drops all bus
// subscriptions. Each kill is isolated; one failure does not stop the rest.
// It returns the first failure, which is not logged.
func (m *Manager) Dispose() error {
	m.mu.Lock()
	live := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range live {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("dispose %s: panic: %v", s.id, r)
				}
			}()
			return m.killSession(s, "host shutdown", true)
		})
	}
	err := g.Wait()

	m.mu.Lock()
	m.sessions = make(map[string]*session)
	m.mu.Unlock()
	m.bus.Clear()

	m.log.Info("manager_disposed", slog.Int("sessions", len(live)))
	return err
}

// Has reports whether id is in the table.
func (m *Manager) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	return ok
}

// IDs returns the live session ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of sessions in the table.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Get returns operational details for id.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Info{}, false
	}
	pid := 0
	if s.proc != nil {
		pid = s.proc.Pid()
	}
	return Info{
		ID:         s.id,
		Kind:       s.kind,
		Title:      s.title,
		GroupID:    s.groupID,
		Cwd:        s.cwd,
		Command:    s.command,
		Args:       append([]string(nil), s.args...),
		Pid:        pid,
		Cols:       s.cols,
		Rows:       s.rows,
		AgentID:    s.agentID,
		AgentState: s.state,
		TraceID:    s.traceID,
		WasKilled:  s.wasKilled,
		SpawnedAt:  s.spawnedAt,
	}, true
}

// Snapshot returns an analysis copy of id.
func (m *Manager) Snapshot(id string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotLocked(s), true
}

// All returns snapshots of every session, oldest first.
func (m *Manager) All() []Snapshot {
	m.mu.Lock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, snapshotLocked(s))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SpawnedAt.Equal(out[j].SpawnedAt) {
			return out[i].SpawnedAt.Before(out[j].SpawnedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func snapshotLocked(s *session) Snapshot {
	return Snapshot{
		ID:                s.id,
		Kind:              s.kind,
		Title:             s.title,
		GroupID:           s.groupID,
		AgentID:           s.agentID,
		AgentState:        s.state,
		LastError:         s.lastError,
		SpawnedAt:         s.spawnedAt,
		LastInputAt:       s.lastInput,
		LastOutputAt:      s.lastOutput,
		LastCheckAt:       s.lastCheck,
		LastStateChangeAt: s.lastStateChange,
		Lines:             s.lines.Lines(),
	}
}

// MarkChecked records that an external poller looked at id.
func (m *Manager) MarkChecked(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	s.lastCheck = m.now()
	return nil
}
