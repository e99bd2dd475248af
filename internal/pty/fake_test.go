package pty

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/asheshgoplani/ptydeck/internal/events"
)

type fakeProcess struct {
	pid int
	h   ProcessHandler

	mu        sync.Mutex
	writes    []string
	resizes   [][2]uint16
	kills     int
	killErr   error
	killPanic bool
	onKill    func()
	onWrite   func([]byte)
}

func (p *fakeProcess) emit(s string) { p.h.OnData([]byte(s)) }
func (p *fakeProcess) exit(code int) { p.h.OnExit(code) }

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.writes = append(p.writes, string(b))
	onWrite := p.onWrite
	p.mu.Unlock()
	if onWrite != nil {
		onWrite(b)
	}
	return len(b), nil
}

func (p *fakeProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]uint16{cols, rows})
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	onKill := p.onKill
	p.mu.Unlock()
	if onKill != nil {
		onKill()
	}
	if p.killPanic {
		panic("kill exploded")
	}
	return p.killErr
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProcess
	specs []ProcessSpec
	err   error
	// prepare customizes each process before Spawn returns it.
	prepare func(*fakeProcess)
}

func (s *fakeSpawner) Spawn(spec ProcessSpec, h ProcessHandler) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs = append(s.specs, spec)
	if s.err != nil {
		return nil, s.err
	}
	p := &fakeProcess{pid: 1000 + len(s.procs), h: h}
	if s.prepare != nil {
		s.prepare(p)
	}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

type sinkCall struct {
	id   string
	data string
	exit bool
	code int
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (r *recordingSink) Output(id string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sinkCall{id: id, data: string(data)})
}

func (r *recordingSink) Exit(id string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sinkCall{id: id, exit: true, code: code})
}

func (r *recordingSink) all() []sinkCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sinkCall(nil), r.calls...)
}

type eventLog struct {
	mu  sync.Mutex
	evs []events.Event
}

func (l *eventLog) record(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evs = append(l.evs, ev)
}

func (l *eventLog) types() []events.Type {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Type, 0, len(l.evs))
	for _, ev := range l.evs {
		out = append(out, ev.Type)
	}
	return out
}

func (l *eventLog) ofType(t events.Type) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, ev := range l.evs {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// transitions renders state-changed events as "prev->next".
func (l *eventLog) transitions() []string {
	var out []string
	for _, ev := range l.ofType(events.TypeAgentStateChanged) {
		c := ev.Payload.(events.StateChanged)
		out = append(out, string(c.PreviousState)+"->"+string(c.State))
	}
	return out
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.evs)
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evs = nil
}

// fakeClock advances one millisecond per reading.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type harness struct {
	m       *Manager
	spawner *fakeSpawner
	sink    *recordingSink
	events  *eventLog
	bus     *events.Bus
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		spawner: &fakeSpawner{},
		sink:    &recordingSink{},
		events:  &eventLog{},
		bus:     events.NewBus(),
	}
	h.bus.SubscribeAll(h.events.record)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := Config{
		Spawner:      h.spawner,
		Bus:          h.bus,
		Sink:         h.sink,
		DefaultShell: "/bin/bash",
		Now:          clock.Now,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	h.m = NewManager(cfg)
	return h
}

var errBoom = errors.New("boom")
