package web

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/asheshgoplani/ptydeck/internal/eventbuffer"
	"github.com/asheshgoplani/ptydeck/internal/events"
	"github.com/asheshgoplani/ptydeck/internal/pty"
)

type fakeProcess struct {
	h pty.ProcessHandler

	mu      sync.Mutex
	writes  []string
	resizes [][2]uint16
	kills   int
}

func (p *fakeProcess) emit(s string) { p.h.OnData([]byte(s)) }
func (p *fakeProcess) exit(code int) { p.h.OnExit(code) }

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, string(b))
	return len(b), nil
}

func (p *fakeProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]uint16{cols, rows})
	return nil
}

// Kill reports exit 143 asynchronously, like SIGTERM would.
func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	go p.exit(143)
	return nil
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.writes, "")
}

type fakeSpawner struct {
	mu    sync.Mutex
	order []*fakeProcess
}

func (s *fakeSpawner) Spawn(spec pty.ProcessSpec, h pty.ProcessHandler) (pty.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &fakeProcess{h: h}
	s.order = append(s.order, p)
	return p, nil
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order[len(s.order)-1]
}

type testEnv struct {
	srv     *Server
	manager *pty.Manager
	buffer  *eventbuffer.Buffer
	hub     *Hub
	spawner *fakeSpawner
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	bus := events.NewBus()
	hub := NewHub()
	spawner := &fakeSpawner{}
	manager := pty.NewManager(pty.Config{
		Spawner:      spawner,
		Bus:          bus,
		Sink:         hub,
		DefaultShell: "/bin/sh",
	})
	buffer := eventbuffer.New(bus, 100)
	buffer.Start()
	t.Cleanup(buffer.Stop)

	cfg := Config{
		ListenAddr: "127.0.0.1:0",
		Version:    "test",
		Manager:    manager,
		Buffer:     buffer,
		Hub:        hub,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	return &testEnv{
		srv:     NewServer(cfg),
		manager: manager,
		buffer:  buffer,
		hub:     hub,
		spawner: spawner,
	}
}

func (e *testEnv) spawn(t *testing.T, id string, opts pty.SpawnOptions) *fakeProcess {
	t.Helper()
	if err := e.manager.Spawn(id, opts); err != nil {
		t.Fatalf("spawn %s: %v", id, err)
	}
	return e.spawner.last()
}

func (e *testEnv) httpServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(e.srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}
