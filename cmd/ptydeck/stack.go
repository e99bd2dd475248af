package main

import (
	"github.com/asheshgoplani/ptydeck/internal/agent"
	"github.com/asheshgoplani/ptydeck/internal/config"
	"github.com/asheshgoplani/ptydeck/internal/eventbuffer"
	"github.com/asheshgoplani/ptydeck/internal/events"
	"github.com/asheshgoplani/ptydeck/internal/pty"
	"github.com/asheshgoplani/ptydeck/internal/web"
)

// stack is the wired core shared by serve and run: one bus feeding the
// event history, a manager publishing on it, and the websocket hub.
type stack struct {
	bus      *events.Bus
	buffer   *eventbuffer.Buffer
	registry *agent.Registry
	hub      *web.Hub
	manager  *pty.Manager
}

// newStack builds the core from cfg. A nil spawner uses real PTYs. Extra
// sinks receive output alongside the hub.
func newStack(cfg *config.Config, spawner pty.Spawner, sinks ...pty.Sink) *stack {
	bus := events.NewBus()
	buffer := eventbuffer.New(bus, cfg.EventCapacity())
	buffer.Start()

	hub := web.NewHub()
	registry := cfg.Registry()
	cols, rows := cfg.TermSize()

	manager := pty.NewManager(pty.Config{
		Spawner:      spawner,
		Bus:          bus,
		Registry:     registry,
		Sink:         pty.Sinks(append([]pty.Sink{hub}, sinks...)...),
		Policy:       cfg.OutputPolicy(),
		DefaultShell: cfg.Terminal.DefaultShell,
		Cols:         cols,
		Rows:         rows,
		SampleEvery:  cfg.SampleEvery(),
	})

	return &stack{
		bus:      bus,
		buffer:   buffer,
		registry: registry,
		hub:      hub,
		manager:  manager,
	}
}

// close kills every session and stops recording. Killed events published
// during shutdown still reach the history.
func (s *stack) close() error {
	err := s.manager.Dispose()
	s.buffer.Stop()
	return err
}
