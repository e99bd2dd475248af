package pty

import (
	"errors"
	"time"

	"github.com/asheshgoplani/ptydeck/internal/agent"
)

var (
	// ErrSpawn wraps every failure to start a session.
	ErrSpawn = errors.New("spawn failed")
	// ErrUnknownSession is returned for operations on an id with no live session.
	ErrUnknownSession = errors.New("unknown session")
)

// SpawnOptions describes a session to start. Zero values fall back to the
// manager's defaults.
type SpawnOptions struct {
	Cwd     string            `json:"cwd,omitempty"`
	Shell   string            `json:"shell,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cols    int               `json:"cols,omitempty"`
	Rows    int               `json:"rows,omitempty"`
	Kind    agent.Kind        `json:"kind,omitempty"`
	Title   string            `json:"title,omitempty"`
	GroupID string            `json:"groupId,omitempty"`
}

// Snapshot is an immutable copy of a session for external analysis. It
// never exposes the detection window or the process.
type Snapshot struct {
	ID                string      `json:"id"`
	Kind              agent.Kind  `json:"kind"`
	Title             string      `json:"title,omitempty"`
	GroupID           string      `json:"groupId,omitempty"`
	AgentID           string      `json:"agentId,omitempty"`
	AgentState        agent.State `json:"agentState,omitempty"`
	LastError         string      `json:"lastError,omitempty"`
	SpawnedAt         time.Time   `json:"spawnedAt"`
	LastInputAt       time.Time   `json:"lastInputAt"`
	LastOutputAt      time.Time   `json:"lastOutputAt"`
	LastCheckAt       time.Time   `json:"lastCheckAt"`
	LastStateChangeAt time.Time   `json:"lastStateChangeAt"`
	Lines             []string    `json:"lines"`
}

// Info is the operational view of a session, used by Get.
type Info struct {
	ID         string      `json:"id"`
	Kind       agent.Kind  `json:"kind"`
	Title      string      `json:"title,omitempty"`
	GroupID    string      `json:"groupId,omitempty"`
	Cwd        string      `json:"cwd,omitempty"`
	Command    string      `json:"command"`
	Args       []string    `json:"args,omitempty"`
	Pid        int         `json:"pid"`
	Cols       int         `json:"cols"`
	Rows       int         `json:"rows"`
	AgentID    string      `json:"agentId,omitempty"`
	AgentState agent.State `json:"agentState,omitempty"`
	TraceID    string      `json:"traceId,omitempty"`
	WasKilled  bool        `json:"wasKilled"`
	SpawnedAt  time.Time   `json:"spawnedAt"`
}

// Sink renders session output. Calls for one session arrive in stream order
// with Exit last.
type Sink interface {
	Output(id string, data []byte)
	Exit(id string, code int)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Output(string, []byte) {}
func (NopSink) Exit(string, int)      {}

type multiSink []Sink

// Sinks fans out to every non-nil sink in order.
func Sinks(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Output(id string, data []byte) {
	for _, s := range m {
		s.Output(id, data)
	}
}

func (m multiSink) Exit(id string, code int) {
	for _, s := range m {
		s.Exit(id, code)
	}
}
