package events

import (
	"errors"
	"fmt"

	"github.com/asheshgoplani/ptydeck/internal/agent"
)

// ErrInvalidPayload is wrapped by every validation failure.
var ErrInvalidPayload = errors.New("invalid event payload")

// Event is one message on the bus. Source names the publisher ("pty",
// "web", ...) and ends up on stored records.
type Event struct {
	Type    Type
	Payload any
	Source  string
}

// Validator is implemented by every typed payload.
type Validator interface {
	Validate() error
}

// Timestamps are Unix milliseconds.

type Spawned struct {
	AgentID   string     `json:"agentId"`
	SessionID string     `json:"sessionId"`
	Kind      agent.Kind `json:"kind"`
	GroupID   string     `json:"groupId,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

type StateChanged struct {
	AgentID       string      `json:"agentId"`
	State         agent.State `json:"state"`
	PreviousState agent.State `json:"previousState"`
	Timestamp     int64       `json:"timestamp"`
	TraceID       string      `json:"traceId,omitempty"`
}

type Output struct {
	AgentID   string `json:"agentId"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
	TraceID   string `json:"traceId,omitempty"`
}

type Completed struct {
	AgentID    string `json:"agentId"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	Timestamp  int64  `json:"timestamp"`
	TraceID    string `json:"traceId,omitempty"`
}

type Failed struct {
	AgentID   string `json:"agentId"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
	TraceID   string `json:"traceId,omitempty"`
}

type Killed struct {
	AgentID   string `json:"agentId"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
	TraceID   string `json:"traceId,omitempty"`
}

// TerminalError reports a session-level failure such as a spawn error.
// SessionID is set even for plain shells, which have no agent id.
type TerminalError struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// TaskCreated is published by collaborators that hand work to an agent.
type TaskCreated struct {
	TaskID      string `json:"taskId"`
	AgentID     string `json:"agentId,omitempty"`
	WorktreeID  string `json:"worktreeId,omitempty"`
	Description string `json:"description"`
	Timestamp   int64  `json:"timestamp"`
	TraceID     string `json:"traceId,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

func requireAgent(id string, ts int64) error {
	if id == "" {
		return invalid("agentId is required")
	}
	if ts <= 0 {
		return invalid("timestamp must be positive")
	}
	return nil
}

func knownState(s agent.State) bool {
	for _, k := range agent.AllStates() {
		if k == s {
			return true
		}
	}
	return false
}

func (p Spawned) Validate() error {
	if err := requireAgent(p.AgentID, p.Timestamp); err != nil {
		return err
	}
	if p.SessionID == "" {
		return invalid("sessionId is required")
	}
	if p.Kind == "" {
		return invalid("kind is required")
	}
	return nil
}

func (p StateChanged) Validate() error {
	if err := requireAgent(p.AgentID, p.Timestamp); err != nil {
		return err
	}
	if !knownState(p.State) {
		return invalid("unknown state %q", p.State)
	}
	if !knownState(p.PreviousState) {
		return invalid("unknown previousState %q", p.PreviousState)
	}
	return nil
}

func (p Output) Validate() error {
	if err := requireAgent(p.AgentID, p.Timestamp); err != nil {
		return err
	}
	if p.Data == "" {
		return invalid("data is empty")
	}
	return nil
}

func (p Completed) Validate() error {
	if err := requireAgent(p.AgentID, p.Timestamp); err != nil {
		return err
	}
	if p.DurationMs < 0 {
		return invalid("durationMs is negative")
	}
	return nil
}

func (p Failed) Validate() error {
	if err := requireAgent(p.AgentID, p.Timestamp); err != nil {
		return err
	}
	if p.Error == "" {
		return invalid("error is required")
	}
	return nil
}

func (p Killed) Validate() error {
	return requireAgent(p.AgentID, p.Timestamp)
}

func (p TerminalError) Validate() error {
	if p.SessionID == "" {
		return invalid("sessionId is required")
	}
	if p.Error == "" {
		return invalid("error is required")
	}
	if p.Timestamp <= 0 {
		return invalid("timestamp must be positive")
	}
	return nil
}

func (p TaskCreated) Validate() error {
	if p.TaskID == "" {
		return invalid("taskId is required")
	}
	if p.Timestamp <= 0 {
		return invalid("timestamp must be positive")
	}
	return nil
}

// Validate checks that the type is known, the payload is the struct that
// type carries, and the payload's own constraints hold.
func (e Event) Validate() error {
	if !e.Type.Known() {
		return invalid("unknown type %q", e.Type)
	}
	var ok bool
	switch e.Type {
	case TypeAgentSpawned:
		_, ok = e.Payload.(Spawned)
	case TypeAgentStateChanged:
		_, ok = e.Payload.(StateChanged)
	case TypeAgentOutput:
		_, ok = e.Payload.(Output)
	case TypeAgentCompleted:
		_, ok = e.Payload.(Completed)
	case TypeAgentFailed:
		_, ok = e.Payload.(Failed)
	case TypeAgentKilled:
		_, ok = e.Payload.(Killed)
	case TypeTerminalError:
		_, ok = e.Payload.(TerminalError)
	case TypeTaskCreated:
		_, ok = e.Payload.(TaskCreated)
	}
	if !ok {
		return invalid("%s cannot carry %T", e.Type, e.Payload)
	}
	return e.Payload.(Validator).Validate()
}

// IDs are the correlation fields a payload may carry.
type IDs struct {
	AgentID    string
	SessionID  string
	TaskID     string
	WorktreeID string
	TraceID    string
}

// PayloadIDs extracts correlation fields from a typed payload or from a
// map payload using the JSON key names.
func PayloadIDs(payload any) IDs {
	switch p := payload.(type) {
	case Spawned:
		return IDs{AgentID: p.AgentID, SessionID: p.SessionID}
	case StateChanged:
		return IDs{AgentID: p.AgentID, TraceID: p.TraceID}
	case Output:
		return IDs{AgentID: p.AgentID, TraceID: p.TraceID}
	case Completed:
		return IDs{AgentID: p.AgentID, TraceID: p.TraceID}
	case Failed:
		return IDs{AgentID: p.AgentID, TraceID: p.TraceID}
	case Killed:
		return IDs{AgentID: p.AgentID, TraceID: p.TraceID}
	case TerminalError:
		return IDs{SessionID: p.SessionID}
	case TaskCreated:
		return IDs{AgentID: p.AgentID, TaskID: p.TaskID, WorktreeID: p.WorktreeID, TraceID: p.TraceID}
	case map[string]any:
		str := func(k string) string {
			s, _ := p[k].(string)
			return s
		}
		return IDs{
			AgentID:    str("agentId"),
			SessionID:  str("sessionId"),
			TaskID:     str("taskId"),
			WorktreeID: str("worktreeId"),
			TraceID:    str("traceId"),
		}
	}
	return IDs{}
}
