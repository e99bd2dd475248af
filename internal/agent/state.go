package agent

// State is the inferred lifecycle state of an agent session.
type State string

const (
	StateIdle      State = "idle"
	StateWorking   State = "working"
	StateWaiting   State = "waiting"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{StateIdle, StateWorking, StateWaiting, StateCompleted, StateFailed}
}

// IsTerminal reports whether no ordinary event can leave s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// EventType tags an Event.
type EventType string

const (
	EventStart  EventType = "start"
	EventBusy   EventType = "busy"
	EventPrompt EventType = "prompt"
	EventOutput EventType = "output"
	EventInput  EventType = "input"
	EventExit   EventType = "exit"
	EventError  EventType = "error"
)

// AllEventTypes lists every event type in declaration order.
func AllEventTypes() []EventType {
	return []EventType{EventStart, EventBusy, EventPrompt, EventOutput, EventInput, EventExit, EventError}
}

// Event is the input to the reducer. Data is set for output, Code for exit,
// Message for error.
type Event struct {
	Type    EventType
	Data    string
	Code    int
	Message string
}

func Start() Event               { return Event{Type: EventStart} }
func Busy() Event                { return Event{Type: EventBusy} }
func Prompt() Event              { return Event{Type: EventPrompt} }
func Output(data string) Event   { return Event{Type: EventOutput, Data: data} }
func Input() Event               { return Event{Type: EventInput} }
func Exit(code int) Event        { return Event{Type: EventExit, Code: code} }
func Error(message string) Event { return Event{Type: EventError, Message: message} }

// OutputPolicy decides what plain (unclassified) output does to a waiting agent.
type OutputPolicy int

const (
	// OutputKeepsWaiting leaves a waiting agent waiting on plain output, so
	// cursor blinks and redraws under a prompt do not flap the state.
	OutputKeepsWaiting OutputPolicy = iota
	// OutputResumesWork treats any plain output as liveness and returns to working.
	OutputResumesWork
)

// Next is the lifecycle reducer with the default OutputKeepsWaiting policy.
func Next(s State, e Event) State {
	return NextWithPolicy(s, e, OutputKeepsWaiting)
}

// NextWithPolicy maps (state, event) to the next state. It is total: pairs
// without a transition return s unchanged.
func NextWithPolicy(s State, e Event, policy OutputPolicy) State {
	switch e.Type {
	case EventError:
		return StateFailed
	case EventExit:
		if s.IsTerminal() {
			return s
		}
		if e.Code == 0 {
			return StateCompleted
		}
		return StateFailed
	}

	switch s {
	case StateIdle:
		if e.Type == EventStart {
			return StateWorking
		}
	case StateWorking:
		switch e.Type {
		case EventPrompt:
			return StateWaiting
		case EventBusy, EventOutput:
			return StateWorking
		}
	case StateWaiting:
		switch e.Type {
		case EventBusy, EventInput:
			return StateWorking
		case EventOutput:
			if policy == OutputResumesWork {
				return StateWorking
			}
		}
	}
	return s
}
