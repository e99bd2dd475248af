package events

import "strings"

// SchemaVersion is bumped whenever a Type is added or a payload shape changes.
const SchemaVersion = 1

// Type is a bus topic. The set is closed; see AllTypes.
type Type string

const (
	TypeAgentSpawned      Type = "agent:spawned"
	TypeAgentStateChanged Type = "agent:state-changed"
	TypeAgentOutput       Type = "agent:output"
	TypeAgentCompleted    Type = "agent:completed"
	TypeAgentFailed       Type = "agent:failed"
	TypeAgentKilled       Type = "agent:killed"
	TypeTerminalError     Type = "terminal:error"
	TypeTaskCreated       Type = "task:created"
)

var allTypes = []Type{
	TypeAgentSpawned,
	TypeAgentStateChanged,
	TypeAgentOutput,
	TypeAgentCompleted,
	TypeAgentFailed,
	TypeAgentKilled,
	TypeTerminalError,
	TypeTaskCreated,
}

// AllTypes returns every known type in declaration order.
func AllTypes() []Type {
	out := make([]Type, len(allTypes))
	copy(out, allTypes)
	return out
}

// Known reports whether t is part of the current schema.
func (t Type) Known() bool {
	for _, k := range allTypes {
		if k == t {
			return true
		}
	}
	return false
}

func (t Type) String() string { return string(t) }

// ParseTypes splits a comma-separated list, dropping blanks and unknown names.
func ParseTypes(csv string) []Type {
	var out []Type
	for _, part := range strings.Split(csv, ",") {
		if t := Type(strings.TrimSpace(part)); t.Known() {
			out = append(out, t)
		}
	}
	return out
}
