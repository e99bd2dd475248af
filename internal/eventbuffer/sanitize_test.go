package eventbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/asheshgoplani/ptydeck/internal/events"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name    string
		typ     events.Type
		payload any
		want    any
	}{
		{
			"output struct",
			events.TypeAgentOutput,
			events.Output{AgentID: "a", Data: "secret", TraceID: "t"},
			events.Output{AgentID: "a", Data: Redacted, TraceID: "t"},
		},
		{
			"output pointer",
			events.TypeAgentOutput,
			&events.Output{AgentID: "a", Data: "secret"},
			events.Output{AgentID: "a", Data: Redacted},
		},
		{
			"task struct",
			events.TypeTaskCreated,
			events.TaskCreated{TaskID: "t", Description: "secret"},
			events.TaskCreated{TaskID: "t", Description: Redacted},
		},
		{
			"output map",
			events.TypeAgentOutput,
			map[string]any{"agentId": "a", "data": "secret"},
			map[string]any{"agentId": "a", "data": Redacted},
		},
		{
			"task map without description",
			events.TypeTaskCreated,
			map[string]any{"taskId": "t"},
			map[string]any{"taskId": "t"},
		},
		{
			"output plain string",
			events.TypeAgentOutput,
			"secret",
			Redacted,
		},
		{
			"other type untouched",
			events.TypeAgentFailed,
			events.Failed{AgentID: "a", Error: "data"},
			events.Failed{AgentID: "a", Error: "data"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once := Sanitize(tt.typ, tt.payload)
			assert.Equal(t, tt.want, once)
			assert.Equal(t, once, Sanitize(tt.typ, once), "sanitizing twice must be stable")
		})
	}
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"data": "secret"}
	_ = Sanitize(events.TypeAgentOutput, in)
	assert.Equal(t, "secret", in["data"])

	ptr := &events.Output{Data: "secret"}
	_ = Sanitize(events.TypeAgentOutput, ptr)
	assert.Equal(t, "secret", ptr.Data)
}
