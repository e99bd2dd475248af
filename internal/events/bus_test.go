package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/ptydeck/internal/agent"
)

func validOutput() Event {
	return Event{
		Type:    TypeAgentOutput,
		Payload: Output{AgentID: "a1", Data: "hello", Timestamp: 1700000000000},
		Source:  "pty",
	}
}

func TestBusSubscribeByType(t *testing.T) {
	bus := NewBus()
	var got []Type
	bus.Subscribe(TypeAgentOutput, func(ev Event) { got = append(got, ev.Type) })

	bus.Publish(validOutput())
	bus.Publish(Event{Type: TypeAgentKilled, Payload: Killed{AgentID: "a1", Timestamp: 1}})

	assert.Equal(t, []Type{TypeAgentOutput}, got)
}

func TestBusSubscribeAllAndOrder(t *testing.T) {
	bus := NewBus()
	var order []string
	bus.Subscribe(TypeAgentOutput, func(Event) { order = append(order, "typed") })
	bus.SubscribeAll(func(Event) { order = append(order, "all") })
	bus.Subscribe(TypeAgentOutput, func(Event) { order = append(order, "typed2") })

	bus.Publish(validOutput())
	assert.Equal(t, []string{"typed", "all", "typed2"}, order)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	calls := 0
	unsub := bus.SubscribeAll(func(Event) { calls++ })
	bus.Publish(validOutput())
	unsub()
	unsub()
	bus.Publish(validOutput())

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.Len())
}

func TestBusHandlerMutatesSubscriptionsDuringPublish(t *testing.T) {
	bus := NewBus()
	lateCalls := 0
	var unsubSelf func()
	unsubSelf = bus.SubscribeAll(func(Event) {
		unsubSelf()
		bus.SubscribeAll(func(Event) { lateCalls++ })
	})
	secondCalls := 0
	bus.SubscribeAll(func(Event) { secondCalls++ })

	bus.Publish(validOutput())
	assert.Equal(t, 1, secondCalls, "snapshot still includes the second handler")
	assert.Equal(t, 0, lateCalls, "handlers added mid-publish wait for the next event")

	bus.Publish(validOutput())
	assert.Equal(t, 2, secondCalls)
	assert.Equal(t, 1, lateCalls)
}

func TestBusPanickingHandlerIsContained(t *testing.T) {
	bus := NewBus()
	bus.SubscribeAll(func(Event) { panic("boom") })
	delivered := false
	bus.SubscribeAll(func(Event) { delivered = true })

	assert.NotPanics(t, func() { bus.Publish(validOutput()) })
	assert.True(t, delivered)
}

func TestBusPublishValidated(t *testing.T) {
	bus := NewBus()
	var got []Event
	bus.SubscribeAll(func(ev Event) { got = append(got, ev) })

	require.NoError(t, bus.PublishValidated(validOutput()))

	bad := validOutput()
	bad.Payload = Output{AgentID: "", Data: "x", Timestamp: 1}
	err := bus.PublishValidated(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPayload))

	assert.Len(t, got, 1)
}

func TestBusClear(t *testing.T) {
	bus := NewBus()
	calls := 0
	bus.SubscribeAll(func(Event) { calls++ })
	bus.Subscribe(TypeAgentOutput, func(Event) { calls++ })
	bus.Clear()
	bus.Publish(validOutput())
	assert.Equal(t, 0, calls)
}

func TestEventValidate(t *testing.T) {
	const ts = int64(1700000000000)
	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"spawned ok", Event{Type: TypeAgentSpawned, Payload: Spawned{AgentID: "a", SessionID: "a", Kind: agent.KindClaude, Timestamp: ts}}, false},
		{"spawned missing kind", Event{Type: TypeAgentSpawned, Payload: Spawned{AgentID: "a", SessionID: "a", Timestamp: ts}}, true},
		{"state ok", Event{Type: TypeAgentStateChanged, Payload: StateChanged{AgentID: "a", State: agent.StateWorking, PreviousState: agent.StateIdle, Timestamp: ts}}, false},
		{"state unknown", Event{Type: TypeAgentStateChanged, Payload: StateChanged{AgentID: "a", State: "sleeping", PreviousState: agent.StateIdle, Timestamp: ts}}, true},
		{"output empty data", Event{Type: TypeAgentOutput, Payload: Output{AgentID: "a", Timestamp: ts}}, true},
		{"completed ok", Event{Type: TypeAgentCompleted, Payload: Completed{AgentID: "a", DurationMs: 10, Timestamp: ts}}, false},
		{"completed negative duration", Event{Type: TypeAgentCompleted, Payload: Completed{AgentID: "a", DurationMs: -1, Timestamp: ts}}, true},
		{"failed needs error", Event{Type: TypeAgentFailed, Payload: Failed{AgentID: "a", Timestamp: ts}}, true},
		{"killed without reason", Event{Type: TypeAgentKilled, Payload: Killed{AgentID: "a", Timestamp: ts}}, false},
		{"killed zero timestamp", Event{Type: TypeAgentKilled, Payload: Killed{AgentID: "a"}}, true},
		{"terminal error ok", Event{Type: TypeTerminalError, Payload: TerminalError{SessionID: "s", Error: "x", Timestamp: ts}}, false},
		{"task ok", Event{Type: TypeTaskCreated, Payload: TaskCreated{TaskID: "t", Description: "d", Timestamp: ts}}, false},
		{"wrong payload type", Event{Type: TypeAgentOutput, Payload: Killed{AgentID: "a", Timestamp: ts}}, true},
		{"map payload rejected", Event{Type: TypeAgentOutput, Payload: map[string]any{"agentId": "a"}}, true},
		{"nil payload", Event{Type: TypeAgentKilled}, true},
		{"unknown type", Event{Type: "agent:teleported", Payload: Killed{AgentID: "a", Timestamp: ts}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidPayload)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTypes(t *testing.T) {
	assert.Len(t, AllTypes(), 8)
	assert.True(t, TypeTaskCreated.Known())
	assert.False(t, Type("agent:other").Known())
	assert.Equal(t, []Type{TypeAgentOutput, TypeAgentKilled}, ParseTypes(" agent:output, ,bogus,agent:killed"))
	assert.Empty(t, ParseTypes(""))

	// AllTypes hands out a copy.
	all := AllTypes()
	all[0] = "mutated"
	assert.Equal(t, TypeAgentSpawned, AllTypes()[0])
}

func TestPayloadIDs(t *testing.T) {
	ids := PayloadIDs(TaskCreated{TaskID: "t1", AgentID: "a1", WorktreeID: "w1", TraceID: "tr"})
	assert.Equal(t, IDs{AgentID: "a1", TaskID: "t1", WorktreeID: "w1", TraceID: "tr"}, ids)

	ids = PayloadIDs(map[string]any{"agentId": "a2", "traceId": 7})
	assert.Equal(t, "a2", ids.AgentID)
	assert.Empty(t, ids.TraceID, "non-string values are ignored")

	assert.Equal(t, IDs{}, PayloadIDs("plain"))
}
