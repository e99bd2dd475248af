package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/ptydeck/internal/agent"
	"github.com/asheshgoplani/ptydeck/internal/config"
)

func TestClassifySample(t *testing.T) {
	cfg := config.Default()
	registry := cfg.Registry()

	tests := []struct {
		name   string
		kind   agent.Kind
		text   string
		event  agent.EventType
		next   agent.State
		prompt bool
		busy   bool
	}{
		{"claude permission prompt", agent.KindClaude, "Do you want to proceed? (y/n)", agent.EventPrompt, agent.StateWaiting, true, false},
		{"claude busy beats prompt", agent.KindClaude, "(y/n)\n✻ Thinking… (esc to interrupt)", agent.EventBusy, agent.StateWorking, true, true},
		{"plain output", agent.KindClaude, "wrote 3 files", agent.EventOutput, agent.StateWorking, false, false},
		{"ansi is stripped", agent.KindCodex, "\x1b[1mContinue?\x1b[0m", agent.EventPrompt, agent.StateWaiting, true, false},
		{"unknown kind is output", agent.Kind("nope"), "Do you want to proceed?", agent.EventOutput, agent.StateWorking, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := classifySample(cfg, registry, tt.kind, tt.text)
			assert.Equal(t, tt.event, c.Event)
			assert.Equal(t, tt.next, c.NextState)
			assert.Equal(t, tt.prompt, c.Prompt)
			assert.Equal(t, tt.busy, c.Busy)
			assert.Equal(t, agent.StateWorking, c.FromState)
		})
	}
}

func TestPatternRowsSources(t *testing.T) {
	cfg := config.Default()
	cfg.Tools["aider"] = config.ToolDef{
		Command:        "aider",
		BusyPatterns:   []string{"re:Tokens: .* sent"},
		PromptPatterns: []string{"> "},
	}
	cfg.Tools["claude"] = config.ToolDef{PromptPatternsExtra: []string{"Approve edit?"}}

	rows := patternRows(cfg, cfg.Registry())
	byKind := make(map[agent.Kind]patternRow)
	for _, r := range rows {
		byKind[r.Kind] = r
	}

	require.Contains(t, byKind, agent.Kind("aider"))
	assert.Equal(t, "config", byKind["aider"].Source)
	assert.Equal(t, 1, byKind["aider"].Busy)
	assert.True(t, byKind["aider"].Agent)

	assert.Equal(t, "builtin+config", byKind[agent.KindClaude].Source)
	assert.Equal(t, "builtin", byKind[agent.KindGemini].Source)
	assert.False(t, byKind[agent.KindShell].Agent)

	defaults := patternRows(config.Default(), config.Default().Registry())
	assert.Equal(t, byKind[agent.KindClaude].Prompt, promptCount(defaults, agent.KindClaude)+1)
}

func promptCount(rows []patternRow, kind agent.Kind) int {
	for _, r := range rows {
		if r.Kind == kind {
			return r.Prompt
		}
	}
	return -1
}
