package agent

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyClaude(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name   string
		recent string
		want   EventType
	}{
		{"interrupt hint", "Reading files\n  esc to interrupt", EventBusy},
		{"interrupt hint uppercase", "CTRL+C TO INTERRUPT", EventBusy},
		{"spinner status", "✻ Thinking… (12s)", EventBusy},
		{"colored interrupt", "\x1b[2mesc to \x1b[0minterrupt", EventBusy},
		{"bare prompt", "done.\n> ", EventPrompt},
		{"chevron prompt", "result\n❯ ", EventPrompt},
		{"permission dialog", "Do you want to proceed?\n 1. Yes", EventPrompt},
		{"plain output", "compiling package foo", EventOutput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := r.Classify(tt.recent, KindClaude, "chunk")
			assert.Equal(t, tt.want, ev.Type)
		})
	}
}

func TestClassifyBusyBeatsPrompt(t *testing.T) {
	r := DefaultRegistry()
	recent := "Do you want to proceed?\nesc to interrupt"
	assert.True(t, r.IsPrompt(recent, KindClaude))
	assert.True(t, r.IsBusy(recent, KindClaude))
	assert.Equal(t, EventBusy, r.Classify(recent, KindClaude, "").Type)
}

func TestClassifyOutputCarriesChunk(t *testing.T) {
	r := DefaultRegistry()
	ev := r.Classify("nothing special", KindGemini, "raw\x1b[31mred")
	assert.Equal(t, EventOutput, ev.Type)
	assert.Equal(t, "raw\x1b[31mred", ev.Data)
}

func TestClassifyUnknownKindNeverMatches(t *testing.T) {
	r := DefaultRegistry()
	assert.False(t, r.IsBusy("esc to interrupt", "mystery"))
	assert.False(t, r.IsPrompt("> ", "mystery"))
	assert.Equal(t, EventOutput, r.Classify("esc to interrupt", "mystery", "x").Type)
}

func TestClassifyShellPrompt(t *testing.T) {
	r := DefaultRegistry()
	assert.True(t, r.IsPrompt("user@host:~$ ", KindShell))
	assert.True(t, r.IsPrompt("root@host:/# ", ""))
	assert.False(t, r.IsPrompt("$ ls\nfile.txt", KindShell))
}

func TestClassifyOtherAgents(t *testing.T) {
	r := DefaultRegistry()
	assert.True(t, r.IsBusy("Working (esc to cancel, 4s)", KindGemini))
	assert.True(t, r.IsPrompt("gemini> ", KindGemini))
	assert.True(t, r.IsBusy("Esc to interrupt", KindCodex))
	assert.True(t, r.IsPrompt("output\n›\n", KindCodex))
	assert.True(t, r.IsBusy("Thinking...", KindOpenCode))
	assert.True(t, r.IsPrompt("Ask anything", KindOpenCode))
}

func TestRegistryRegisterAndReplace(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.Kinds())

	require.NoError(t, r.Register("Aider", &RawPatterns{
		BusyPatterns:   []string{"re:Tokens: \\d+"},
		PromptPatterns: []string{"aider>"},
	}))
	assert.Equal(t, []Kind{"aider"}, r.Kinds())
	assert.True(t, r.IsBusy("Tokens: 512", "aider"))
	assert.True(t, r.IsPrompt("AIDER> ", "aider"))

	require.Error(t, r.Register("x", nil))

	r.Replace(map[Kind]*RawPatterns{
		KindShell: DefaultRawPatterns(KindShell),
		"broken":  nil,
	})
	assert.Equal(t, []Kind{KindShell}, r.Kinds())
	_, ok := r.Patterns("aider")
	assert.False(t, ok)
}

func TestRegistryConcurrentUse(t *testing.T) {
	r := DefaultRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Classify("esc to interrupt", KindClaude, "")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = r.Register(KindClaude, DefaultRawPatterns(KindClaude))
			}
		}()
	}
	wg.Wait()
	assert.True(t, r.IsBusy("esc to interrupt", KindClaude))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "", Tail("abc", 0))
	assert.Equal(t, "abc", Tail("abc", 5))
	assert.Equal(t, "bc", Tail("abc", 2))
	assert.Equal(t, "✳✽", Tail("ab✳✽", 2))
	assert.Equal(t, "b✳✽", Tail("ab✳✽", 3))

	long := strings.Repeat("x", 500) + "end"
	assert.Len(t, []rune(Tail(long, ClassifyWindow)), ClassifyWindow)
	assert.True(t, strings.HasSuffix(Tail(long, ClassifyWindow), "end"))
}

func TestTailLimitsStaleBusyText(t *testing.T) {
	r := DefaultRegistry()
	window := "esc to interrupt\n" + strings.Repeat("line of output\n", 30) + "> "
	assert.True(t, r.IsBusy(window, KindClaude))
	assert.Equal(t, EventPrompt, r.Classify(Tail(window, ClassifyWindow), KindClaude, "").Type)
}
