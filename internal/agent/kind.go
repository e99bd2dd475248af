package agent

import "strings"

// Kind is the declared category of a terminal session. It selects the pattern
// table used for classification.
type Kind string

const (
	KindShell    Kind = "shell"
	KindCustom   Kind = "custom"
	KindClaude   Kind = "claude"
	KindGemini   Kind = "gemini"
	KindCodex    Kind = "codex"
	KindOpenCode Kind = "opencode"
)

// BuiltinKinds lists the kinds that ship with pattern tables.
func BuiltinKinds() []Kind {
	return []Kind{KindClaude, KindGemini, KindCodex, KindOpenCode, KindShell}
}

// NormalizeKind lowercases and trims k. An empty kind is a plain shell.
func NormalizeKind(k string) Kind {
	k = strings.ToLower(strings.TrimSpace(k))
	if k == "" {
		return KindShell
	}
	return Kind(k)
}

// IsAgent reports whether sessions of this kind get lifecycle tracking.
// Everything except shell and custom is an agent kind, including tool
// names that only exist in config.toml.
func (k Kind) IsAgent() bool {
	return k != KindShell && k != KindCustom && k != ""
}

func (k Kind) String() string { return string(k) }
