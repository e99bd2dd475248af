package agent

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/asheshgoplani/ptydeck/internal/logging"
)

var patternLog = logging.ForComponent(logging.CompAgent)

// RawPatterns holds string-form patterns before compilation.
// Patterns prefixed with "re:" are compiled as regex; everything else is a
// case-insensitive substring.
type RawPatterns struct {
	BusyPatterns   []string `toml:"busy_patterns" json:"busyPatterns,omitempty"`
	PromptPatterns []string `toml:"prompt_patterns" json:"promptPatterns,omitempty"`
	SpinnerChars   []string `toml:"spinner_chars" json:"spinnerChars,omitempty"`
}

// ResolvedPatterns holds the compiled, ready-to-use patterns for one kind.
type ResolvedPatterns struct {
	BusyStrings   []string // lowercased
	BusyRegexps   []*regexp.Regexp
	PromptStrings []string // lowercased
	PromptRegexps []*regexp.Regexp

	// SpinnerActive matches a spinner glyph followed by text and an ellipsis,
	// the "✻ Thinking…" style status line. Nil when no spinner chars are set.
	SpinnerActive *regexp.Regexp
}

// DefaultRawPatterns returns the built-in detection patterns for a kind.
// Returns nil for kinds without defaults.
func DefaultRawPatterns(kind Kind) *RawPatterns {
	switch NormalizeKind(string(kind)) {
	case KindClaude:
		return &RawPatterns{
			BusyPatterns: []string{
				"esc to interrupt",
				"ctrl+c to interrupt",
				`re:(?m)^\s*[✳✽✶✻✢·]\s*\S.*…`,
			},
			PromptPatterns: []string{
				`re:(?m)^\s*[>❯][\s\x{00A0}]*$`,
				"Do you want to proceed?",
				"No, and tell Claude what to do differently",
				"Yes, allow once",
				"Do you trust the files in this folder?",
				"(y/n)",
			},
			SpinnerChars: []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏", "✳", "✽", "✶", "✢"},
		}
	case KindGemini:
		return &RawPatterns{
			BusyPatterns:   []string{"esc to cancel"},
			PromptPatterns: []string{"gemini>", "Type your message", "Allow execution"},
			SpinnerChars:   []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		}
	case KindCodex:
		return &RawPatterns{
			BusyPatterns: []string{
				"esc to interrupt",
				"ctrl+c to interrupt",
			},
			PromptPatterns: []string{"codex>", "How can I help", "Continue?", `re:(?m)^\s*›\s*$`},
		}
	case KindOpenCode:
		return &RawPatterns{
			BusyPatterns: []string{
				"esc interrupt",
				"thinking...",
				"generating...",
				"building tool call...",
				"waiting for tool response...",
			},
			PromptPatterns: []string{"Ask anything", "press enter to send"},
		}
	case KindShell:
		return &RawPatterns{
			PromptPatterns: []string{`re:[$#%>]\s*$`},
		}
	default:
		return nil
	}
}

// CompilePatterns compiles raw patterns. Invalid regexes are logged and
// skipped, never fatal.
func CompilePatterns(raw *RawPatterns) (*ResolvedPatterns, error) {
	if raw == nil {
		return nil, fmt.Errorf("nil RawPatterns")
	}

	resolved := &ResolvedPatterns{}
	resolved.BusyStrings, resolved.BusyRegexps = splitPatterns(raw.BusyPatterns, "busy")
	resolved.PromptStrings, resolved.PromptRegexps = splitPatterns(raw.PromptPatterns, "prompt")

	if len(raw.SpinnerChars) > 0 {
		re, err := regexp.Compile(`(?m)` + spinnerCharClass(raw.SpinnerChars) + `\s*\S.*…`)
		if err != nil {
			patternLog.Warn("spinner_pattern_invalid", slog.String("error", err.Error()))
		} else {
			resolved.SpinnerActive = re
		}
	}
	return resolved, nil
}

func splitPatterns(patterns []string, label string) ([]string, []*regexp.Regexp) {
	var plain []string
	var res []*regexp.Regexp
	for _, p := range patterns {
		if expr, ok := strings.CutPrefix(p, "re:"); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				patternLog.Warn("pattern_regex_invalid",
					slog.String("kind", label),
					slog.String("pattern", p),
					slog.String("error", err.Error()))
				continue
			}
			res = append(res, re)
			continue
		}
		if p == "" {
			continue
		}
		plain = append(plain, strings.ToLower(p))
	}
	return plain, res
}

// spinnerCharClass builds a regex character class, e.g. ["⠋","✳"] -> "[⠋✳]".
func spinnerCharClass(chars []string) string {
	var b strings.Builder
	b.WriteRune('[')
	for _, ch := range chars {
		b.WriteString(regexp.QuoteMeta(ch))
	}
	b.WriteRune(']')
	return b.String()
}

// MergeRawPatterns merges defaults with overrides and extras.
//   - A non-nil override field replaces the default field entirely.
//   - Extras are appended after defaults or overrides.
//   - With nil defaults, only overrides and extras are used.
func MergeRawPatterns(defaults, overrides, extras *RawPatterns) *RawPatterns {
	result := &RawPatterns{}

	if defaults != nil {
		result.BusyPatterns = copySlice(defaults.BusyPatterns)
		result.PromptPatterns = copySlice(defaults.PromptPatterns)
		result.SpinnerChars = copySlice(defaults.SpinnerChars)
	}

	if overrides != nil {
		if overrides.BusyPatterns != nil {
			result.BusyPatterns = copySlice(overrides.BusyPatterns)
		}
		if overrides.PromptPatterns != nil {
			result.PromptPatterns = copySlice(overrides.PromptPatterns)
		}
		if overrides.SpinnerChars != nil {
			result.SpinnerChars = copySlice(overrides.SpinnerChars)
		}
	}

	if extras != nil {
		result.BusyPatterns = append(result.BusyPatterns, extras.BusyPatterns...)
		result.PromptPatterns = append(result.PromptPatterns, extras.PromptPatterns...)
		result.SpinnerChars = append(result.SpinnerChars, extras.SpinnerChars...)
	}

	return result
}

func copySlice(s []string) []string {
	if s == nil {
		return nil
	}
	c := make([]string, len(s))
	copy(c, s)
	return c
}
