package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// ClassifyWindow is how many trailing runes of the byte window are classified.
// Old busy text further back must not keep suppressing prompt detection.
const ClassifyWindow = 200

// Registry maps agent kinds to compiled pattern tables. It is safe for
// concurrent use; config reloads swap tables while sessions classify.
type Registry struct {
	mu     sync.RWMutex
	tables map[Kind]*ResolvedPatterns
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[Kind]*ResolvedPatterns)}
}

// DefaultRegistry returns a registry loaded with every built-in table.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, k := range BuiltinKinds() {
		_ = r.Register(k, DefaultRawPatterns(k))
	}
	return r
}

// Register compiles raw and installs it for kind, replacing any previous table.
func (r *Registry) Register(kind Kind, raw *RawPatterns) error {
	resolved, err := CompilePatterns(raw)
	if err != nil {
		return fmt.Errorf("register %s patterns: %w", kind, err)
	}
	kind = NormalizeKind(string(kind))

	r.mu.Lock()
	r.tables[kind] = resolved
	r.mu.Unlock()
	return nil
}

// Replace swaps the whole table set in one step. Entries that fail to compile
// are skipped.
func (r *Registry) Replace(tables map[Kind]*RawPatterns) {
	next := make(map[Kind]*ResolvedPatterns, len(tables))
	for kind, raw := range tables {
		resolved, err := CompilePatterns(raw)
		if err != nil {
			continue
		}
		next[NormalizeKind(string(kind))] = resolved
	}

	r.mu.Lock()
	r.tables = next
	r.mu.Unlock()
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.tables))
	for k := range r.tables {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Patterns returns the compiled table for kind.
func (r *Registry) Patterns(kind Kind) (*ResolvedPatterns, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.tables[NormalizeKind(string(kind))]
	return p, ok
}

// IsBusy reports whether recent output shows kind actively working.
func (r *Registry) IsBusy(recent string, kind Kind) bool {
	p, ok := r.Patterns(kind)
	if !ok {
		return false
	}
	return p.matchBusy(StripANSI(recent))
}

// IsPrompt reports whether recent output looks like kind idling at a prompt.
// Callers must check IsBusy first; Classify does.
func (r *Registry) IsPrompt(recent string, kind Kind) bool {
	p, ok := r.Patterns(kind)
	if !ok {
		return false
	}
	return p.matchPrompt(StripANSI(recent))
}

// Classify turns the trailing text of a session's window into a reducer
// event: busy, then prompt, else plain output carrying chunk.
func (r *Registry) Classify(recent string, kind Kind, chunk string) Event {
	p, ok := r.Patterns(kind)
	if !ok {
		return Output(chunk)
	}
	clean := StripANSI(recent)
	if p.matchBusy(clean) {
		return Busy()
	}
	if p.matchPrompt(clean) {
		return Prompt()
	}
	return Output(chunk)
}

func (p *ResolvedPatterns) matchBusy(text string) bool {
	lower := strings.ToLower(text)
	for _, s := range p.BusyStrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	for _, re := range p.BusyRegexps {
		if re.MatchString(text) {
			return true
		}
	}
	return p.SpinnerActive != nil && p.SpinnerActive.MatchString(text)
}

func (p *ResolvedPatterns) matchPrompt(text string) bool {
	lower := strings.ToLower(text)
	for _, s := range p.PromptStrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	for _, re := range p.PromptRegexps {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Tail returns the last n runes of s.
func Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		// Byte length bounds rune count.
		return s
	}
	count := 0
	for i := len(s); i > 0; {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
		count++
		if count == n {
			return s[i:]
		}
	}
	return s
}
